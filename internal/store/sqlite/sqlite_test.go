package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dermalink/consult-agent/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCallHistoryRoundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := store.CallRecord{
		ID:        "call-1",
		ChatID:    "chat-1",
		PeerID:    "specialist-1",
		Kind:      "voice",
		Direction: "outbound",
		StartedAt: time.Now().Add(-time.Minute),
	}
	second := store.CallRecord{
		ID:        "call-2",
		ChatID:    "chat-2",
		PeerID:    "specialist-2",
		Kind:      "video",
		Direction: "inbound",
		StartedAt: time.Now(),
	}
	if err := st.RecordCallStart(ctx, first); err != nil {
		t.Fatalf("record first: %v", err)
	}
	if err := st.RecordCallStart(ctx, second); err != nil {
		t.Fatalf("record second: %v", err)
	}

	if err := st.RecordCallEnd(ctx, "call-1", time.Now(), "hangup"); err != nil {
		t.Fatalf("end first: %v", err)
	}

	records, err := st.ListCalls(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	// Newest first.
	if records[0].ID != "call-2" || records[1].ID != "call-1" {
		t.Fatalf("unexpected order: %s, %s", records[0].ID, records[1].ID)
	}
	if records[0].EndedAt != nil {
		t.Fatal("open call has ended_at set")
	}
	if records[1].EndedAt == nil || records[1].EndReason == nil || *records[1].EndReason != "hangup" {
		t.Fatalf("finalized call not recorded: %+v", records[1])
	}
}

func TestRecordCallEndUnknownIDIsNoOp(t *testing.T) {
	st := newTestStore(t)

	if err := st.RecordCallEnd(context.Background(), "ghost", time.Now(), "hangup"); err != nil {
		t.Fatalf("unknown id should be a no-op, got %v", err)
	}
}

func TestRecordCallEndDoesNotOverwrite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := store.CallRecord{
		ID:        "call-1",
		ChatID:    "chat-1",
		PeerID:    "p",
		Kind:      "voice",
		Direction: "outbound",
		StartedAt: time.Now(),
	}
	if err := st.RecordCallStart(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := st.RecordCallEnd(ctx, "call-1", time.Now(), "hangup"); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := st.RecordCallEnd(ctx, "call-1", time.Now(), "timeout"); err != nil {
		t.Fatalf("second end: %v", err)
	}

	records, err := st.ListCalls(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if *records[0].EndReason != "hangup" {
		t.Fatalf("end reason overwritten: %s", *records[0].EndReason)
	}
}
