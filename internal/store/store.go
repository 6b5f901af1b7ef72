package store

import (
	"context"
	"time"
)

// CallRecord is one entry in the local call history log.
type CallRecord struct {
	ID        string // UUID
	ChatID    string
	PeerID    string
	Kind      string // voice or video
	Direction string // outbound or inbound
	StartedAt time.Time
	EndedAt   *time.Time
	EndReason *string
}

// Store persists local agent state. The backend stays the source of
// truth for notifications; only call history lives here.
type Store interface {
	// RecordCallStart inserts a new history record when a session opens.
	RecordCallStart(ctx context.Context, rec CallRecord) error
	// RecordCallEnd finalizes the record for id. Unknown ids are a no-op
	// so teardown never fails on history.
	RecordCallEnd(ctx context.Context, id string, endedAt time.Time, reason string) error
	// ListCalls returns the most recent records, newest first.
	ListCalls(ctx context.Context, limit int) ([]CallRecord, error)

	Close() error
}
