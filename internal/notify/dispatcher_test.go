package notify

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dermalink/consult-agent/internal/channel"
	"github.com/dermalink/consult-agent/internal/token"
)

// memBackend is an in-memory Backend for dispatcher tests.
type memBackend struct {
	mu    sync.Mutex
	items []Notification
	fail  bool

	listCalls    int
	readCalls    []string
	readAllCalls int
}

func (b *memBackend) List(context.Context) ([]Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	if b.fail {
		return nil, errors.New("backend down")
	}
	out := make([]Notification, len(b.items))
	copy(out, b.items)
	return out, nil
}

func (b *memBackend) MarkRead(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readCalls = append(b.readCalls, id)
	if b.fail {
		return errors.New("backend down")
	}
	for i := range b.items {
		if b.items[i].ID == id {
			b.items[i].Read = true
		}
	}
	return nil
}

func (b *memBackend) MarkAllRead(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readAllCalls++
	if b.fail {
		return errors.New("backend down")
	}
	for i := range b.items {
		b.items[i].Read = true
	}
	return nil
}

func unreadOf(items []Notification) int {
	n := 0
	for _, it := range items {
		if !it.Read {
			n++
		}
	}
	return n
}

func TestFetchAllReplacesLedger(t *testing.T) {
	backend := &memBackend{items: []Notification{
		{ID: "a", Title: "scan ready"},
		{ID: "b", Title: "booking confirmed", Read: true},
	}}
	d := NewDispatcher(backend, nil)

	if err := d.FetchAll(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := len(d.Items()); got != 2 {
		t.Fatalf("items = %d, want 2", got)
	}
	if got := d.UnreadCount(); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}

	// A failing fetch leaves the ledger untouched and surfaces the error.
	backend.mu.Lock()
	backend.fail = true
	backend.mu.Unlock()
	if err := d.FetchAll(context.Background()); err == nil {
		t.Fatal("fetch succeeded against failing backend")
	}
	if got := len(d.Items()); got != 2 {
		t.Fatalf("failed fetch mutated ledger: %d items", got)
	}
	if d.Err() == nil {
		t.Fatal("ledger error not captured")
	}
}

func TestMarkReadScenario(t *testing.T) {
	backend := &memBackend{items: []Notification{
		{ID: "a"},
		{ID: "b"},
	}}
	d := NewDispatcher(backend, nil)
	if err := d.FetchAll(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if err := d.MarkRead(context.Background(), "a"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	items := d.Items()
	if !items[0].Read {
		t.Fatal("item a not flipped read")
	}
	if got := d.UnreadCount(); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.readCalls) != 1 || backend.readCalls[0] != "a" {
		t.Fatalf("backend saw %v, want exactly one mark-read for a", backend.readCalls)
	}
}

func TestMarkReadOptimisticWithoutRollback(t *testing.T) {
	backend := &memBackend{items: []Notification{{ID: "a"}}}
	d := NewDispatcher(backend, nil)
	if err := d.FetchAll(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	backend.mu.Lock()
	backend.fail = true
	backend.mu.Unlock()

	err := d.MarkRead(context.Background(), "a")
	if err == nil {
		t.Fatal("mark read succeeded against failing backend")
	}
	// The optimistic flip stays; reconciliation happens on the next fetch.
	if !d.Items()[0].Read {
		t.Fatal("optimistic flip rolled back")
	}
	if d.Err() == nil {
		t.Fatal("sync error not captured")
	}
}

func TestUnreadCountInvariantUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	backend := &memBackend{}
	for i := 0; i < 20; i++ {
		backend.items = append(backend.items, Notification{
			ID:   string(rune('a' + i)),
			Read: rng.Intn(2) == 0,
		})
	}
	d := NewDispatcher(backend, nil)

	for step := 0; step < 200; step++ {
		switch rng.Intn(4) {
		case 0:
			_ = d.FetchAll(context.Background())
		case 1:
			id := string(rune('a' + rng.Intn(20)))
			_ = d.MarkRead(context.Background(), id)
		case 2:
			_ = d.MarkAllRead(context.Background())
		case 3:
			// Backend flakiness must not break the invariant either.
			backend.mu.Lock()
			backend.fail = rng.Intn(2) == 0
			backend.mu.Unlock()
		}

		if got, want := d.UnreadCount(), unreadOf(d.Items()); got != want {
			t.Fatalf("step %d: UnreadCount = %d, items say %d", step, got, want)
		}
	}
}

func TestInboundPushTriggersRefetch(t *testing.T) {
	backend := &memBackend{items: []Notification{{ID: "a"}}}
	d := NewDispatcher(backend, nil)

	sig := &stubSubscriber{}
	d.Attach(sig)
	t.Cleanup(d.Detach)

	if sig.handler == nil {
		t.Fatal("dispatcher never subscribed to new-notification")
	}

	backend.mu.Lock()
	before := backend.listCalls
	backend.mu.Unlock()

	// Push payloads may be partial, so the handler refetches wholesale.
	// The fetch runs in the background, so poll for it.
	sig.handler(json.RawMessage(`{"content":"your scan results are in"}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		backend.mu.Lock()
		after := backend.listCalls
		backend.mu.Unlock()
		if after == before+1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	backend.mu.Lock()
	after := backend.listCalls
	backend.mu.Unlock()
	if after != before+1 {
		t.Fatalf("push triggered %d fetches, want 1", after-before)
	}
	if got := len(d.Items()); got != 1 {
		t.Fatalf("ledger not populated after push: %d items", got)
	}
}

// blockingBackend parks List until released, acting as a slow backend.
type blockingBackend struct {
	*memBackend
	started chan struct{}
	release chan struct{}
}

func (b *blockingBackend) List(ctx context.Context) ([]Notification, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return b.memBackend.List(ctx)
}

func TestPushHandlerDoesNotBlockReadLoop(t *testing.T) {
	backend := &blockingBackend{
		memBackend: &memBackend{items: []Notification{{ID: "a"}}},
		started:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	d := NewDispatcher(backend, nil)

	sig := &stubSubscriber{}
	d.Attach(sig)
	t.Cleanup(d.Detach)

	// The handler is what the channel's read loop invokes; it must
	// return while the backend fetch is still in flight.
	returned := make(chan struct{})
	go func() {
		sig.handler(json.RawMessage(`{}`))
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("push handler blocked on the backend fetch")
	}

	select {
	case <-backend.started:
	case <-time.After(time.Second):
		t.Fatal("background refetch never started")
	}
	close(backend.release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(d.Items()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ledger never populated after the fetch was released")
}

type stubSubscriber struct {
	event   string
	handler channel.Handler
}

func (s *stubSubscriber) Subscribe(event string, handler channel.Handler) func() {
	s.event = event
	s.handler = handler
	return func() { s.handler = nil }
}

func TestClientUnwrapsResultDataEnvelope(t *testing.T) {
	var gotAuth string
	var gotPaths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/notifications":
			// Wrapped envelope shape.
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"resultData":[{"id":"n1","title":"scan ready","read":false}]}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(ts.Close)

	client := NewClient(ts.URL, token.Static("tok"), time.Second)

	items, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != "n1" {
		t.Fatalf("items = %+v", items)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header = %q", gotAuth)
	}

	if err := client.MarkRead(context.Background(), "n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := client.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("mark all read: %v", err)
	}

	want := []string{
		"GET /notifications",
		"PATCH /notifications/n1/read",
		"PATCH /notifications/read-all",
	}
	if len(gotPaths) != len(want) {
		t.Fatalf("paths = %v, want %v", gotPaths, want)
	}
	for i := range want {
		if gotPaths[i] != want[i] {
			t.Fatalf("request %d = %q, want %q", i, gotPaths[i], want[i])
		}
	}
}

func TestClientAcceptsBareArray(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"n1"},{"id":"n2","read":true}]`))
	}))
	t.Cleanup(ts.Close)

	client := NewClient(ts.URL, nil, time.Second)
	items, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[1].ID != "n2" || !items[1].Read {
		t.Fatalf("items = %+v", items)
	}
}
