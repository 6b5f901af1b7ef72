package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermalink/consult-agent/internal/channel"
	"github.com/dermalink/consult-agent/internal/proto"
)

// Subscriber is the slice of the connection channel the dispatcher needs.
type Subscriber interface {
	Subscribe(event string, handler channel.Handler) (cancel func())
}

// Dispatcher keeps an eventually consistent local view of the user's
// notifications. The backend is the source of truth; the ledger here is
// a cache that consumers read but never mutate directly, so the unread
// count can always be derived from the items themselves.
type Dispatcher struct {
	backend Backend
	log     *zerolog.Logger

	mu      sync.Mutex
	items   []Notification
	lastErr error

	cancel func()
}

// NewDispatcher builds a dispatcher over the given backend client.
func NewDispatcher(backend Backend, logger *zerolog.Logger) *Dispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Dispatcher{backend: backend, log: logger}
}

// Attach subscribes the dispatcher to inbound notification pushes. The
// push payload is not guaranteed to carry the full record, so the
// handler refetches the whole list instead of merging. The refetch runs
// on its own goroutine: a slow backend must not stall the channel's
// read loop or hold up channel close.
func (d *Dispatcher) Attach(sub Subscriber) {
	d.cancel = sub.Subscribe(proto.EventNewNotification, func(json.RawMessage) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := d.FetchAll(ctx); err != nil {
				d.log.Warn().Err(err).Msg("refresh after notification push")
			}
		}()
	})
}

// Detach removes the channel subscription.
func (d *Dispatcher) Detach() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// FetchAll replaces the ledger wholesale with the backend's list. Safe
// to call repeatedly; on failure the ledger is left untouched and the
// error is captured for Err.
func (d *Dispatcher) FetchAll(ctx context.Context) error {
	items, err := d.backend.List(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.lastErr = err
		return err
	}
	d.items = items
	d.lastErr = nil
	return nil
}

// MarkRead optimistically flips the local item before the backend call
// resolves. A backend failure does not roll the flip back; the next
// FetchAll reconciles, and the error is surfaced for the UI to react.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	d.mu.Lock()
	for i := range d.items {
		if d.items[i].ID == id {
			d.items[i].Read = true
			break
		}
	}
	d.mu.Unlock()

	if err := d.backend.MarkRead(ctx, id); err != nil {
		d.setErr(err)
		return err
	}
	d.setErr(nil)
	return nil
}

// MarkAllRead applies the same optimistic-then-sync pattern to every item.
func (d *Dispatcher) MarkAllRead(ctx context.Context) error {
	d.mu.Lock()
	for i := range d.items {
		d.items[i].Read = true
	}
	d.mu.Unlock()

	if err := d.backend.MarkAllRead(ctx); err != nil {
		d.setErr(err)
		return err
	}
	d.setErr(nil)
	return nil
}

// Items returns a copy of the ledger.
func (d *Dispatcher) Items() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.items))
	copy(out, d.items)
	return out
}

// UnreadCount counts unread items. Always derived, never stored, so it
// cannot drift from the ledger.
func (d *Dispatcher) UnreadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, item := range d.items {
		if !item.Read {
			count++
		}
	}
	return count
}

// Err returns the last backend sync error, or nil after a successful
// operation. Recoverable: retry by re-invoking the failed operation.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *Dispatcher) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}
