package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/dermalink/consult-agent/internal/proto"
	"github.com/dermalink/consult-agent/internal/token"
)

// State describes the transport lifecycle of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("channel closed")

// ErrNotConnected is returned by Publish while the transport is down.
// Delivery is at-most-once: events published during a disconnected
// window are lost, never queued.
var ErrNotConnected = errors.New("channel not connected")

// Handler receives the raw payload of a subscribed event.
type Handler func(data json.RawMessage)

// Options configure a Channel.
type Options struct {
	// Endpoint is the WebSocket URL of the signaling backend. Empty
	// means the channel never dials and stays disconnected.
	Endpoint string
	// Tokens supplies the bearer token for the handshake. Optional.
	Tokens token.Source
	// ReconnectMin/Max bound the backoff between dial attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Channel owns a single persistent bidirectional event connection and
// exposes a typed publish/subscribe surface over it. The value is
// explicitly owned by whoever constructed it; only the owner may call
// Close.
type Channel struct {
	opts Options
	log  *zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	subs     map[string]map[int]Handler
	stateFns map[int]func(State)
	nextID   int
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a Channel. Call Open to start the transport.
func New(opts Options, logger *zerolog.Logger) *Channel {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Channel{
		opts:     opts,
		log:      logger,
		subs:     make(map[string]map[int]Handler),
		stateFns: make(map[int]func(State)),
	}
}

// Open starts dialing and keeps the connection alive until Close or ctx
// cancellation. A channel built with an empty endpoint never dials and
// reports disconnected forever; that is not an error.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.done != nil {
		return errors.New("channel already open")
	}
	if c.opts.Endpoint == "" {
		c.log.Debug().Msg("empty signal endpoint, channel stays offline")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
	return nil
}

// Close tears down the transport, deregisters every subscriber and
// state observer, and stops the reconnect loop. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]map[int]Handler)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
	if done != nil {
		<-done
	}

	c.setState(StateDisconnected)
	c.mu.Lock()
	c.stateFns = make(map[int]func(State))
	c.mu.Unlock()
}

// State reports the current transport state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to observe transport state transitions.
// Transport failures surface here, not as panics or errors, so
// long-lived consumers can degrade instead of crashing.
func (c *Channel) OnStateChange(fn func(State)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.stateFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateFns, id)
	}
}

// Subscribe registers handler for the named event. Subscriptions are
// additive: every handler registered for an event fires on arrival.
func (c *Channel) Subscribe(event string, handler Handler) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]Handler)
	}
	c.subs[event][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if handlers := c.subs[event]; handlers != nil {
			delete(handlers, id)
		}
	}
}

// Publish sends one event to the backend, stamping the envelope with
// the emit time. Fire-and-forget: no delivery acknowledgment exists.
func (c *Channel) Publish(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env := proto.Envelope{
		Event: event,
		Data:  data,
		TS:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	backoff := c.opts.ReconnectMin
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("signal dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "closing")
			return
		}
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		backoff = c.opts.ReconnectMin
		c.log.Info().Str("endpoint", c.opts.Endpoint).Msg("signal channel connected")

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("signal channel dropped, reconnecting")
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	hdr := http.Header{}
	if c.opts.Tokens != nil {
		tok, err := c.opts.Tokens.Token()
		switch {
		case err == nil:
			hdr.Set("Authorization", "Bearer "+tok)
		case errors.Is(err, token.ErrNoToken):
			c.log.Debug().Msg("dialing signal channel without token")
		default:
			return nil, fmt.Errorf("token: %w", err)
		}
	}

	conn, _, err := websocket.Dial(ctx, c.opts.Endpoint, &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		c.dispatch(env)
	}
}

// dispatch invokes every handler registered for the event, in
// registration order per event. No ordering is guaranteed across
// different event names.
func (c *Channel) dispatch(env proto.Envelope) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[env.Event]))
	ids := make([]int, 0, len(c.subs[env.Event]))
	for id := range c.subs[env.Event] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, c.subs[env.Event][id])
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.log.Debug().Str("event", env.Event).Msg("no subscriber for inbound event")
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(State), 0, len(c.stateFns))
	for _, fn := range c.stateFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
