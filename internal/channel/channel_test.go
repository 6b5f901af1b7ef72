package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dermalink/consult-agent/internal/proto"
	"github.com/dermalink/consult-agent/internal/token"
)

// testSignalServer accepts one websocket client, records the upgrade
// request, and exposes the connection for the test to drive.
type testSignalServer struct {
	ts *httptest.Server

	mu       sync.Mutex
	authHdr  string
	connCh   chan *websocket.Conn
	received chan proto.Envelope
}

func startSignalServer(t *testing.T) *testSignalServer {
	t.Helper()

	s := &testSignalServer{
		connCh:   make(chan *websocket.Conn, 1),
		received: make(chan proto.Envelope, 16),
	}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.authHdr = r.Header.Get("Authorization")
		s.mu.Unlock()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		s.connCh <- conn

		for {
			var env proto.Envelope
			if err := wsjson.Read(r.Context(), conn, &env); err != nil {
				return
			}
			s.received <- env
		}
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *testSignalServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *testSignalServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.connCh:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ch.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel never reached %s, stuck at %s", want, ch.State())
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	srv := startSignalServer(t)

	ch := New(Options{Endpoint: srv.url(), Tokens: token.Static("tok-123")}, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(ch.Close)

	conn := srv.waitConn(t)
	waitState(t, ch, StateConnected)

	srv.mu.Lock()
	auth := srv.authHdr
	srv.mu.Unlock()
	if auth != "Bearer tok-123" {
		t.Fatalf("handshake auth header = %q, want bearer token", auth)
	}

	// Outbound: publish stamps the envelope.
	if err := ch.Publish(context.Background(), proto.EventCallEnd, proto.CallEnd{To: "u2", ChatID: "c1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case env := <-srv.received:
		if env.Event != proto.EventCallEnd {
			t.Fatalf("server got event %q, want %q", env.Event, proto.EventCallEnd)
		}
		if env.TS == "" {
			t.Fatal("envelope missing timestamp")
		}
		if _, err := time.Parse(time.RFC3339Nano, env.TS); err != nil {
			t.Fatalf("timestamp %q not RFC 3339: %v", env.TS, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received publish")
	}

	// Inbound: both subscribers for the same event fire.
	got := make(chan string, 2)
	ch.Subscribe(proto.EventNewMessage, func(data json.RawMessage) {
		var msg proto.NewMessage
		_ = json.Unmarshal(data, &msg)
		got <- "first:" + msg.Content
	})
	ch.Subscribe(proto.EventNewMessage, func(data json.RawMessage) {
		got <- "second"
	})

	payload, _ := json.Marshal(proto.NewMessage{Content: "hello"})
	err := wsjson.Write(context.Background(), conn, proto.Envelope{Event: proto.EventNewMessage, Data: payload})
	if err != nil {
		t.Fatalf("server write: %v", err)
	}

	want := map[string]bool{"first:hello": false, "second": false}
	for i := 0; i < 2; i++ {
		select {
		case v := <-got:
			want[v] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("subscriber %d never fired", i)
		}
	}
	for k, fired := range want {
		if !fired {
			t.Fatalf("subscriber %q never fired", k)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := startSignalServer(t)

	ch := New(Options{Endpoint: srv.url()}, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	srv.waitConn(t)
	waitState(t, ch, StateConnected)

	for i := 0; i < 3; i++ {
		ch.Close()
	}
	if ch.State() != StateDisconnected {
		t.Fatalf("state after close = %s, want disconnected", ch.State())
	}
	if err := ch.Publish(context.Background(), proto.EventCallEnd, proto.CallEnd{}); err != ErrClosed {
		t.Fatalf("publish after close = %v, want ErrClosed", err)
	}
}

func TestEmptyEndpointNeverConnects(t *testing.T) {
	ch := New(Options{Endpoint: ""}, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(ch.Close)

	time.Sleep(50 * time.Millisecond)
	if ch.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected forever", ch.State())
	}
	if err := ch.Publish(context.Background(), proto.EventCallEnd, proto.CallEnd{}); err != ErrNotConnected {
		t.Fatalf("publish = %v, want ErrNotConnected", err)
	}
}

func TestStateObservableAndReconnect(t *testing.T) {
	srv := startSignalServer(t)

	ch := New(Options{
		Endpoint:     srv.url(),
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
	}, nil)

	var mu sync.Mutex
	var transitions []State
	ch.OnStateChange(func(s State) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(ch.Close)

	conn := srv.waitConn(t)
	waitState(t, ch, StateConnected)

	// Drop the transport from the server side; the channel must surface
	// the failure via state, then dial again.
	conn.Close(websocket.StatusGoingAway, "kick")
	srv.waitConn(t)
	waitState(t, ch, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	var sawDisconnect bool
	for _, s := range transitions {
		if s == StateDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatalf("transitions %v never reported disconnected", transitions)
	}
}

func TestSubscribeCancel(t *testing.T) {
	srv := startSignalServer(t)

	ch := New(Options{Endpoint: srv.url()}, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(ch.Close)
	conn := srv.waitConn(t)
	waitState(t, ch, StateConnected)

	fired := make(chan struct{}, 1)
	cancel := ch.Subscribe(proto.EventNewNotification, func(json.RawMessage) {
		fired <- struct{}{}
	})
	cancel()

	err := wsjson.Write(context.Background(), conn, proto.Envelope{Event: proto.EventNewNotification, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("cancelled subscriber still fired")
	case <-time.After(150 * time.Millisecond):
	}
}
