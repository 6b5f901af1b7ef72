// Command signal-dev is a minimal local signaling relay for manual
// testing: every envelope published by one connected agent is fanned
// out to all the others. It implements just enough of the backend's
// channel contract to exercise call negotiation between two agents.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dermalink/consult-agent/internal/proto"
)

type relay struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func (r *relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("accept: %v", err)
		return
	}
	log.Printf("agent connected (auth=%v)", req.Header.Get("Authorization") != "")

	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")
		log.Printf("agent disconnected")
	}()

	ctx := req.Context()
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		log.Printf("relay %s (%d bytes)", env.Event, len(env.Data))

		r.mu.Lock()
		peers := make([]*websocket.Conn, 0, len(r.conns))
		for c := range r.conns {
			if c != conn {
				peers = append(peers, c)
			}
		}
		r.mu.Unlock()

		for _, peer := range peers {
			if err := wsjson.Write(ctx, peer, env); err != nil {
				log.Printf("relay write: %v", err)
			}
		}
	}
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: *addr, Handler: &relay{conns: map[*websocket.Conn]struct{}{}}}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	log.Printf("signal-dev relay on %s", *addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
}
