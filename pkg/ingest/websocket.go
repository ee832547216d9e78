package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/meshsight/meshsight/pkg/mesh"
)

// WSConfig configures the websocket listener.
type WSConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// WSAdapter accepts websocket clients that speak the same envelope format as
// the message bus: each binary message is one ServiceEnvelope. Connected
// clients also receive outbound frames, so a client can act as a downlink.
type WSAdapter struct {
	handler Handler
	cfg     WSConfig

	srv      *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewWSAdapter(handler Handler, cfg WSConfig) *WSAdapter {
	return &WSAdapter{
		handler: handler,
		cfg:     cfg,
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

func (a *WSAdapter) Start(_ context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/ws", a.handleWS)

	a.srv = &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Websocket adapter listening on %s", a.cfg.ListenAddr)

		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Websocket listener failed: %v", err)
		}
	}()

	return nil
}

func (a *WSAdapter) Stop(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}

	err := a.srv.Shutdown(ctx)

	a.mu.Lock()
	for conn := range a.conns {
		_ = conn.Close()
	}

	a.conns = make(map[*websocket.Conn]struct{})
	a.mu.Unlock()

	return err
}

func (a *WSAdapter) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()

		_ = conn.Close()
	}()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if mt != websocket.BinaryMessage {
			continue
		}

		env, ok := normalizeBus(payload, AdapterWebsocket)
		if !ok {
			log.Printf("Dropping malformed websocket envelope from %s (%d bytes)", r.RemoteAddr, len(payload))
			continue
		}

		if err := a.handler.HandleEnvelope(env); err != nil {
			log.Printf("Failed to ingest websocket envelope: %v", err)
		}
	}
}

// Publish fans an outbound frame to every connected client. The write path is
// serialized under the adapter mutex; gorilla allows only one concurrent
// writer per connection.
func (a *WSAdapter) Publish(_ context.Context, pkt *mesh.MeshPacket) error {
	se := &mesh.ServiceEnvelope{Packet: pkt}
	payload := se.Marshal()

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.conns) == 0 {
		return errNotConnected
	}

	var firstErr error

	for conn := range a.conns {
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("websocket write: %w", err)
		}
	}

	return firstErr
}
