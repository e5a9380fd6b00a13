// Package websocket implements a relay hub that turns a WebSocket endpoint
// into a group chat, and a transport that joins such a group.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	gws "github.com/gorilla/websocket"

	"github.com/tinyland-inc/taleclaw/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// relayFrame is what the hub delivers to members: the original payload and
// the member id that sent it.
type relayFrame struct {
	From    string `json:"from"`
	Payload []byte `json:"payload"`
}

// Hub relays every frame a member sends to all other members of its group.
type Hub struct {
	maxPayload int
	upgrader   gws.Upgrader

	mu     sync.RWMutex
	groups map[string]map[*member]struct{}
}

type member struct {
	id    string
	group string
	conn  *gws.Conn
	send  chan []byte
}

// NewHub returns a hub accepting frames up to maxPayload bytes (0 = no limit).
func NewHub(maxPayload int) *Hub {
	return &Hub{
		maxPayload: maxPayload,
		upgrader: gws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		groups: make(map[string]map[*member]struct{}),
	}
}

// Handler serves GET /groups/{group}?member=<id> and GET /health.
func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Get("/groups/{group}", h.serveGroup)
	return r
}

// Members returns how many members are connected to group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// ListenAndServe serves the hub on addr until ctx is cancelled.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("relay", "Relay hub listening", map[string]any{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (h *Hub) serveGroup(w http.ResponseWriter, r *http.Request) {
	group := strings.TrimSpace(chi.URLParam(r, "group"))
	id := strings.TrimSpace(r.URL.Query().Get("member"))
	if group == "" || id == "" {
		http.Error(w, "group and member are required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("relay", "Upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	if h.maxPayload > 0 {
		conn.SetReadLimit(int64(h.maxPayload))
	}

	m := &member{id: id, group: group, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.add(m)
	logger.InfoCF("relay", "Member joined", map[string]any{
		"group":   group,
		"member":  id,
		"members": h.Members(group),
	})

	go h.writePump(m)
	h.readPump(m)
}

func (h *Hub) add(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.groups[m.group]
	if !ok {
		set = make(map[*member]struct{})
		h.groups[m.group] = set
	}
	set[m] = struct{}{}
}

func (h *Hub) remove(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.groups[m.group]
	if _, ok := set[m]; !ok {
		return
	}
	delete(set, m)
	close(m.send)
	if len(set) == 0 {
		delete(h.groups, m.group)
	}
}

func (h *Hub) relay(from *member, payload []byte) {
	data, err := json.Marshal(relayFrame{From: from.id, Payload: payload})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for m := range h.groups[from.group] {
		if m == from {
			continue
		}
		select {
		case m.send <- data:
		default:
			logger.WarnCF("relay", "Member send buffer full, dropping frame", map[string]any{
				"group":  m.group,
				"member": m.id,
			})
		}
	}
}

func (h *Hub) readPump(m *member) {
	defer func() {
		h.remove(m)
		m.conn.Close()
		logger.InfoCF("relay", "Member left", map[string]any{"group": m.group, "member": m.id})
	}()

	m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure) {
				logger.DebugCF("relay", "Read error", map[string]any{"member": m.id, "error": err.Error()})
			}
			return
		}
		h.relay(m, data)
	}
}

func (h *Hub) writePump(m *member) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()
	for {
		select {
		case data, ok := <-m.send:
			m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				m.conn.WriteMessage(gws.CloseMessage, []byte{})
				return
			}
			if err := m.conn.WriteMessage(gws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
