package proctor

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

// Hub fans signals out to subscribers. It is the Source used by the
// terminal runner and by Bridge.
type Hub struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Signal)
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[int]func(Signal))}
}

// Subscribe registers handler. The returned cancel func is idempotent.
func (h *Hub) Subscribe(handler func(Signal)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

// Emit delivers sig to every subscriber synchronously.
func (h *Hub) Emit(sig Signal) {
	h.mu.RLock()
	handlers := make([]func(Signal), 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(sig)
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins.
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Bridge accepts WebSocket connections from the kiosk shell, forwards their
// signals to subscribers and pushes warnings back.
type Bridge struct {
	*Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

// NewBridge creates a Bridge.
func NewBridge(log zerolog.Logger, allowedOrigins []string) *Bridge {
	return &Bridge{
		Hub:      NewHub(),
		upgrader: buildUpgrader(allowedOrigins),
		log:      log.With().Str("component", "proctor_bridge").Logger(),
		conns:    make(map[*websocket.Conn]*sync.Mutex),
	}
}

// ServeHTTP upgrades the request and streams signals until the shell
// disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	writeMu := &sync.Mutex{}
	b.mu.Lock()
	b.conns[conn] = writeMu
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
	}()

	b.log.Info().Str("remote", r.RemoteAddr).Msg("Shell connected")

	for {
		msg, err := ws.ReadSignal(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				b.log.Debug().Msg("Connection closed")
			}
			return
		}

		switch {
		case msg.Signal == ws.SignalPing:
			b.write(conn, writeMu, ws.PongResponse{Event: ws.EventPong})
		case msg.Signal.Valid():
			b.Emit(msg.Signal)
			b.write(conn, writeMu, ws.AckResponse{Event: ws.EventAck, Signal: msg.Signal})
		default:
			b.log.Warn().Str("signal", string(msg.Signal)).Msg("Unknown signal")
			writeMu.Lock()
			ws.WriteError(conn, "unknown signal: "+string(msg.Signal))
			writeMu.Unlock()
		}
	}
}

// Broadcast sends v to every connected shell.
func (b *Bridge) Broadcast(v any) {
	b.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(b.conns))
	for c, mu := range b.conns {
		targets[c] = mu
	}
	b.mu.Unlock()

	for c, mu := range targets {
		b.write(c, mu, v)
	}
}

// NotifyWarning pushes a proctoring warning to connected shells.
func (b *Bridge) NotifyWarning(w Warning) {
	b.Broadcast(ws.WarningEvent{
		Event:            ws.EventWarning,
		Violation:        string(w.Violation),
		TabSwitches:      w.TabSwitches,
		FullscreenExits:  w.FullscreenExits,
		ForcedSubmitInMs: w.ForcedSubmitIn.Milliseconds(),
		CheatingDetected: w.CheatingDetected,
		RedirectTo:       w.RedirectTo,
	})
}

func (b *Bridge) write(conn *websocket.Conn, mu *sync.Mutex, v any) {
	mu.Lock()
	defer mu.Unlock()
	if err := ws.WriteTyped(conn, v); err != nil {
		b.log.Debug().Err(err).Msg("Write to shell failed")
	}
}
