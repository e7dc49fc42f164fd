package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/device"
	"github.com/gg-glitch-88/cartlink/internal/store"
)

// CartLister is the part of device.Manager the monitor reads.
type CartLister interface {
	Connected() []device.Cart
	Disconnected() []device.Cart
}

// LaunchLister reads the launch log. *store.DB satisfies it.
type LaunchLister interface {
	RecentLaunches(n int) ([]store.Launch, error)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const wsPingInterval = 20 * time.Second

type monitor struct {
	carts    CartLister
	launches LaunchLister
	bus      *EventBus
	log      *zap.Logger
}

// NewMonitor wires the read-only /api/v1/* routes. launches may be nil,
// in which case the launch log route answers 404.
//
//	GET /api/v1/status    engine health and subscriber count
//	GET /api/v1/devices   connected and known cartridges
//	GET /api/v1/launches  launch log, newest first (?limit=1..500)
//	GET /api/v1/events    websocket stream of bus events
func NewMonitor(carts CartLister, launches LaunchLister, bus *EventBus, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	m := &monitor{carts: carts, launches: launches, bus: bus, log: log.Named("monitor")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", m.status)
	mux.HandleFunc("GET /api/v1/devices", m.devices)
	if launches != nil {
		mux.HandleFunc("GET /api/v1/launches", m.listLaunches)
	}
	mux.HandleFunc("GET /api/v1/events", m.eventStream)

	return withLogging(m.log, mux)
}

// ── Status ────────────────────────────────────────────────────────────────

func (m *monitor) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"connected":   len(m.carts.Connected()),
		"subscribers": m.bus.Len(),
	})
}

func (m *monitor) devices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":    m.carts.Connected(),
		"disconnected": m.carts.Disconnected(),
	})
}

// ── Launch log ────────────────────────────────────────────────────────────

func (m *monitor) listLaunches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	launches, err := m.launches.RecentLaunches(limit)
	if err != nil {
		m.log.Error("list launches", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if launches == nil {
		launches = []store.Launch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"launches": launches,
		"count":    len(launches),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (m *monitor) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := m.bus.Subscribe()
	defer unsub()

	// The client never sends anything; reading only surfaces its close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				m.log.Debug("ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes the connection through for websocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("monitor: response writer cannot hijack")
	}
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
