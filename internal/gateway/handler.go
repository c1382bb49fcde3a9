// Package gateway accepts signaling clients over WebSocket.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/krishimitra/signalbridge/internal/config"
	"github.com/krishimitra/signalbridge/internal/metrics"
	"github.com/krishimitra/signalbridge/internal/registry"
	"github.com/krishimitra/signalbridge/internal/security"
	"golang.org/x/time/rate"
)

// Dispatcher handles one inbound frame from a registered connection.
type Dispatcher interface {
	Handle(conn registry.ID, raw []byte)
}

// Handler is the HTTP handler that upgrades signaling clients to WebSocket,
// registers them and feeds their frames to the dispatcher.
type Handler struct {
	Config      *config.Config
	Conns       *registry.Registry
	Dispatcher  Dispatcher
	RateLimiter *security.RateLimiter
	Networks    *security.NetworkAllowlist
	Metrics     *metrics.Metrics // optional, nil if metrics disabled
	ShutdownCtx context.Context  // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining connections.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects Config during hot-reload
	mu sync.RWMutex
}

// NewHandler creates a new signaling endpoint handler.
func NewHandler(cfg *config.Config, conns *registry.Registry, d Dispatcher, rl *security.RateLimiter, networks *security.NetworkAllowlist, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Config:      cfg,
		Conns:       conns,
		Dispatcher:  d,
		RateLimiter: rl,
		Networks:    networks,
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
}

// StartDrain stops admitting clients and closes every live connection with
// StatusGoingAway. Disconnect handling runs for each of them as usual.
func (h *Handler) StartDrain() {
	h.drainCancel()
	h.Conns.CloseAll(registry.CloseShutdown)
}

// Draining reports whether StartDrain has been called.
func (h *Handler) Draining() bool {
	return h.drainCtx.Err() != nil
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Config
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Config = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	if h.Draining() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	// 1. Network allowlist
	if !h.Networks.Allows(r.RemoteAddr) {
		slog.Warn("rejected connection from disallowed network", "remote_addr", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// 2. Parse client IP (needed for auth logging, rate limiting, and connection tracking)
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// 3. Optional auth token check (header first, query param fallback)
	if !security.Authorized(r.Header.Get("Authorization"), r.URL.Query().Get("token"), cfg.Security.AuthToken) {
		slog.Warn("rejected invalid auth token", "client_ip", clientIP)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// 4. Rate limit check
	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	if !isWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "Upgrade Required", http.StatusUpgradeRequired)
		return
	}

	// 5. Connection limits (atomic check-and-reserve to prevent TOCTOU race)
	if reason := h.Conns.Reserve(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Conns.ConnectionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Conns.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}

	// 6. Accept client WebSocket connection
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		h.Conns.Cancel(clientIP)
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Error("failed to accept client WebSocket", "client_ip", clientIP, "error", err)
		return
	}
	c.SetReadLimit(cfg.Server.MaxMessageSize)

	id := h.Conns.Attach(clientIP, registry.WebSocketTransport{Conn: c})
	start := time.Now()
	slog.Info("connection established", "conn_id", id, "client_ip", clientIP)

	// Use ShutdownCtx (not r.Context()) as the parent: the request context
	// is not tied to the hijacked connection.
	ctx, cancel := context.WithCancel(h.ShutdownCtx)
	defer cancel()

	// Ping must run concurrently with Read per coder/websocket docs.
	if cfg.Server.PingInterval > 0 {
		go h.keepAlive(ctx, c, cfg.Server.PingInterval, cfg.Server.PongTimeout, cancel)
	}

	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = security.PerSecond(cfg.Security.RateLimit.MessagesPerSecond).Limiter()
	}

	h.readLoop(ctx, id, c, msgLimiter)

	h.Conns.Unregister(id)
	slog.Info("connection closed", "conn_id", id, "client_ip", clientIP, "duration", time.Since(start).String())
}

// readLoop hands frames to the dispatcher one at a time until the client
// goes away. Sequential dispatch is what preserves per-sender ordering.
func (h *Handler) readLoop(ctx context.Context, id registry.ID, c *websocket.Conn, msgLimiter *rate.Limiter) {
	for {
		// No read timeout: keepalive pings detect dead connections and cancel
		// ctx. A timeout here would kill idle-but-alive sessions.
		_, data, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("read stopped", "conn_id", id, "reason", err)
			}
			return
		}

		if msgLimiter != nil {
			if err := msgLimiter.Wait(ctx); err != nil {
				slog.Debug("message rate limit", "conn_id", id, "reason", err)
				return
			}
		}

		h.Dispatcher.Handle(id, data)
	}
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it closes the connection and cancels ctx.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}

// isWebSocketUpgrade returns true if the request is a WebSocket upgrade per RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContains(r.Header, "Connection", "upgrade")
}

// headerContains checks whether the header key contains the given value
// as a comma-separated token (case-insensitive).
func headerContains(h http.Header, key, value string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}
