package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/krishimitra/signalbridge/internal/logging"
)

const recentLogLimit = 10

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	ActiveRooms       int      `json:"active_rooms"`
	PendingRequests   int      `json:"pending_requests"`
	Version           string   `json:"version"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64           `json:"total_connections"`
	Goroutines       int             `json:"goroutines"`
	MemoryMB         float64         `json:"memory_mb"`
	RecentWarnings   []logging.Entry `json:"recent_warnings"`
}

// Connections reports live and lifetime connection counts.
type Connections interface {
	ConnectionCount() int
	TotalConnections() int64
}

// Rooms reports the number of live rooms.
type Rooms interface {
	Len() int
}

// Requests reports the number of unresolved consultation requests.
type Requests interface {
	PendingCount() int
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	conns     Connections
	rooms     Rooms
	requests  Requests
	version   string
	detailed  bool
	draining  atomic.Bool
}

// NewHandler creates a new health check handler.
func NewHandler(conns Connections, rooms Rooms, requests Requests, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		conns:     conns,
		rooms:     rooms,
		requests:  requests,
		version:   version,
		detailed:  detailed,
	}
}

// SetDraining flips the endpoint to 503 for the rest of shutdown.
func (h *Handler) SetDraining() {
	h.draining.Store(true)
}

// ServeHTTP handles health check requests.
// The health listener binds to loopback, separate from the signaling
// listener, so local supervisors can poll it without credentials.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpCode := http.StatusOK
	if h.draining.Load() {
		status = "draining"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.conns.ConnectionCount(),
		ActiveRooms:       h.rooms.Len(),
		PendingRequests:   h.requests.PendingCount(),
		Version:           h.version,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Details = &Details{
			TotalConnections: h.conns.TotalConnections(),
			Goroutines:       runtime.NumGoroutine(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
			RecentWarnings:   logging.Recent(recentLogLimit),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
