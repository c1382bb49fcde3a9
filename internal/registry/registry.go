// Package registry owns the lifecycle of live client connections.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/krishimitra/signalbridge/internal/metrics"
)

var (
	// ErrConnectionNotFound means the target is unknown or already gone.
	// Callers treat it exactly like a disconnect.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrSlowConsumer means the target's outbound queue is full. The
	// connection is dropped.
	ErrSlowConsumer = errors.New("connection send queue full")
)

// ID identifies one live connection.
type ID string

// CloseReason is passed to Transport.Close.
type CloseReason string

const (
	CloseNormal       CloseReason = "closed"
	CloseSlowConsumer CloseReason = "slow consumer"
	CloseWriteFailed  CloseReason = "write failed"
	CloseShutdown     CloseReason = "server shutting down"
)

// Transport is the outbound half of a client channel.
type Transport interface {
	Write(ctx context.Context, msg []byte) error
	Close(reason CloseReason) error
}

type conn struct {
	id   ID
	ip   string
	t    Transport
	send chan []byte
	done chan struct{}
}

// Options configures a Registry.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics // nil disables metrics
}

// Registry maps connection identifiers to live channels. Each connection has
// a bounded outbound queue drained by its own writer goroutine, so Send never
// blocks on network I/O.
type Registry struct {
	opts Options

	mu            sync.RWMutex
	conns         map[ID]*conn
	ipConnections map[string]int
	hooks         []func(ID)

	active atomic.Int64 // reserved + attached
	total  atomic.Int64
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Registry{
		opts:          opts,
		conns:         make(map[ID]*conn),
		ipConnections: make(map[string]int),
	}
}

// OnDisconnect registers fn to be called once for every connection that
// leaves the registry. Hooks run outside the registry lock and must be
// registered before connections are served.
func (r *Registry) OnDisconnect(fn func(ID)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Reserve atomically checks limits and claims a slot for ip.
// Returns "" on success, or a reason string if a limit was hit.
func (r *Registry) Reserve(ip string, maxGlobal, maxPerIP int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(r.active.Load()) >= maxGlobal {
		return "max_connections"
	}
	if r.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	r.active.Add(1)
	r.ipConnections[ip]++
	return ""
}

// Cancel releases a reservation that was never attached.
func (r *Registry) Cancel(ip string) {
	r.mu.Lock()
	r.release(ip)
	r.mu.Unlock()
}

// release must be called with mu held.
func (r *Registry) release(ip string) {
	r.active.Add(-1)
	r.ipConnections[ip]--
	if r.ipConnections[ip] <= 0 {
		delete(r.ipConnections, ip)
	}
}

// Register adds a connection without limit checks and returns its new id.
func (r *Registry) Register(ip string, t Transport) ID {
	r.mu.Lock()
	r.active.Add(1)
	r.ipConnections[ip]++
	r.mu.Unlock()
	return r.Attach(ip, t)
}

// Attach turns a successful Reserve into a live connection.
func (r *Registry) Attach(ip string, t Transport) ID {
	c := &conn{
		id:   ID(uuid.NewString()),
		ip:   ip,
		t:    t,
		send: make(chan []byte, r.opts.QueueSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	r.total.Add(1)
	if m := r.opts.Metrics; m != nil {
		m.ConnectionsTotal.Inc()
		m.ActiveConnections.Set(float64(r.Len()))
	}

	go r.writePump(c)

	slog.Debug("connection registered", "conn_id", c.id, "client_ip", ip)
	return c.id
}

// Unregister removes a connection and raises its disconnect event. Repeated
// calls for the same id are no-ops.
func (r *Registry) Unregister(id ID) {
	r.remove(id, CloseNormal)
}

// CloseAll drops every connection with the given reason and waits for the
// transports to close.
func (r *Registry) CloseAll(reason CloseReason) {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id ID) {
			defer wg.Done()
			r.remove(id, reason)
		}(id)
	}
	wg.Wait()
}

func (r *Registry) remove(id ID, reason CloseReason) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	r.release(c.ip)
	hooks := r.hooks
	r.mu.Unlock()

	close(c.done)
	if m := r.opts.Metrics; m != nil {
		m.ActiveConnections.Set(float64(r.Len()))
	}
	slog.Debug("connection unregistered", "conn_id", id, "reason", string(reason))

	for _, fn := range hooks {
		fn(id)
	}

	if err := c.t.Close(reason); err != nil {
		slog.Debug("transport close failed", "conn_id", id, "error", err)
	}
}

// Send queues msg for delivery to exactly one connection. It never blocks.
func (r *Registry) Send(id ID, msg []byte) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}

	select {
	case <-c.done:
		return ErrConnectionNotFound
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		slog.Warn("send queue full, dropping connection", "conn_id", id, "client_ip", c.ip)
		if m := r.opts.Metrics; m != nil {
			m.ErrorsTotal.WithLabelValues("slow_consumer").Inc()
		}
		// Send is called from room goroutines; disconnect hooks re-enter them.
		go r.remove(id, CloseSlowConsumer)
		return ErrSlowConsumer
	}
}

// Alive reports whether id is still registered.
func (r *Registry) Alive(id ID) bool {
	r.mu.RLock()
	_, ok := r.conns[id]
	r.mu.RUnlock()
	return ok
}

// Len returns the number of attached connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ConnectionCount returns reserved plus attached connections.
func (r *Registry) ConnectionCount() int {
	return int(r.active.Load())
}

// ConnectionCountForIP returns the slots held by ip.
func (r *Registry) ConnectionCountForIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ipConnections[ip]
}

// TotalConnections returns the number of connections attached since start.
func (r *Registry) TotalConnections() int64 {
	return r.total.Load()
}

func (r *Registry) writePump(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
			err := c.t.Write(ctx, msg)
			cancel()
			if err != nil {
				slog.Debug("connection write failed", "conn_id", c.id, "error", err)
				r.remove(c.id, CloseWriteFailed)
				return
			}
		}
	}
}
