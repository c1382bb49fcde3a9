// Package ledger keeps the in-memory table of consultation requests.
package ledger

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/krishimitra/signalbridge/internal/metrics"
	"github.com/oklog/ulid/v2"
)

var (
	ErrRequestNotFound = errors.New("request not found")
	ErrAlreadyResolved = errors.New("request already resolved")
	ErrInvalidKind     = errors.New("invalid request kind")
	ErrInvalidDecision = errors.New("invalid decision")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Kind is the consultation medium.
type Kind string

const (
	KindChat  Kind = "chat"
	KindVideo Kind = "video"
)

// ParseKind accepts "chat" or "video" case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindChat:
		return KindChat, nil
	case KindVideo:
		return KindVideo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Status is the request lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// ParseDecision accepts "accepted" or "rejected" (also "accept"/"reject").
func ParseDecision(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "accept":
		return StatusAccepted, nil
	case "rejected", "reject":
		return StatusRejected, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
}

// Request is a farmer's ask for expert help.
type Request struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	RequesterName string     `json:"requesterName"`
	Issue         string     `json:"issue"`
	RoomID        string     `json:"roomId"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// Validate checks a submission before it reaches the ledger. The requester
// name is not checked and the issue may be empty; the room is what the expert
// joins on accept. maxIssue <= 0 disables the length check.
func Validate(issue, roomID string, maxIssue int) error {
	switch {
	case strings.TrimSpace(roomID) == "":
		return fmt.Errorf("%w: roomId is required", ErrInvalidRequest)
	case maxIssue > 0 && len(issue) > maxIssue:
		return fmt.Errorf("%w: issue exceeds %d bytes", ErrInvalidRequest, maxIssue)
	}
	return nil
}

// Ledger stores requests in submission order. Reads proceed concurrently;
// submit and resolve are serialized.
type Ledger struct {
	mu      sync.RWMutex
	byID    map[string]*Request
	order   []*Request
	pending int
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
	metrics *metrics.Metrics
}

// New creates an empty ledger. m may be nil.
func New(m *metrics.Metrics) *Ledger {
	return &Ledger{
		byID:    make(map[string]*Request),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
		metrics: m,
	}
}

// Submit records a new pending request and returns it. Identifiers sort in
// submission order.
func (l *Ledger) Submit(kind Kind, requesterName, issue, roomID string) Request {
	l.mu.Lock()
	now := l.now().UTC()
	req := &Request{
		ID:            ulid.MustNew(ulid.Timestamp(now), l.entropy).String(),
		Kind:          kind,
		RequesterName: requesterName,
		Issue:         issue,
		RoomID:        roomID,
		Status:        StatusPending,
		CreatedAt:     now,
	}
	l.byID[req.ID] = req
	l.order = append(l.order, req)
	l.pending++
	pending := l.pending
	out := *req
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RequestsTotal.WithLabelValues(string(kind)).Inc()
		l.metrics.PendingRequests.Set(float64(pending))
	}
	slog.Info("consultation request submitted", "request_id", out.ID, "kind", string(kind), "room_id", roomID)
	return out
}

// ListPending returns pending requests in submission order.
func (l *Ledger) ListPending() []Request {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Request, 0, l.pending)
	for _, r := range l.order {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	return out
}

// Get returns a request by id.
func (l *Ledger) Get(id string) (Request, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.byID[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return *r, nil
}

// Resolve moves a pending request to decision exactly once. A second call
// returns ErrAlreadyResolved and leaves the request untouched.
func (l *Ledger) Resolve(id string, decision Status) (Request, error) {
	if decision != StatusAccepted && decision != StatusRejected {
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	l.mu.Lock()
	r, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if r.Status != StatusPending {
		out := *r
		l.mu.Unlock()
		return out, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, out.Status)
	}
	now := l.now().UTC()
	r.Status = decision
	r.ResolvedAt = &now
	l.pending--
	pending := l.pending
	out := *r
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RequestResolutions.WithLabelValues(string(decision)).Inc()
		l.metrics.PendingRequests.Set(float64(pending))
	}
	slog.Info("consultation request resolved", "request_id", id, "decision", string(decision), "room_id", out.RoomID)
	return out, nil
}

// PendingCount returns the number of unresolved requests.
func (l *Ledger) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pending
}
