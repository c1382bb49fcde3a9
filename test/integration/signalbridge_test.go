//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/krishimitra/signalbridge/internal/api"
	"github.com/krishimitra/signalbridge/internal/config"
	"github.com/krishimitra/signalbridge/internal/gateway"
	"github.com/krishimitra/signalbridge/internal/health"
	"github.com/krishimitra/signalbridge/internal/ledger"
	"github.com/krishimitra/signalbridge/internal/metrics"
	"github.com/krishimitra/signalbridge/internal/protocol"
	"github.com/krishimitra/signalbridge/internal/registry"
	"github.com/krishimitra/signalbridge/internal/signaling"
)

type stack struct {
	signal  *httptest.Server
	api     *api.Server
	health  *health.Handler
	handler *gateway.Handler
	metrics *metrics.Metrics
}

// newStack wires the same components as the start command, minus listeners.
func newStack(t *testing.T) *stack {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.PingInterval = 0
	cfg.Security.RateLimit.Enabled = false
	cfg.Security.AuthToken = "field-token"

	m := metrics.New(prometheus.NewRegistry())
	conns := registry.New(registry.Options{
		QueueSize:    cfg.Server.SendQueueSize,
		WriteTimeout: cfg.Server.WriteTimeout,
		Metrics:      m,
	})
	requests := ledger.New(m)
	coord := signaling.New(conns, requests, signaling.Options{
		ICEServers:      cfg.WebRTC.Servers(),
		MaxIssueLength:  cfg.API.MaxIssueLength,
		RoomIdleTimeout: cfg.Rooms.IdleTimeout,
		Metrics:         m,
	})

	handler := gateway.NewHandler(cfg, conns, coord, nil, nil, context.Background())
	handler.Metrics = m
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &stack{
		signal:  srv,
		api:     api.New(requests, api.Options{AuthToken: func() string { return cfg.Security.AuthToken }, MaxIssueLength: cfg.API.MaxIssueLength}),
		health:  health.NewHandler(conns, coord.Rooms(), requests, "test", true),
		handler: handler,
		metrics: m,
	}
}

func (s *stack) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.signal.URL, "http") + "/ws?token=field-token"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func (s *stack) apiCall(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer field-token")
	resp, err := s.api.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *stack) healthz(t *testing.T) health.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	s.health.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp health.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return resp
}

func write(t *testing.T, ctx context.Context, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, ctx context.Context, c *websocket.Conn) (protocol.Envelope, string) {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env, string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestToConsultation(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Farmer files a request through the inbox.
	var submitted ledger.Request
	status := s.apiCall(t, http.MethodPost, "/api/v1/requests",
		`{"kind":"video","requesterName":"Asha","issue":"yellowing wheat leaves","roomId":"farm-42"}`, &submitted)
	if status != http.StatusCreated {
		t.Fatalf("submit status = %d", status)
	}

	// Expert sees it and accepts.
	var pending api.RequestListResponse
	s.apiCall(t, http.MethodGet, "/api/v1/requests", "", &pending)
	if pending.Count != 1 || pending.Requests[0].ID != submitted.ID {
		t.Fatalf("pending = %+v", pending)
	}
	var resolved ledger.Request
	status = s.apiCall(t, http.MethodPost, "/api/v1/requests/"+submitted.ID+"/resolve", `{"decision":"accepted"}`, &resolved)
	if status != http.StatusOK || resolved.Status != ledger.StatusAccepted {
		t.Fatalf("resolve status = %d, request = %+v", status, resolved)
	}
	if got := s.healthz(t).PendingRequests; got != 0 {
		t.Errorf("pending_requests = %d, want 0", got)
	}

	// Both sides meet in the request's room.
	farmer := s.dial(t, ctx)
	expert := s.dial(t, ctx)
	write(t, ctx, farmer, `{"kind":"join","roomId":"farm-42","payload":{"role":"farmer","name":"Asha"}}`)
	waitFor(t, "room to exist", func() bool { return s.healthz(t).ActiveRooms == 1 })
	write(t, ctx, expert, `{"kind":"join","roomId":"farm-42","payload":{"role":"expert","name":"Dr. Rao"}}`)

	var ready protocol.ReadyPayload
	env, raw := read(t, ctx, farmer)
	if env.Kind != protocol.KindReady {
		t.Fatalf("farmer got %s, want ready", env.Kind)
	}
	if err := protocol.DecodePayload(env, &ready); err != nil || !ready.Initiator || ready.PeerName != "Dr. Rao" {
		t.Fatalf("farmer ready = %+v (%v)", ready, err)
	}
	if !strings.Contains(raw, `"iceServers":[{"urls":["stun:`) {
		t.Errorf("ready should carry browser-shaped ICE servers: %s", raw)
	}
	env, _ = read(t, ctx, expert)
	ready = protocol.ReadyPayload{}
	if err := protocol.DecodePayload(env, &ready); err != nil || ready.Initiator {
		t.Fatalf("expert ready = %+v (%v)", ready, err)
	}

	// Negotiation passes through untouched.
	offer := `{"kind":"offer","roomId":"farm-42","payload":{"type":"offer","sdp":"v=0 o=- 1 1 IN IP4 0.0.0.0"}}`
	write(t, ctx, farmer, offer)
	if _, raw := read(t, ctx, expert); raw != offer {
		t.Errorf("expert got %s, want %s", raw, offer)
	}
	answer := `{"kind":"answer","roomId":"farm-42","payload":{"type":"answer","sdp":"v=0"}}`
	write(t, ctx, expert, answer)
	if _, raw := read(t, ctx, farmer); raw != answer {
		t.Errorf("farmer got %s, want %s", raw, answer)
	}

	h := s.healthz(t)
	if h.ActiveConnections != 2 || h.ActiveRooms != 1 {
		t.Errorf("health = %+v, want 2 connections and 1 room", h)
	}

	// Expert drops off; farmer hears about it once and the room goes away.
	expert.CloseNow()
	env, _ = read(t, ctx, farmer)
	var left protocol.PeerLeftPayload
	if err := protocol.DecodePayload(env, &left); err != nil || env.Kind != protocol.KindPeerLeft || left.Reason != protocol.ReasonDisconnected {
		t.Fatalf("farmer got %s %+v (%v), want peer-left disconnected", env.Kind, left, err)
	}
	waitFor(t, "room removal", func() bool { return s.healthz(t).ActiveRooms == 0 })

	if got := testutil.ToFloat64(s.metrics.EnvelopesRelayed.WithLabelValues("offer")); got != 1 {
		t.Errorf("relayed offers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.metrics.RequestResolutions.WithLabelValues("accepted")); got != 1 {
		t.Errorf("accepted resolutions = %v, want 1", got)
	}
}

func TestRejectedWithoutToken(t *testing.T) {
	s := newStack(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
	resp, err := s.api.App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("api status = %d, want 401", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(s.signal.URL, "http") + "/ws"
	_, httpResp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if httpResp == nil || httpResp.StatusCode != http.StatusForbidden {
		t.Errorf("dial response = %v, want 403", httpResp)
	}
}

func TestDrainEndsSessions(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	farmer := s.dial(t, ctx)
	expert := s.dial(t, ctx)
	write(t, ctx, farmer, `{"kind":"join","roomId":"farm-7","payload":{"role":"farmer"}}`)
	write(t, ctx, expert, `{"kind":"join","roomId":"farm-7","payload":{"role":"expert"}}`)
	read(t, ctx, farmer)
	read(t, ctx, expert)

	s.health.SetDraining()
	s.handler.StartDrain()

	for _, c := range []*websocket.Conn{farmer, expert} {
		for {
			_, _, err := c.Read(ctx)
			if err == nil {
				continue // a peer-left may arrive before the close frame
			}
			if websocket.CloseStatus(err) != websocket.StatusGoingAway {
				t.Errorf("close status = %v, want GoingAway (%v)", websocket.CloseStatus(err), err)
			}
			break
		}
	}

	waitFor(t, "rooms to close", func() bool { return s.healthz(t).ActiveRooms == 0 })
	h := s.healthz(t)
	if h.Status != "draining" || h.ActiveConnections != 0 {
		t.Errorf("health after drain = %+v", h)
	}
}
