package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/krishimitra/signalbridge/internal/config"
	"github.com/krishimitra/signalbridge/internal/ledger"
	"github.com/krishimitra/signalbridge/internal/protocol"
	"github.com/krishimitra/signalbridge/internal/registry"
	"github.com/krishimitra/signalbridge/internal/security"
	"github.com/krishimitra/signalbridge/internal/signaling"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.PingInterval = 0 // disable keepalive for these tests
	cfg.Security.RateLimit.Enabled = false
	cfg.Server.WriteTimeout = 5 * time.Second
	return cfg
}

type nopDispatcher struct{}

func (nopDispatcher) Handle(registry.ID, []byte) {}

func newTestHandler(cfg *config.Config) *Handler {
	return NewHandler(cfg, registry.New(registry.Options{}), nopDispatcher{}, nil, nil, context.Background())
}

func upgradeRequest(target string) *http.Request {
	req := httptest.NewRequest("GET", target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	return req
}

func TestHandlerRejectDisallowedNetwork(t *testing.T) {
	networks, err := security.NewNetworkAllowlist([]string{"100.64.0.0/10"})
	if err != nil {
		t.Fatal(err)
	}
	handler := NewHandler(testConfig(), registry.New(registry.Options{}), nopDispatcher{}, nil, networks, context.Background())

	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "100.64.0.1:12345"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusForbidden {
		t.Error("allowed network should not be rejected")
	}
}

func TestHandlerAuthToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/ws", "", http.StatusForbidden},
		{"wrong", "/ws", "Bearer wrong-token", http.StatusForbidden},
		{"header", "/ws", "Bearer secret-token", http.StatusUpgradeRequired},
		{"query param", "/ws?token=secret-token", "", http.StatusUpgradeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Security.AuthToken = "secret-token"
			handler := newTestHandler(cfg)

			req := httptest.NewRequest("GET", tt.target, nil)
			req.RemoteAddr = "127.0.0.1:12345"
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandlerRejectRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimit.Enabled = true
	rl := security.NewRateLimiter(security.Limits{Rate: 1, Burst: 1})
	defer rl.Stop()
	handler := NewHandler(cfg, registry.New(registry.Options{}), nopDispatcher{}, rl, nil, context.Background())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, upgradeRequest("/ws"))
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("first request should not be rate limited")
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, upgradeRequest("/ws"))
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec2.Code, http.StatusTooManyRequests)
	}
}

func TestHandlerRejectMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxConnections = 1
	handler := newTestHandler(cfg)
	handler.Conns.Reserve("10.0.0.9", 1000, 100) // fill the slot

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, upgradeRequest("/ws"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandlerRejectMaxConnectionsPerIP(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxConnectionsPerIP = 1
	handler := newTestHandler(cfg)
	handler.Conns.Reserve("127.0.0.1", 1000, 100) // fill the per-IP slot

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, upgradeRequest("/ws"))

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestHandlerFailedAcceptReleasesReservation(t *testing.T) {
	handler := newTestHandler(testConfig())

	// Missing Sec-WebSocket-Key: Accept rejects the handshake.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, upgradeRequest("/ws"))

	if rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("handshake should fail")
	}
	if n := handler.Conns.ConnectionCount(); n != 0 {
		t.Errorf("connection count = %d, want 0", n)
	}
}

func TestHandlerBadRemoteAddr(t *testing.T) {
	handler := newTestHandler(testConfig())

	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "no-port-here" // invalid, no port
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandlerPlainHTTP(t *testing.T) {
	handler := newTestHandler(testConfig())

	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUpgradeRequired)
	}
}

func TestHandlerRejectWhileDraining(t *testing.T) {
	handler := newTestHandler(testConfig())
	handler.StartDrain()

	if !handler.Draining() {
		t.Fatal("Draining() should be true")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, upgradeRequest("/ws"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandlerUpdateConfig(t *testing.T) {
	handler := newTestHandler(testConfig())

	if handler.GetConfig().Security.AuthToken != "" {
		t.Error("expected empty auth token initially")
	}

	newCfg := testConfig()
	newCfg.Security.AuthToken = "new-secret"
	handler.UpdateConfig(newCfg)

	if handler.GetConfig().Security.AuthToken != "new-secret" {
		t.Error("expected updated auth token")
	}
}

func TestHeaderContains(t *testing.T) {
	h := http.Header{}
	h.Add("Connection", "keep-alive, Upgrade")
	if !headerContains(h, "connection", "upgrade") {
		t.Error("should find upgrade token")
	}
	if headerContains(h, "connection", "close") {
		t.Error("should not find close token")
	}
}

// setupBridge starts a full signaling stack behind an httptest server.
func setupBridge(t *testing.T, cfg *config.Config) (*httptest.Server, *Handler, *signaling.Coordinator) {
	t.Helper()
	conns := registry.New(registry.Options{QueueSize: cfg.Server.SendQueueSize, WriteTimeout: cfg.Server.WriteTimeout})
	coord := signaling.New(conns, ledger.New(nil), signaling.Options{
		ICEServers:      cfg.WebRTC.Servers(),
		MaxIssueLength:  cfg.API.MaxIssueLength,
		RoomIdleTimeout: cfg.Rooms.IdleTimeout,
	})
	handler := NewHandler(cfg, conns, coord, nil, nil, context.Background())
	bridge := httptest.NewServer(handler)
	t.Cleanup(bridge.Close)
	return bridge, handler, coord
}

func dial(t *testing.T, ctx context.Context, bridge *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(bridge.URL, "http") + "/ws"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
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

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConsultationOverWebSocket(t *testing.T) {
	bridge, handler, coord := setupBridge(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	farmer := dial(t, ctx, bridge)
	expert := dial(t, ctx, bridge)

	write(t, ctx, farmer, `{"kind":"join","roomId":"r1","payload":{"role":"farmer","name":"Ravi","mode":"video"}}`)
	write(t, ctx, expert, `{"kind":"join","roomId":"r1","payload":{"role":"expert","name":"Dr. Rao"}}`)

	env, _ := read(t, ctx, farmer)
	var fr protocol.ReadyPayload
	_ = json.Unmarshal(env.Payload, &fr)
	if env.Kind != protocol.KindReady || !fr.Initiator || len(fr.ICEServers) == 0 {
		t.Fatalf("farmer got %s %+v", env.Kind, fr)
	}
	env, _ = read(t, ctx, expert)
	var er protocol.ReadyPayload
	_ = json.Unmarshal(env.Payload, &er)
	if env.Kind != protocol.KindReady || er.Initiator {
		t.Fatalf("expert got %s %+v", env.Kind, er)
	}

	offer := `{"kind":"offer","roomId":"r1","payload":{"type":"offer","sdp":"v=0\r\n"}}`
	write(t, ctx, farmer, offer)
	if _, raw := read(t, ctx, expert); raw != offer {
		t.Errorf("expert got %s, want %s", raw, offer)
	}

	answer := `{"kind":"answer","roomId":"r1","payload":{"type":"answer","sdp":"v=0\r\n"}}`
	write(t, ctx, expert, answer)
	if _, raw := read(t, ctx, farmer); raw != answer {
		t.Errorf("farmer got %s, want %s", raw, answer)
	}

	for _, cand := range []string{"c1", "c2", "c3"} {
		write(t, ctx, expert, `{"kind":"candidate","roomId":"r1","payload":{"candidate":"`+cand+`"}}`)
	}
	for _, cand := range []string{"c1", "c2", "c3"} {
		env, _ := read(t, ctx, farmer)
		var p struct {
			Candidate string `json:"candidate"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		if env.Kind != protocol.KindCandidate || p.Candidate != cand {
			t.Fatalf("got %s %s, want candidate %s", env.Kind, p.Candidate, cand)
		}
	}

	expert.Close(websocket.StatusNormalClosure, "bye")

	env, _ = read(t, ctx, farmer)
	var pl protocol.PeerLeftPayload
	_ = json.Unmarshal(env.Payload, &pl)
	if env.Kind != protocol.KindPeerLeft || pl.Reason != protocol.ReasonDisconnected {
		t.Fatalf("farmer got %s %+v, want peer-left disconnected", env.Kind, pl)
	}

	waitFor(t, func() bool { return coord.Rooms().Len() == 0 && handler.Conns.Len() == 1 })
}

func TestRoomFullOverWebSocket(t *testing.T) {
	bridge, _, _ := setupBridge(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	farmer := dial(t, ctx, bridge)
	expert := dial(t, ctx, bridge)
	intruder := dial(t, ctx, bridge)

	write(t, ctx, farmer, `{"kind":"join","roomId":"r1","payload":{"role":"farmer"}}`)
	write(t, ctx, expert, `{"kind":"join","roomId":"r1","payload":{"role":"expert"}}`)
	read(t, ctx, farmer)
	read(t, ctx, expert)

	write(t, ctx, intruder, `{"kind":"join","roomId":"r1","payload":{"role":"expert"}}`)
	if env, raw := read(t, ctx, intruder); env.Kind != protocol.KindRoomFull {
		t.Fatalf("intruder got %s", raw)
	}

	// The original pair still relays.
	write(t, ctx, farmer, `{"kind":"chat","roomId":"r1","payload":{"text":"still here?"}}`)
	if env, raw := read(t, ctx, expert); env.Kind != protocol.KindChat {
		t.Fatalf("expert got %s", raw)
	}
}

func TestDrainOnShutdown(t *testing.T) {
	bridge, handler, _ := setupBridge(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, bridge)
	write(t, ctx, c, `{"kind":"list-requests"}`)
	if env, raw := read(t, ctx, c); env.Kind != protocol.KindPendingRequests {
		t.Fatalf("got %s", raw)
	}

	go handler.StartDrain()

	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected error after drain")
	}
	var closeErr websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected CloseError, got: %v", err)
	}
	if closeErr.Code != websocket.StatusGoingAway {
		t.Errorf("close code = %d, want %d (StatusGoingAway)", closeErr.Code, websocket.StatusGoingAway)
	}
	if closeErr.Reason != string(registry.CloseShutdown) {
		t.Errorf("close reason = %q, want %q", closeErr.Reason, registry.CloseShutdown)
	}

	waitFor(t, func() bool { return handler.Conns.ConnectionCount() == 0 })
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxMessageSize = 256
	bridge, handler, _ := setupBridge(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, bridge)
	big := `{"kind":"chat","roomId":"r1","payload":"` + strings.Repeat("x", 1024) + `"}`
	_ = c.Write(ctx, websocket.MessageText, []byte(big))

	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusMessageTooBig {
		t.Errorf("close status = %v (%v), want StatusMessageTooBig", websocket.CloseStatus(err), err)
	}
	waitFor(t, func() bool { return handler.Conns.Len() == 0 })
}
