package signal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	router "github.com/openrelay/signaling/internal/adapters/http"
	"github.com/openrelay/signaling/internal/adapters/signal"
	"github.com/openrelay/signaling/internal/app"
	"github.com/openrelay/signaling/internal/auth"
	"github.com/openrelay/signaling/internal/config"
	"github.com/openrelay/signaling/internal/enginetest"
)

var testRTPParams = json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","payloadType":96,"clockRate":90000}],"encodings":[{"ssrc":5678}]}`)

type testStack struct {
	srv   *httptest.Server
	reg   *app.Registry
	token string
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	eng := enginetest.New()
	reg := app.NewRegistry(eng, time.Second)
	lc := app.NewLifecycle(reg, 10*time.Millisecond)
	gate := auth.NewGate("test-secret", "admin", "hunter2", time.Hour)
	ctl := signal.NewController(reg, lc, 32768)

	r := router.SetupRouter(context.Background(), &config.Config{Mode: "release"}, gate, reg, ctl)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	token, err := gate.Issue("admin", "hunter2")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return &testStack{srv: srv, reg: reg, token: token}
}

func (s *testStack) wsURL(token string) string {
	url := strings.Replace(s.srv.URL, "http", "ws", 1) + "/api/ws/signal"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

// wsClient drives the request/response protocol over one connection.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	nextID uint64
}

func dial(t *testing.T, s *testStack) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(s.token), nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

type wireResponse struct {
	ID    uint64          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// call sends one request and waits for its correlated response.
func (c *wsClient) call(method string, data any) wireResponse {
	c.t.Helper()
	c.nextID++
	payload := map[string]any{"id": c.nextID, "method": method}
	if data != nil {
		payload["data"] = data
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	var resp wireResponse
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := c.conn.ReadJSON(&resp); err != nil {
		c.t.Fatalf("read %s response: %v", method, err)
	}
	if resp.ID != c.nextID {
		c.t.Fatalf("%s response correlates id %d, want %d", method, resp.ID, c.nextID)
	}
	return resp
}

func (c *wsClient) mustCall(method string, data any, out any) {
	c.t.Helper()
	resp := c.call(method, data)
	if resp.Error != "" {
		c.t.Fatalf("%s failed: %s", method, resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			c.t.Fatalf("decode %s result: %v", method, err)
		}
	}
}

func (c *wsClient) createConnectedTransport() string {
	c.t.Helper()
	var created struct {
		TransportID string `json:"transportId"`
	}
	c.mustCall("createTransport", nil, &created)
	if created.TransportID == "" {
		c.t.Fatal("createTransport returned no id")
	}
	c.mustCall("connectTransport", map[string]any{
		"transportId":    created.TransportID,
		"dtlsParameters": map[string]any{"role": "client"},
		"iceParameters":  map[string]any{"usernameFragment": "uf", "password": "pw"},
	}, nil)
	return created.TransportID
}

func TestEndToEndProduceConsume(t *testing.T) {
	s := newStack(t)

	clientA := dial(t, s)
	atid := clientA.createConnectedTransport()

	var produced struct {
		ProducerID string `json:"producerId"`
	}
	clientA.mustCall("produce", map[string]any{
		"transportId":   atid,
		"kind":          "video",
		"rtpParameters": testRTPParams,
	}, &produced)
	if produced.ProducerID == "" {
		t.Fatal("produce returned no id")
	}

	_, transports, producers, _ := s.reg.Counts()
	if transports != 1 || producers != 1 {
		t.Fatalf("registry shows %d transports, %d producers; want 1, 1", transports, producers)
	}

	// B consumes A's producer on B's own transport: cross-client by design.
	clientB := dial(t, s)
	btid := clientB.createConnectedTransport()

	var desc struct {
		ConsumerID string `json:"consumerId"`
		ProducerID string `json:"producerId"`
		Kind       string `json:"kind"`
	}
	clientB.mustCall("consume", map[string]any{
		"transportId": btid,
		"producerId":  produced.ProducerID,
	}, &desc)
	if desc.ConsumerID == "" || desc.ProducerID != produced.ProducerID || desc.Kind != "video" {
		t.Fatalf("bad consumer descriptor: %+v", desc)
	}
	clientB.mustCall("resumeConsumer", map[string]any{"consumerId": desc.ConsumerID}, nil)

	// But B cannot close A's transport.
	resp := clientB.call("closeTransport", map[string]any{"transportId": atid})
	if resp.Error == "" {
		t.Fatal("closing a foreign transport must fail")
	}
	if _, transports, _, _ = s.reg.Counts(); transports != 2 {
		t.Fatalf("foreign close mutated state: %d transports", transports)
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	s := newStack(t)

	clientA := dial(t, s)
	tid := clientA.createConnectedTransport()
	clientA.mustCall("produce", map[string]any{
		"transportId":   tid,
		"kind":          "audio",
		"rtpParameters": testRTPParams,
	}, nil)

	_ = clientA.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		clients, transports, producers, _ := s.reg.Counts()
		if clients == 0 && transports == 0 && producers == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cleanup incomplete: %d clients, %d transports, %d producers",
				clients, transports, producers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandshakeRefusedWithoutToken(t *testing.T) {
	s := newStack(t)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(""), nil)
	if err == nil {
		t.Fatal("dial without token must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake refusal, got %+v", resp)
	}
	if clients, _, _, _ := s.reg.Counts(); clients != 0 {
		t.Fatal("refused handshake touched the registry")
	}
}

func TestRequestErrorsDoNotKillConnection(t *testing.T) {
	s := newStack(t)
	client := dial(t, s)

	resp := client.call("produce", map[string]any{
		"transportId":   "no-such-transport",
		"kind":          "audio",
		"rtpParameters": testRTPParams,
	})
	if resp.Error == "" {
		t.Fatal("produce on unknown transport must return an error payload")
	}

	resp = client.call("noSuchMethod", nil)
	if resp.Error == "" {
		t.Fatal("unknown method must return an error payload")
	}

	// The connection survives per-request failures.
	client.mustCall("ping", nil, nil)
}

func TestCloseTransportIdempotentOverWire(t *testing.T) {
	s := newStack(t)
	client := dial(t, s)
	tid := client.createConnectedTransport()

	client.mustCall("closeTransport", map[string]any{"transportId": tid}, nil)
	client.mustCall("closeTransport", map[string]any{"transportId": tid}, nil)

	if _, transports, _, _ := s.reg.Counts(); transports != 0 {
		t.Fatalf("%d transports after double close", transports)
	}
}

func TestRouterRTPCapabilities(t *testing.T) {
	s := newStack(t)
	client := dial(t, s)

	var caps []map[string]any
	client.mustCall("getRouterRtpCapabilities", nil, &caps)
	if len(caps) == 0 {
		t.Fatal("router capabilities empty")
	}
}
