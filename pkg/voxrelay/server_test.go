package voxrelay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/providers/mock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testKey = "eb_test_key"

type serverFixture struct {
	srv       *Server
	http      *httptest.Server
	stt       *mock.Connector
	live      *mock.Connector
	prom      *metrics.Prometheus
	observer  *metrics.MemoryObserver
	wsBaseURL string
}

func newServerFixture(t *testing.T, stt, live *mock.Connector) *serverFixture {
	t.Helper()
	cfg := Config{
		Server: ServerConfig{Addr: "127.0.0.1:0"},
		Relay:  RelayConfig{ConnectTimeout: time.Second, WriteTimeout: time.Second},
		Auth:   AuthConfig{KeyPrefix: DefaultKeyPrefix, APIKeys: []string{testKey}},
	}
	reg := prometheus.NewRegistry()
	prom := metrics.NewPrometheus(reg)
	obs := metrics.NewMemoryObserver()
	manager := NewManager(ManagerOptions{
		Connectors: map[backend.Kind]backend.Connector{
			backend.KindTranscription: stt,
			backend.KindLiveAudio:     live,
		},
		Observer:       obs,
		ConnectTimeout: cfg.Relay.ConnectTimeout,
		Logger:         quietLogger(),
	})
	srv := NewServer(ServerOptions{
		Config:     cfg,
		Manager:    manager,
		Prometheus: prom,
		Gatherer:   reg,
		Observer:   obs,
		Logger:     quietLogger(),
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &serverFixture{
		srv:       srv,
		http:      hs,
		stt:       stt,
		live:      live,
		prom:      prom,
		observer:  obs,
		wsBaseURL: "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

func (f *serverFixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsBaseURL+path, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func (f *serverFixture) waitEmpty(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for f.srv.manager.Registry().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions still open: %d", f.srv.manager.Registry().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerRejectsMissingKeyBeforeUpgrade(t *testing.T) {
	f := newServerFixture(t, mock.New(mock.Config{}), mock.New(mock.Config{}))

	_, resp, err := websocket.DefaultDialer.Dial(f.wsBaseURL+PathTranscribe, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	_, resp, _ = websocket.DefaultDialer.Dial(f.wsBaseURL+PathLiveAudio+"?api_key=eb_other", nil)
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %+v", resp)
	}
	if f.stt.Attempts() != 0 || f.live.Attempts() != 0 {
		t.Fatalf("expected no backend connect for rejected callers")
	}
	if f.observer.Count(metrics.EventAuthRejected) != 2 {
		t.Fatalf("expected 2 auth rejections, got %d", f.observer.Count(metrics.EventAuthRejected))
	}
}

func TestServerTranscriptionRelay(t *testing.T) {
	f := newServerFixture(t, mock.New(mock.Config{Responder: mock.EchoResponder}), mock.New(mock.Config{}))

	header := http.Header{"Authorization": []string{"Bearer " + testKey}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsBaseURL+PathTranscribe+"?model=nova-3&sample_rate=16000&api_key=ignored", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected text transcript, got type %d", mt)
	}
	var msg struct {
		Channel struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channel"`
		IsFinal bool `json:"is_final"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Channel.Alternatives[0].Transcript != "received 4 bytes" || !msg.IsFinal {
		t.Fatalf("unexpected transcript %s", data)
	}

	streams := f.stt.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected one backend stream, got %d", len(streams))
	}
	opts := streams[0].Options()
	if opts.Model != "nova-3" || opts.Param("sample_rate") != "16000" {
		t.Fatalf("query selectors not forwarded: %+v", opts)
	}
	if _, ok := opts.Params["api_key"]; ok {
		t.Fatalf("credential leaked into backend options")
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	f.waitEmpty(t)
	select {
	case <-streams[0].Closed():
	case <-time.After(2 * time.Second):
		t.Fatalf("backend stream not closed after client disconnect")
	}
}

func TestServerLiveAudioRelay(t *testing.T) {
	f := newServerFixture(t, mock.New(mock.Config{}), mock.New(mock.Config{Responder: mock.EchoResponder}))
	conn := f.dial(t, PathLiveAudio+"?api_key="+testKey)

	text := `{"mime_type":"text/plain","data":"` + base64.StdEncoding.EncodeToString([]byte("hello")) + `","end_of_turn":true}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("write: %v", err)
	}
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read text: %v", err)
	}
	if mt != websocket.TextMessage || string(data) != `{"text":"hello"}` {
		t.Fatalf("unexpected text reply %d %s", mt, data)
	}

	audio := `{"mime_type":"audio/pcm;rate=16000","data":"` + base64.StdEncoding.EncodeToString([]byte{9, 8, 7}) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(audio)); err != nil {
		t.Fatalf("write: %v", err)
	}
	mt, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if mt != websocket.BinaryMessage || string(data) != string([]byte{9, 8, 7}) {
		t.Fatalf("unexpected audio reply %d %v", mt, data)
	}
}

func TestServerSetupFailureClosesWith1011(t *testing.T) {
	f := newServerFixture(t, mock.New(mock.Config{ConnectErr: errors.New("backend unreachable")}), mock.New(mock.Config{}))
	conn := f.dial(t, PathTranscribe+"?api_key="+testKey)

	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != errorsx.CloseInternalError {
		t.Fatalf("expected 1011, got %d", ce.Code)
	}
	if !strings.Contains(ce.Text, "backend unreachable") {
		t.Fatalf("expected failure reason, got %q", ce.Text)
	}
	f.waitEmpty(t)
}

func TestServerOperationalRoutes(t *testing.T) {
	f := newServerFixture(t, mock.New(mock.Config{}), mock.New(mock.Config{}))

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "healthy" {
		t.Fatalf("unexpected health %v", health)
	}
	if got := testutil.ToFloat64(f.prom.HTTPRequests.WithLabelValues(http.MethodGet, PathHealth, "200")); got != 1 {
		t.Fatalf("expected one recorded /health request, got %v", got)
	}

	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), PathTranscribe) || !strings.Contains(rec.Body.String(), PathLiveAudio) {
		t.Fatalf("root should list relay endpoints: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathMetrics, nil))
	if !strings.Contains(rec.Body.String(), "voxrelay_http_requests_total") {
		t.Fatalf("metrics exposition missing relay series")
	}
}

func TestServerRefusesWhileDraining(t *testing.T) {
	f := newServerFixture(t, mock.New(mock.Config{}), mock.New(mock.Config{}))
	f.srv.manager.Registry().SetDraining(true)

	req := httptest.NewRequest(http.MethodGet, PathTranscribe+"?api_key="+testKey, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
