package audiohook

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxbridge/pkg/audio"
	"github.com/harunnryd/voxbridge/pkg/bot"
	"github.com/harunnryd/voxbridge/pkg/call"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/protocol"
	"github.com/harunnryd/voxbridge/pkg/providers"
	"github.com/harunnryd/voxbridge/pkg/providers/mock"
	"github.com/harunnryd/voxbridge/pkg/recognition"
	"github.com/harunnryd/voxbridge/pkg/transports"
)

type inbound struct {
	Type       string          `json:"type"`
	Seq        int64           `json:"seq"`
	ClientSeq  int64           `json:"clientseq"`
	Parameters json.RawMessage `json:"parameters"`
}

func newTestTransport(t *testing.T, cfg Config) (*Transport, *httptest.Server, *metrics.MemoryObserver) {
	t.Helper()
	catalog, err := bot.NewCatalog(nil, "")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	obs := metrics.NewMemoryObserver()
	svc := bot.NewService(bot.Config{}, catalog, mock.NewGenerator(mock.LLMConfig{}),
		bot.Voice{Kind: providers.KindMock, Synthesizer: mock.NewSynthesizer(mock.TTSConfig{})}, nil, obs, logging.Discard())
	batch := mock.NewBatchRecognizer(mock.STTConfig{Transcript: "quiero pagar"})
	backend := transports.BackendFunc(func() transports.CallDeps {
		return transports.CallDeps{
			Bots: svc,
			Recognition: func(opts recognition.Options, l recognition.Listener) recognition.Strategy {
				return recognition.NewVADStrategy(batch, recognition.VADConfig{}, opts, l)
			},
			Call:     call.Config{},
			Observer: obs,
			Logger:   logging.Discard(),
		}
	})
	tr := New(cfg, backend, logging.Discard())
	mux := http.NewServeMux()
	tr.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = tr.Stop()
		srv.Close()
	})
	return tr, srv, obs
}

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/audiohook" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, seq, serverSeq int64, typ string, params any) {
	t.Helper()
	raw, _ := json.Marshal(params)
	msg := protocol.ClientMessage{Version: protocol.Version, ID: "sess-1", Type: typ, Seq: seq, ServerSeq: serverSeq, Parameters: raw}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readText(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m inbound
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return m
	}
}

func speechFrame() []byte {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*400*float64(i)/audio.SampleRate))
	}
	out := make([]byte, len(samples))
	audio.EncodeMulaw(out, samples)
	return out
}

func TestOpenAndTurnOverWebsocket(t *testing.T) {
	tr, srv, _ := newTestTransport(t, Config{})
	conn := dial(t, srv, "?bot=mia", http.Header{sessionIDHeader: []string{"sess-1"}})

	sendJSON(t, conn, 1, 0, protocol.TypeOpen, protocol.OpenParameters{
		Media: []protocol.MediaParameter{{Type: "audio", Format: "PCMU", Channels: []string{"external"}, Rate: 8000}},
	})
	opened := readText(t, conn)
	if opened.Type != protocol.TypeOpened || opened.Seq != 1 || opened.ClientSeq != 1 {
		t.Fatalf("unexpected first reply %+v", opened)
	}
	if tr.ActiveSessions() != 1 {
		t.Fatalf("expected one active session, got %d", tr.ActiveSessions())
	}

	for i := 0; i < 10; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, speechFrame()); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
	for i := 0; i < 100; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, audio.Silence(160)); err != nil {
			t.Fatalf("write silence: %v", err)
		}
	}

	ev := readText(t, conn)
	if ev.Type != protocol.TypeEvent {
		t.Fatalf("expected an event, got %+v", ev)
	}
	if !strings.Contains(string(ev.Parameters), protocol.EntityBotTurnResponse) ||
		!strings.Contains(string(ev.Parameters), "Entendido: quiero pagar") {
		t.Fatalf("unexpected event parameters %s", ev.Parameters)
	}

	sendJSON(t, conn, 2, ev.Seq, protocol.TypeClose, protocol.CloseParameters{Reason: "end"})
	if closed := readText(t, conn); closed.Type != protocol.TypeClosed {
		t.Fatalf("expected closed, got %+v", closed)
	}
}

func TestSequenceViolationClosesSocket(t *testing.T) {
	_, srv, obs := newTestTransport(t, Config{})
	conn := dial(t, srv, "", http.Header{sessionIDHeader: []string{"sess-1"}})

	sendJSON(t, conn, 1, 0, protocol.TypeOpen, protocol.OpenParameters{})
	if opened := readText(t, conn); opened.Type != protocol.TypeOpened {
		t.Fatalf("expected opened, got %+v", opened)
	}
	sendJSON(t, conn, 5, 1, protocol.TypePing, nil)
	disc := readText(t, conn)
	if disc.Type != protocol.TypeDisconnect {
		t.Fatalf("expected disconnect, got %+v", disc)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the socket to be closed")
	}
	if obs.Count(metrics.EventProtocolViolation) != 1 {
		t.Fatalf("expected one violation metric")
	}
}

func TestDrainingRefusesUpgrade(t *testing.T) {
	tr, srv, _ := newTestTransport(t, Config{})
	tr.Drain()
	resp, err := http.Get(srv.URL + "/audiohook")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	_, srv, _ := newTestTransport(t, Config{APIKey: "secret"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/audiohook"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial without key should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401")
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-API-KEY": []string{"secret"}})
	if err != nil {
		t.Fatalf("dial with key: %v", err)
	}
	conn.Close()
}

func TestCheckOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"https://apps.example.com"}}, nil, logging.Discard())
	req := httptest.NewRequest(http.MethodGet, "/audiohook", nil)
	req.Header.Set("Origin", "https://apps.example.com/")
	if !tr.checkOrigin(req) {
		t.Fatalf("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if tr.checkOrigin(req) {
		t.Fatalf("unknown origin accepted")
	}
}
