package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/protocol"
	"github.com/harunnryd/voxbridge/pkg/providers"
	"github.com/harunnryd/voxbridge/pkg/providers/mock"
)

func discardLogger() *slog.Logger { return logging.Discard() }

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.DrainTimeout = 2 * time.Second
	cfg.Call.GreetingEnabled = false
	cfg.Vendors.STT.Settings = map[string]any{"transcript": "quiero pagar"}
	return cfg
}

func startEngine(t *testing.T, cfg Config, registry *ProviderRegistry) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), EngineOptions{Config: cfg, Logger: discardLogger(), Providers: registry})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func getHealth(t *testing.T, e *Engine) (int, HealthReport) {
	t.Helper()
	resp, err := http.Get("http://" + e.Addr() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return resp.StatusCode, report
}

func TestHealthAndDrain(t *testing.T) {
	e := startEngine(t, testConfig(t), nil)

	code, report := getHealth(t, e)
	if code != http.StatusOK || report.Status != "ok" {
		t.Fatalf("expected healthy, got %d %+v", code, report)
	}
	if _, ok := report.Transports["audiohook"]; !ok {
		t.Fatalf("expected audiohook in report %+v", report)
	}

	if err := e.Drain(); err != nil {
		t.Fatalf("drain with no sessions: %v", err)
	}
	code, report = getHealth(t, e)
	if code != http.StatusServiceUnavailable || report.Status != "draining" {
		t.Fatalf("expected draining, got %d %+v", code, report)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := startEngine(t, testConfig(t), nil)
	resp, err := http.Get("http://" + e.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "voxbridge_") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}

func TestAudioHookSessionThroughEngine(t *testing.T) {
	e := startEngine(t, testConfig(t), nil)

	url := "ws://" + e.Addr() + "/audiohook"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Audiohook-Session-Id": []string{"sess-9"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(seq int64, typ string, params any) {
		raw, _ := json.Marshal(params)
		msg := protocol.ClientMessage{Version: protocol.Version, ID: "sess-9", Type: typ, Seq: seq, Parameters: raw}
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	read := func() protocol.ServerMessage {
		for {
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			mt, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if mt != websocket.TextMessage {
				continue
			}
			var m protocol.ServerMessage
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("decode: %v", err)
			}
			return m
		}
	}

	send(1, protocol.TypeOpen, protocol.OpenParameters{
		Media: []protocol.MediaParameter{{Type: "audio", Format: "PCMU", Channels: []string{"external"}, Rate: 8000}},
	})
	if m := read(); m.Type != protocol.TypeOpened {
		t.Fatalf("expected opened, got %s", m.Type)
	}
	if e.ActiveSessions() != 1 {
		t.Fatalf("expected one active session, got %d", e.ActiveSessions())
	}
	send(2, protocol.TypePing, struct{}{})
	if m := read(); m.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %s", m.Type)
	}
	send(3, protocol.TypeClose, protocol.CloseParameters{Reason: "end"})
	if m := read(); m.Type != protocol.TypeClosed {
		t.Fatalf("expected closed, got %s", m.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReloadAppliesTunablesOnly(t *testing.T) {
	cfg := testConfig(t)
	e := startEngine(t, cfg, nil)

	next := cfg
	next.Recognition.VAD.SilenceTimeout = 800 * time.Millisecond
	next.Call.BargeIn.Enabled = true
	next.Vendors.TTS.Settings = map[string]any{"bytes_per_rune": 10}
	if err := e.Reload(next); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := e.Config()
	if got.Recognition.VAD.SilenceTimeout != 800*time.Millisecond || !got.Call.BargeIn.Enabled {
		t.Fatalf("tunables not applied: %+v", got.Recognition.VAD)
	}
	if got.Vendors.TTS.Settings != nil {
		t.Fatalf("vendor changes need a restart, got %v", got.Vendors.TTS.Settings)
	}
	if deps := e.CallDeps(); !deps.Call.BargeIn.Enabled {
		t.Fatalf("new calls should see the reloaded call config")
	}
}

func TestReloadRejectsStrategyWithoutRecognizer(t *testing.T) {
	registry := DefaultProviderRegistry()
	registry.RegisterSTT(providers.KindMock, func(_ context.Context, _ string, _ map[string]any, _ *slog.Logger) (Recognizers, error) {
		return Recognizers{Batch: mock.NewBatchRecognizer(mock.STTConfig{})}, nil
	})
	cfg := testConfig(t)
	e := startEngine(t, cfg, registry)

	next := cfg
	next.Recognition.Strategy = StrategyInactivity
	if err := e.Reload(next); err == nil {
		t.Fatalf("expected inactivity reload to fail without a streaming recognizer")
	}
	if e.Config().Recognition.Strategy != StrategyVAD {
		t.Fatalf("rejected reload must keep the running strategy")
	}
}

func TestNewEngineRejectsBadProviderSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vendors.LLM = VendorConfig{Provider: "openai", Settings: map[string]any{"model": "gpt-4o-mini"}}
	_, err := NewEngine(context.Background(), EngineOptions{Config: cfg, Logger: discardLogger()})
	if err == nil || !strings.Contains(err.Error(), "missing: api_key") {
		t.Fatalf("expected missing api_key, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonConfig {
		t.Fatalf("expected config reason, got %s", errorsx.Reason(err))
	}
}

func TestEmptyRegistryReportsUnregisteredProvider(t *testing.T) {
	r := NewProviderRegistry()
	if _, err := r.BuildGenerator("vendors.llm", VendorConfig{Provider: "mock"}, discardLogger()); err == nil {
		t.Fatalf("expected unregistered provider error")
	}
	if _, err := r.BuildVoice("vendors.tts", VendorConfig{Provider: ""}, discardLogger()); err == nil {
		t.Fatalf("expected missing provider error")
	}
}
