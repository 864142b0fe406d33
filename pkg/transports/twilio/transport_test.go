package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/voxbridge/pkg/audio"
	"github.com/harunnryd/voxbridge/pkg/bot"
	"github.com/harunnryd/voxbridge/pkg/call"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/providers"
	"github.com/harunnryd/voxbridge/pkg/providers/mock"
	"github.com/harunnryd/voxbridge/pkg/recognition"
	"github.com/harunnryd/voxbridge/pkg/transports"
)

func testBackend(t *testing.T) (transports.Backend, *mock.BatchRecognizer) {
	t.Helper()
	catalog, err := bot.NewCatalog(nil, "")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	obs := metrics.NewMemoryObserver()
	svc := bot.NewService(bot.Config{}, catalog, mock.NewGenerator(mock.LLMConfig{}),
		bot.Voice{Kind: providers.KindMock, Synthesizer: mock.NewSynthesizer(mock.TTSConfig{})}, nil, obs, logging.Discard())
	batch := mock.NewBatchRecognizer(mock.STTConfig{Transcript: "hola"})
	return transports.BackendFunc(func() transports.CallDeps {
		return transports.CallDeps{
			Bots: svc,
			Recognition: func(opts recognition.Options, l recognition.Listener) recognition.Strategy {
				return recognition.NewVADStrategy(batch, recognition.VADConfig{}, opts, l)
			},
			Call:     call.Config{},
			Observer: obs,
			Logger:   logging.Discard(),
		}
	}), batch
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg, nil, logging.Discard())

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice?bot=mia", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	twiml := w.Body.String()
	if !strings.Contains(twiml, `<Stream url="wss://example.com/twilio/ws">`) {
		t.Fatalf("expected stream url in TwiML, got %q", twiml)
	}
	if !strings.Contains(twiml, `<Parameter name="bot" value="mia"/>`) {
		t.Fatalf("expected bot parameter in TwiML, got %q", twiml)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

type stubCallUpdater struct {
	lastSID   string
	lastTwiml string
	err       error
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.lastSID = sid
	if params != nil && params.Twiml != nil {
		s.lastTwiml = *params.Twiml
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{}, nil
}

func TestSendDTMF(t *testing.T) {
	tr := New(Config{AccountSID: "AC123", AuthToken: "token"}, nil, logging.Discard())
	stub := &stubCallUpdater{}
	tr.updateClient = stub

	if err := tr.SendDTMF(context.Background(), "CA123", "W123#"); err != nil {
		t.Fatalf("SendDTMF error: %v", err)
	}
	if stub.lastSID != "CA123" {
		t.Fatalf("expected call sid CA123, got %q", stub.lastSID)
	}
	if !strings.Contains(stub.lastTwiml, `digits="W123#"`) {
		t.Fatalf("expected TwiML digits in request, got %q", stub.lastTwiml)
	}

	stub.err = errors.New("boom")
	if err := tr.SendDTMF(context.Background(), "CA123", "1"); err == nil {
		t.Fatalf("expected error on update failure")
	}
}

func TestHandleStatusCallbackEndsStream(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", StatusCallbackPath: "/status"}
	tr := New(cfg, nil, logging.Discard())
	ended := make(chan struct{}, 1)
	tr.mu.Lock()
	tr.callStreams["CA123"] = "stream-1"
	tr.mu.Unlock()
	tr.sessions.Add("stream-1", func() { ended <- struct{}{} })

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "completed")
	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), map[string]string{"CallSid": "CA123", "CallStatus": "completed"})
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatalf("expected the stream to be ended")
	}
	if tr.ActiveSessions() != 0 {
		t.Fatalf("expected no active sessions")
	}
}

func mediaEvent(payload []byte) TwilioEvent {
	return TwilioEvent{Event: "media", StreamSID: "MZ1", Media: &TwilioMedia{Track: "inbound", Payload: base64.StdEncoding.EncodeToString(payload)}}
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

// awaitMark reads outbound messages until a mark arrives, counting media.
func awaitMark(t *testing.T, conn *websocket.Conn) (string, int) {
	t.Helper()
	media := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var evt TwilioEvent
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch evt.Event {
		case "media":
			media++
		case "mark":
			return evt.Mark.Name, media
		}
	}
}

func TestMediaStreamTurn(t *testing.T) {
	backend, batch := testBackend(t)
	tr := New(Config{}, backend, logging.Discard())
	mux := http.NewServeMux()
	tr.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = tr.Stop()
		srv.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/twilio/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(evt TwilioEvent) {
		t.Helper()
		if err := conn.WriteJSON(evt); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	speak := func() {
		for i := 0; i < 10; i++ {
			send(mediaEvent(speechFrame()))
		}
		for i := 0; i < 30; i++ {
			send(mediaEvent(audio.Silence(160)))
		}
	}

	send(TwilioEvent{Event: "start", Start: &TwilioStart{CallSID: "CA1", StreamID: "MZ1", CustomParameters: map[string]string{"bot": "mia"}}})
	speak()
	name, media := awaitMark(t, conn)
	if name != "reply-1" || media == 0 {
		t.Fatalf("expected reply audio then mark reply-1, got %q after %d media", name, media)
	}

	send(TwilioEvent{Event: "mark", StreamSID: "MZ1", Mark: &TwilioMark{Name: name}})
	speak()
	if name, _ := awaitMark(t, conn); name != "reply-2" {
		t.Fatalf("expected a second reply after the mark, got %q", name)
	}
	if batch.Calls() != 2 {
		t.Fatalf("expected two recognition calls, got %d", batch.Calls())
	}
	if tr.ActiveSessions() != 1 {
		t.Fatalf("expected one active stream")
	}

	send(TwilioEvent{Event: "stop", Stop: &TwilioStop{Reason: "completed"}})
	deadline := time.Now().Add(2 * time.Second)
	for tr.ActiveSessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.ActiveSessions() != 0 {
		t.Fatalf("stream should be detached after stop")
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"in-progress": "",
		"completed":   "completed",
		"no-answer":   "no_answer",
		"canceled":    "failed",
		"weird":       "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

