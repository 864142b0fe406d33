// Package twilio bridges Twilio Media Streams calls into the gateway. The
// voice webhook answers with TwiML that connects the call to the stream
// endpoint, where each stream runs one call coordinator.
package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/voxbridge/pkg/bot"
	"github.com/harunnryd/voxbridge/pkg/call"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/transports"
)

// mediaChunk is the payload size of one outbound media message, 200ms of
// 8 kHz µ-law.
const mediaChunk = 1600

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/twilio/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/twilio/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Transport struct {
	cfg      Config
	backend  transports.Backend
	upgrader websocket.Upgrader
	sessions *transports.Registry
	logger   *slog.Logger

	updateClient callUpdater
	createClient callCreator

	mu          sync.Mutex
	callStreams map[string]string
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config, backend transports.Backend, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		backend: backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions:    transports.NewRegistry(),
		logger:      logging.NewComponentLogger(logger, "twilio"),
		callStreams: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Register(mux *http.ServeMux) {
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
}

func (t *Transport) ActiveSessions() int { return t.sessions.Count() }

func (t *Transport) Drain() { t.sessions.Drain() }

func (t *Transport) Stop() error {
	t.sessions.CloseAll()
	return nil
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

// ServeHTTP runs one media stream.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.sessions.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var sess *streamSession
	defer func() {
		if sess != nil {
			t.detach(sess)
		}
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || sess != nil {
				continue
			}
			sess = t.attach(r.Context(), conn, evt.Start)
		case "media":
			if sess == nil || evt.Media == nil {
				continue
			}
			if evt.Media.Track != "" && evt.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			metrics.Record(sess.obs, metrics.EventAudioIn, float64(len(payload)), nil)
			sess.coord.Audio(payload)
		case "dtmf":
			if sess == nil || evt.DTMF == nil {
				continue
			}
			sess.coord.DTMF(evt.DTMF.Digit)
		case "mark":
			if sess == nil || evt.Mark == nil {
				continue
			}
			if sess.markPlayed(evt.Mark.Name) {
				sess.coord.PlaybackCompleted()
			}
		case "stop":
			reason := "completed"
			if evt.Stop != nil && normalizeCallEndReason(evt.Stop.Reason) != "" {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if sess != nil {
				sess.logger.Info("twilio_stream_stopped", slog.String("reason", reason))
			}
			return
		}
	}
}

func (t *Transport) attach(ctx context.Context, conn *websocket.Conn, start *TwilioStart) *streamSession {
	deps := t.backend.CallDeps()
	logger := deps.Logger
	if logger == nil {
		logger = t.logger
	}
	traceID := uuid.NewString()
	obs := metrics.WithTags(deps.Observer, map[string]string{"trace_id": traceID, "transport": "twilio"})
	sess := &streamSession{
		streamID: start.StreamID,
		callSID:  start.CallSID,
		conn:     conn,
		sendCh:   make(chan []byte, 1024),
		obs:      obs,
		logger: logging.NewComponentLogger(logger, "twilio").With(
			slog.String("stream_sid", start.StreamID),
			slog.String("call_sid", start.CallSID),
			slog.String("trace_id", traceID)),
	}
	go sess.loop()

	name := start.CustomParameters["bot"]
	b, err := deps.Bots.Open(name, start.StreamID)
	if err != nil {
		sess.logger.Warn("twilio_bot_open_failed", slog.String("bot", name), slog.String("error", err.Error()))
		b, _ = deps.Bots.Open("", start.StreamID)
	}
	sess.coord = call.New(ctx, start.StreamID, deps.Call, call.Deps{
		Sink:        sess,
		Bot:         b,
		Recognition: deps.Recognition,
		ResultIDs:   deps.ResultIDs,
		Publisher:   deps.Publisher,
		Observer:    obs,
		Logger:      logger,
	})

	t.mu.Lock()
	t.callStreams[start.CallSID] = start.StreamID
	t.mu.Unlock()
	if !t.sessions.Add(start.StreamID, func() { _ = conn.Close() }) {
		sess.logger.Warn("twilio_stream_refused_draining")
		_ = conn.Close()
	}
	metrics.Record(obs, metrics.EventSessionStart, 1, nil)
	sess.logger.Info("twilio_stream_started", slog.String("from", start.From))
	sess.coord.Start()
	return sess
}

func (t *Transport) detach(sess *streamSession) {
	sess.coord.Close()
	sess.close()
	t.sessions.Remove(sess.streamID)
	t.mu.Lock()
	if t.callStreams[sess.callSID] == sess.streamID {
		delete(t.callStreams, sess.callSID)
	}
	t.mu.Unlock()
	metrics.Record(sess.obs, metrics.EventSessionEnd, 1, nil)
}

// Dial places an outbound call using Twilio REST API.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return t.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	d := NewDialer(t.cfg, t.logger)
	d.client = t.createClient
	return d.Place(ctx, Outbound{To: to, From: from, VoiceURL: url, DialOptions: opts})
}

// SendDTMF plays digits on an active call.
func (t *Transport) SendDTMF(ctx context.Context, callSID, digits string) error {
	_ = ctx
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	if strings.TrimSpace(digits) == "" {
		return errors.New("digits required")
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	updater := t.updateClient
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(buildDTMFTwiml(digits))
	_, err := updater.UpdateCall(callSID, params)
	return err
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var b strings.Builder
	b.WriteString(`<Response>`)
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		b.WriteString(`<Say>` + xmlEscape(greeting) + `</Say>`)
	}
	b.WriteString(`<Connect><Stream url="` + xmlEscape(t.websocketURL(r)) + `">`)
	if name := strings.TrimSpace(r.URL.Query().Get("bot")); name != "" {
		b.WriteString(`<Parameter name="bot" value="` + xmlEscape(name) + `"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.mu.Lock()
	streamID := t.callStreams[callSID]
	t.mu.Unlock()
	if streamID != "" && t.sessions.End(streamID) {
		t.logger.Info("twilio_call_ended", slog.String("call_sid", callSID), slog.String("reason", reason))
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return t.localURL(t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return t.localURL(t.cfg.StatusCallbackPath)
}

func (t *Transport) localURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func buildDTMFTwiml(digits string) string {
	return fmt.Sprintf(`<Response><Play digits="%s"/></Response>`, xmlEscape(digits))
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

// streamSession is the call.Sink of one media stream. Writes go through a
// single writer goroutine.
type streamSession struct {
	streamID string
	callSID  string
	conn     *websocket.Conn
	coord    *call.Coordinator
	sendCh   chan []byte
	obs      metrics.Observer
	logger   *slog.Logger

	mu       sync.Mutex
	marks    uint64
	lastMark string
	closed   atomic.Bool
}

func (s *streamSession) SendTurnResponse(disposition bot.Disposition, text string, confidence float64) error {
	s.logger.Debug("twilio_turn_response",
		slog.String("disposition", string(disposition)),
		slog.Int("chars", len(text)),
		slog.Float64("confidence", confidence))
	return nil
}

// SendAudio streams the reply followed by a mark. Twilio echoes the mark
// once playback reaches it.
func (s *streamSession) SendAudio(mulaw []byte) error {
	for start := 0; start < len(mulaw); start += mediaChunk {
		end := min(start+mediaChunk, len(mulaw))
		if err := s.enqueue(map[string]any{
			"event":     "media",
			"streamSid": s.streamID,
			"media":     map[string]any{"payload": base64.StdEncoding.EncodeToString(mulaw[start:end])},
		}); err != nil {
			return err
		}
		metrics.Record(s.obs, metrics.EventAudioOut, float64(end-start), nil)
	}
	s.mu.Lock()
	s.marks++
	s.lastMark = "reply-" + strconv.FormatUint(s.marks, 10)
	name := s.lastMark
	s.mu.Unlock()
	return s.enqueue(map[string]any{
		"event":     "mark",
		"streamSid": s.streamID,
		"mark":      map[string]any{"name": name},
	})
}

// SendBargeIn drops whatever Twilio still has buffered.
func (s *streamSession) SendBargeIn() error {
	s.mu.Lock()
	s.lastMark = ""
	s.mu.Unlock()
	return s.enqueue(map[string]any{"event": "clear", "streamSid": s.streamID})
}

func (s *streamSession) markPlayed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" || name != s.lastMark {
		return false
	}
	s.lastMark = ""
	return true
}

func (s *streamSession) enqueue(msg map[string]any) error {
	if s.closed.Load() {
		return errorsx.New(errorsx.ReasonTransportSend, "twilio stream %s closed", s.streamID)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
		return nil
	case <-time.After(time.Second):
		s.logger.Warn("twilio_send_queue_full")
		return errorsx.New(errorsx.ReasonTransportSend, "twilio send queue full")
	}
}

func (s *streamSession) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *streamSession) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
}

type TwilioStart struct {
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	From             string            `json:"from"`
	CustomParameters map[string]string `json:"customParameters"`
}

type TwilioMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type TwilioDTMF struct {
	Digit string `json:"digit"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	DTMF      *TwilioDTMF  `json:"dtmf,omitempty"`
	Mark      *TwilioMark  `json:"mark,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "https://"), "http://")
	return strings.TrimRight(v, "/")
}

var (
	_ transports.Transport                 = (*Transport)(nil)
	_ transports.OutboundDialerWithOptions = (*Transport)(nil)
	_ transports.DTMFSender                = (*Transport)(nil)
	_ transports.ReadyReporter             = (*Transport)(nil)
	_ call.Sink                            = (*streamSession)(nil)
)
