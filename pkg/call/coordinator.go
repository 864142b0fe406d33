// Package call runs the conversation for one phone call: it feeds caller
// audio to recognition, turns final transcripts into bot replies and gates
// recognition while a reply plays. Transports own the wire; the coordinator
// talks to them through Sink.
package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/bot"
	"github.com/harunnryd/voxbridge/pkg/dtmf"
	"github.com/harunnryd/voxbridge/pkg/events"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/recognition"
	"github.com/harunnryd/voxbridge/pkg/redact"
	"github.com/harunnryd/voxbridge/pkg/turn"
)

// Sink delivers coordinator output to the caller.
type Sink interface {
	SendTurnResponse(disposition bot.Disposition, text string, confidence float64) error
	// SendAudio writes 8 kHz µ-law reply audio.
	SendAudio(mulaw []byte) error
	SendBargeIn() error
}

type Config struct {
	GreetingEnabled bool `mapstructure:"greeting_enabled"`
	// NoAudioResetDelay is how long after a text-only turn response the
	// recognizer is reset for the next turn.
	NoAudioResetDelay time.Duration `mapstructure:"no_audio_reset_delay"`
	// PlaybackGrace is added to the reply duration before an unacknowledged
	// playback is considered finished.
	PlaybackGrace time.Duration `mapstructure:"playback_grace"`
	// ClientPlaybackTimeout bounds playback the client reports on its own
	// when no reply duration is known.
	ClientPlaybackTimeout time.Duration      `mapstructure:"client_playback_timeout"`
	BargeIn               turn.BargeInConfig `mapstructure:"barge_in"`
	DTMF                  dtmf.Config        `mapstructure:"dtmf"`
}

func DefaultConfig() Config {
	return Config{
		GreetingEnabled:   true,
		NoAudioResetDelay: 100 * time.Millisecond,
		PlaybackGrace:     5 * time.Second,
		BargeIn:           turn.DefaultBargeInConfig(),
		DTMF:              dtmf.DefaultConfig(),

		ClientPlaybackTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NoAudioResetDelay <= 0 {
		c.NoAudioResetDelay = d.NoAudioResetDelay
	}
	if c.PlaybackGrace <= 0 {
		c.PlaybackGrace = d.PlaybackGrace
	}
	if c.ClientPlaybackTimeout <= 0 {
		c.ClientPlaybackTimeout = d.ClientPlaybackTimeout
	}
	return c
}

type Deps struct {
	Sink        Sink
	Bot         *bot.Bot
	Recognition recognition.Factory
	// ResultIDs is forwarded to the recognition strategy.
	ResultIDs bool
	Publisher events.Publisher
	Observer  metrics.Observer
	Logger    *slog.Logger
}

// Coordinator is safe for concurrent use. Transports call Audio and the
// control methods from their read loop; recognition and bot replies arrive
// from their own goroutines.
type Coordinator struct {
	cfg       Config
	sessionID string
	sink      Sink
	bot       *bot.Bot
	rec       recognition.Strategy
	turns     *turn.Manager
	digits    *dtmf.Collector
	pub       events.Publisher
	obs       metrics.Observer
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	closed     bool
	paused     bool
	playing    bool
	processing bool
	turnSeq    uint64
	watchdog   *time.Timer
	resetTimer *time.Timer
}

func New(ctx context.Context, sessionID string, cfg Config, deps Deps) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		cfg:       cfg,
		sessionID: sessionID,
		sink:      deps.Sink,
		bot:       deps.Bot,
		pub:       deps.Publisher,
		obs:       deps.Observer,
		logger:    logging.NewComponentLogger(deps.Logger, "call").With(slog.String("session_id", sessionID)),
		ctx:       ctx,
		cancel:    cancel,
	}
	if c.obs == nil {
		c.obs = metrics.NoopObserver{}
	}
	if c.pub == nil {
		c.pub = events.NewPublisher(events.Config{}, c.obs, deps.Logger)
	}
	c.turns = turn.NewManager(cfg.BargeIn, deps.Logger)
	c.turns.AddListener(turn.ListenerFunc(func(ev turn.StateChange) {
		c.logger.Debug("turn_state_changed",
			slog.String("from", ev.FromState.String()),
			slog.String("to", ev.ToState.String()),
			slog.String("reason", ev.Reason))
	}))
	c.digits = dtmf.NewCollector(cfg.DTMF, c.onDigits)
	c.rec = deps.Recognition(recognition.Options{
		SessionID: sessionID,
		Language:  deps.Bot.Profile().Language,
		ResultIDs: deps.ResultIDs,
		Logger:    deps.Logger,
		Observer:  c.obs,
	}, recognition.ListenerFuncs{
		Partial: c.onPartial,
		Segment: c.onSegment,
		Final:   c.onFinal,
		Error:   c.onRecognitionError,
	})
	return c
}

// Start begins the conversation, speaking the greeting when enabled.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	greet := c.cfg.GreetingEnabled
	if greet {
		c.processing = true
		c.turnSeq++
	}
	c.mu.Unlock()

	c.publish(events.TypeSessionStarted, map[string]any{"bot": c.bot.Profile().Name})
	if !greet {
		return
	}
	c.turns.OnUserTurn("greeting")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		started := time.Now()
		c.deliver(c.bot.Greeting(c.ctx), started, "greeting")
	}()
}

// Audio takes one inbound µ-law frame.
func (c *Coordinator) Audio(frame []byte) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return
	case c.paused:
		c.mu.Unlock()
		c.dropped("paused")
		return
	case c.digits.Capturing():
		c.mu.Unlock()
		c.dropped("dtmf")
		return
	case c.playing:
		if !c.turns.BargeInEnabled() || !c.turns.OnAudioWhileSpeaking(frame) {
			c.mu.Unlock()
			c.dropped("playback")
			return
		}
		c.playing = false
		stopTimer(c.watchdog)
		c.mu.Unlock()
		c.bargeIn()
	default:
		c.mu.Unlock()
	}
	c.turns.OnUserSpeech()
	c.rec.ProcessAudio(frame)
}

// DTMF records one keypad digit.
func (c *Coordinator) DTMF(digit string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if !c.digits.Press(digit) {
		c.logger.Debug("dtmf_digit_ignored", slog.String("digit", digit))
	}
}

// PlaybackStarted raises the playback gate for audio the client reports
// playing. A watchdog already armed for a server reply is kept.
func (c *Coordinator) PlaybackStarted() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasPlaying := c.playing
	c.playing = true
	if !wasPlaying {
		seq := c.turnSeq
		stopTimer(c.watchdog)
		c.watchdog = time.AfterFunc(c.cfg.ClientPlaybackTimeout, func() { c.playbackTimeout(seq) })
	}
	c.mu.Unlock()

	c.logger.Debug("playback_started", slog.Bool("client_reported", !wasPlaying))
	if !wasPlaying {
		c.turns.OnAgentSpeechStart()
	}
}

// PlaybackCompleted ends the bot's turn and opens a new recognition turn.
func (c *Coordinator) PlaybackCompleted() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasPlaying := c.playing
	c.playing = false
	stopTimer(c.watchdog)
	c.mu.Unlock()

	c.turns.OnAgentSpeechEnd("playback completed")
	if wasPlaying {
		c.resetRecognition("playback_completed")
	}
}

func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Playing reports whether a reply is being played.
func (c *Coordinator) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// RecognitionState exposes the active recognition turn's state.
func (c *Coordinator) RecognitionState() recognition.State {
	return c.rec.CurrentState()
}

// Close abandons in-flight work and waits for the bot goroutines to exit.
// It must not be called from a recognition listener.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stopTimer(c.watchdog)
	stopTimer(c.resetTimer)
	c.mu.Unlock()

	c.cancel()
	c.digits.Stop()
	c.rec.Close()
	c.wg.Wait()
	c.publish(events.TypeSessionEnded, nil)
	c.logger.Info("call_closed")
}

func (c *Coordinator) onPartial(t recognition.Transcript) {
	c.logger.Debug("partial_transcript", slog.Uint64("turn", t.Turn), slog.Int("chars", len(t.Text)))
}

func (c *Coordinator) onSegment(t recognition.Transcript) {
	c.logger.Debug("segment_transcript", slog.Uint64("turn", t.Turn), slog.String("text", redact.Text(t.Text)))
}

func (c *Coordinator) onRecognitionError(err error) {
	c.logger.Warn("recognition_error", slog.String("error", err.Error()))
}

func (c *Coordinator) onFinal(t recognition.Transcript) {
	text := strings.TrimSpace(t.Text)
	c.logger.Info("final_transcript",
		slog.Uint64("turn", t.Turn),
		slog.String("text", redact.Text(text)),
		slog.Float64("confidence", t.Confidence),
		slog.Duration("elapsed", t.Elapsed))

	if text == "" || c.digits.IsEcho(text) {
		// Reset from a listener only swaps the turn; Close would deadlock.
		c.resetRecognition("empty_final")
		return
	}
	c.publish(events.TypeFinalTranscript, map[string]any{
		"text":       redact.Text(text),
		"confidence": t.Confidence,
		"turn":       t.Turn,
		"elapsed_ms": t.Elapsed.Milliseconds(),
	})
	c.startBotTurn(text, "speech")
}

func (c *Coordinator) onDigits(digits, reason string) {
	metrics.Record(c.obs, metrics.EventDTMFCaptureFinish, 1, map[string]string{"reason": reason})
	c.logger.Info("dtmf_captured", slog.Int("digits", len(digits)), slog.String("reason", reason))
	if digits == "" {
		return
	}
	c.publish(events.TypeDTMF, map[string]any{"digits": len(digits), "reason": reason})
	c.startBotTurn(digits, "dtmf")
}

func (c *Coordinator) startBotTurn(text, source string) {
	c.mu.Lock()
	if c.closed || c.playing || c.processing {
		c.mu.Unlock()
		c.logger.Info("user_turn_ignored", slog.String("source", source), slog.String("reason", "busy"))
		return
	}
	c.processing = true
	c.turnSeq++
	stopTimer(c.resetTimer)
	c.mu.Unlock()

	c.turns.OnUserTurn(source)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		started := time.Now()
		c.deliver(c.bot.Reply(c.ctx, text), started, source)
	}()
}

// deliver sends exactly one turn response for the reply, then its audio.
func (c *Coordinator) deliver(resp bot.Response, started time.Time, source string) {
	hasAudio := len(resp.Audio) > 0
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.processing = false
	c.playing = hasAudio
	seq := c.turnSeq
	c.mu.Unlock()

	if err := c.sink.SendTurnResponse(resp.Disposition, resp.Text, resp.Confidence); err != nil {
		c.logger.Warn("turn_response_send_failed", slog.String("error", err.Error()))
	}
	latency := time.Since(started)
	metrics.Record(c.obs, metrics.EventBotTurn, latency.Seconds(), map[string]string{
		"disposition": string(resp.Disposition),
		"audio":       boolTag(hasAudio),
	})
	c.publish(events.TypeBotTurn, map[string]any{
		"source":      source,
		"disposition": string(resp.Disposition),
		"text":        resp.Text,
		"confidence":  resp.Confidence,
		"audio_ms":    resp.Duration().Milliseconds(),
		"fallback":    resp.Fallback,
		"latency_ms":  latency.Milliseconds(),
	})
	c.logger.Info("bot_turn_sent",
		slog.String("source", source),
		slog.String("disposition", string(resp.Disposition)),
		slog.Int("audio_bytes", len(resp.Audio)),
		slog.Duration("latency", latency))

	if !hasAudio {
		c.turns.OnAgentSpeechEnd("text only")
		c.mu.Lock()
		if !c.closed {
			stopTimer(c.resetTimer)
			c.resetTimer = time.AfterFunc(c.cfg.NoAudioResetDelay, func() { c.resetRecognition("text_only_turn") })
		}
		c.mu.Unlock()
		return
	}

	c.turns.OnAgentSpeechStart()
	if err := c.sink.SendAudio(resp.Audio); err != nil {
		c.logger.Warn("reply_audio_send_failed", slog.String("error", err.Error()))
	}
	c.mu.Lock()
	if c.playing && c.turnSeq == seq && !c.closed {
		stopTimer(c.watchdog)
		c.watchdog = time.AfterFunc(resp.Duration()+c.cfg.PlaybackGrace, func() { c.playbackTimeout(seq) })
	}
	c.mu.Unlock()
}

func (c *Coordinator) playbackTimeout(seq uint64) {
	c.mu.Lock()
	if c.closed || !c.playing || c.turnSeq != seq {
		c.mu.Unlock()
		return
	}
	c.playing = false
	c.mu.Unlock()
	c.logger.Warn("playback_watchdog_fired", slog.Uint64("turn", seq))
	c.turns.OnAgentSpeechEnd("playback timeout")
	c.resetRecognition("playback_timeout")
}

func (c *Coordinator) bargeIn() {
	c.logger.Info("barge_in")
	metrics.Record(c.obs, metrics.EventBargeIn, 1, nil)
	if err := c.sink.SendBargeIn(); err != nil {
		c.logger.Warn("barge_in_send_failed", slog.String("error", err.Error()))
	}
	c.publish(events.TypeBargeIn, nil)
	c.resetRecognition("barge_in")
}

func (c *Coordinator) resetRecognition(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	stopTimer(c.resetTimer)
	c.mu.Unlock()
	c.rec.Reset()
	c.logger.Debug("recognition_reset", slog.String("reason", reason))
}

func (c *Coordinator) dropped(reason string) {
	metrics.Record(c.obs, metrics.EventAudioDropped, 1, map[string]string{"reason": reason})
}

func (c *Coordinator) publish(typ events.Type, data map[string]any) {
	if err := c.pub.Publish(context.WithoutCancel(c.ctx), events.New(typ, c.sessionID, data)); err != nil {
		c.logger.Warn("event_publish_failed", slog.String("event_type", string(typ)), slog.String("error", err.Error()))
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
