package recognition

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/audio"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/vad"
)

// VADConfig tunes the local voice-activity strategy.
type VADConfig struct {
	// SilenceTimeout is the trailing silence, in audio time, that ends a turn
	// once speech has been heard.
	SilenceTimeout time.Duration `mapstructure:"silence_timeout"`
	MaxDuration    time.Duration `mapstructure:"max_duration"`
	// CallTimeout bounds the batch recognition request.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Detector    vad.Config    `mapstructure:"detector"`
}

func DefaultVADConfig() VADConfig {
	return VADConfig{
		SilenceTimeout: 400 * time.Millisecond,
		MaxDuration:    20 * time.Second,
		CallTimeout:    15 * time.Second,
		Detector:       vad.DefaultConfig(),
	}
}

func (c VADConfig) withDefaults() VADConfig {
	d := DefaultVADConfig()
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = d.SilenceTimeout
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.Detector == (vad.Config{}) {
		c.Detector = d.Detector
	}
	return c
}

// VADStrategy classifies frames locally and sends the whole turn to a
// batch recognizer once trailing silence follows speech.
type VADStrategy struct {
	cfg        VADConfig
	recognizer stt.BatchRecognizer
	opts       Options
	logger     *slog.Logger
	obs        metrics.Observer

	epoch  atomic.Uint64
	events *dispatcher

	mu     sync.Mutex
	turn   *vadTurn
	closed bool
}

type vadTurn struct {
	epoch      uint64
	state      State
	detector   *vad.Detector
	pcm        []byte
	speechSeen bool
	silence    time.Duration
	started    time.Time
	maxTimer   *time.Timer
	cancel     context.CancelFunc
	finalSent  bool
}

func NewVADStrategy(recognizer stt.BatchRecognizer, cfg VADConfig, opts Options, listener Listener) *VADStrategy {
	s := &VADStrategy{
		cfg:        cfg.withDefaults(),
		recognizer: recognizer,
		opts:       opts,
		logger:     opts.logger("vad"),
		obs:        opts.Observer,
	}
	if s.obs == nil {
		s.obs = metrics.NoopObserver{}
	}
	s.events = newDispatcher(listener, &s.epoch)
	s.turn = s.newTurn()
	return s
}

func (s *VADStrategy) newTurn() *vadTurn {
	return &vadTurn{
		epoch:    s.epoch.Load(),
		state:    StateIdle,
		detector: vad.New(s.cfg.Detector),
	}
}

func (s *VADStrategy) ProcessAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	samples := make([]int16, len(frame))
	audio.DecodeMulaw(samples, frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	t := s.turn
	switch t.state {
	case StateFinalizing, StateDone:
		return
	case StateIdle:
		if err := transition(&t.state, StateListening); err != nil {
			s.logger.Error("recognition_transition_rejected", "error", err)
			return
		}
		t.started = time.Now()
		epoch := t.epoch
		t.maxTimer = time.AfterFunc(s.cfg.MaxDuration, func() { s.onMaxDuration(epoch) })
	}

	t.pcm = append(t.pcm, audio.PCMBytes(samples)...)
	frameDur := time.Duration(len(frame)) * time.Second / audio.SampleRate

	switch t.detector.Classify(samples) {
	case vad.Speech:
		if !t.speechSeen {
			s.logger.Debug("speech_started", "turn", t.epoch)
		}
		t.speechSeen = true
		t.silence = 0
		return
	case vad.Noise:
		s.logger.Debug("noise_frame", "turn", t.epoch)
	}
	if !t.speechSeen {
		return
	}
	t.silence += frameDur
	if t.silence >= s.cfg.SilenceTimeout {
		s.finishLocked(t, "silence")
	}
}

func (s *VADStrategy) FinishTranscription() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.finishLocked(s.turn, "requested")
}

func (s *VADStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.abandonLocked(s.turn)
	s.epoch.Add(1)
	s.turn = s.newTurn()
}

func (s *VADStrategy) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.state
}

func (s *VADStrategy) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.abandonLocked(s.turn)
	s.mu.Unlock()
	s.events.close()
}

func (s *VADStrategy) abandonLocked(t *vadTurn) {
	stopTimer(t.maxTimer)
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (s *VADStrategy) onMaxDuration(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.turn
	if t.epoch != epoch || t.state != StateListening {
		return
	}
	s.finishLocked(t, "max_duration")
}

func (s *VADStrategy) finishLocked(t *vadTurn, reason string) {
	if t.state == StateFinalizing || t.state == StateDone {
		return
	}
	if err := transition(&t.state, StateFinalizing); err != nil {
		s.logger.Error("recognition_transition_rejected", "error", err)
		return
	}
	stopTimer(t.maxTimer)
	s.logger.Info("endpoint_detected", "reason", reason, "turn", t.epoch, "speech", t.speechSeen)

	if !t.speechSeen || len(t.pcm) == 0 {
		s.emitFinalLocked(t, "", 0)
		return
	}

	// The buffer now belongs to the batch call.
	pcm := t.pcm
	t.pcm = nil
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	t.cancel = cancel
	id := ulid.Make().String()
	metrics.Record(s.obs, metrics.EventRecognitionStart, 1, map[string]string{"provider": s.recognizer.Name(), "mode": "batch"})
	go s.runBatch(ctx, t.epoch, id, pcm)
}

func (s *VADStrategy) runBatch(ctx context.Context, epoch uint64, id string, pcm []byte) {
	started := time.Now()
	frag, err := s.recognizer.Transcribe(ctx, pcm, stt.Config{
		SessionID:  s.opts.SessionID,
		TraceID:    id,
		SampleRate: audio.SampleRate,
		Language:   s.opts.Language,
	})
	metrics.Record(s.obs, metrics.EventRecognitionEnd, time.Since(started).Seconds(), map[string]string{"provider": s.recognizer.Name()})

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.turn
	if t.epoch != epoch || t.finalSent {
		s.logger.Debug("stale_recognition_result_discarded", "call_id", id, "turn", epoch)
		return
	}
	t.cancel = nil
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTBatch)
		s.logger.Warn("batch_recognition_failed", "call_id", id, "error", err)
		metrics.Record(s.obs, metrics.EventRecognitionError, 1, map[string]string{"provider": s.recognizer.Name()})
		s.events.push(event{kind: eventError, epoch: epoch, err: err})
		s.emitFinalLocked(t, "", 0)
		return
	}
	confidence := frag.Confidence
	if frag.Text != "" && confidence == 0 {
		confidence = 0.9
	}
	s.emitFinalLocked(t, frag.Text, confidence)
}

func (s *VADStrategy) emitFinalLocked(t *vadTurn, text string, confidence float64) {
	if t.finalSent {
		return
	}
	t.finalSent = true
	if t.state == StateIdle || t.state == StateListening {
		_ = transition(&t.state, StateFinalizing)
	}
	if err := transition(&t.state, StateDone); err != nil {
		s.logger.Error("recognition_transition_rejected", "error", err)
		t.state = StateDone
	}
	s.abandonLocked(t)
	if text == "" {
		confidence = 0
	}
	var elapsed time.Duration
	if !t.started.IsZero() {
		elapsed = time.Since(t.started)
	}

	s.logger.Info("final_transcript", "turn", t.epoch, "chars", len(text), "confidence", confidence)
	metrics.Record(s.obs, metrics.EventFinalTranscript, elapsed.Seconds(), map[string]string{"strategy": "vad", "empty": boolTag(text == "")})
	s.events.push(event{kind: eventFinal, epoch: t.epoch, transcript: Transcript{
		Text: text, Confidence: confidence, Turn: t.epoch, Elapsed: elapsed,
	}})
}
