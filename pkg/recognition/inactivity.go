package recognition

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/audio"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/transcript"
)

// InactivityConfig tunes the streaming endpointing strategy.
type InactivityConfig struct {
	// MinFrames is the number of buffered frames needed before a call opens.
	MinFrames int `mapstructure:"min_frames"`
	// MinStartInterval spaces consecutive call starts within one turn.
	MinStartInterval time.Duration `mapstructure:"min_start_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	// InactivityTimeout ends the turn once the transcript stops changing.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	// InitialSilenceTimeout ends a turn that never produced text.
	InitialSilenceTimeout time.Duration `mapstructure:"initial_silence_timeout"`
	MaxDuration           time.Duration `mapstructure:"max_duration"`
	// ForceFinalTimeout bounds the wait for an open call to drain.
	ForceFinalTimeout time.Duration `mapstructure:"force_final_timeout"`
	// FinalCallTimeout bounds the wait for a call started during finalization.
	FinalCallTimeout  time.Duration `mapstructure:"final_call_timeout"`
	MaxFinalAttempts  int           `mapstructure:"max_final_attempts"`
	FlushSilenceBytes int           `mapstructure:"flush_silence_bytes"`
	AudioQueue        int           `mapstructure:"audio_queue"`
	Merge             MergeMode     `mapstructure:"merge"`
}

func DefaultInactivityConfig() InactivityConfig {
	return InactivityConfig{
		MinFrames:             5,
		MinStartInterval:      time.Second,
		PollInterval:          250 * time.Millisecond,
		InactivityTimeout:     1500 * time.Millisecond,
		InitialSilenceTimeout: 3 * time.Second,
		MaxDuration:           20 * time.Second,
		ForceFinalTimeout:     800 * time.Millisecond,
		FinalCallTimeout:      5 * time.Second,
		MaxFinalAttempts:      2,
		FlushSilenceBytes:     640,
		AudioQueue:            256,
		Merge:                 MergeAuto,
	}
}

func (c InactivityConfig) withDefaults() InactivityConfig {
	d := DefaultInactivityConfig()
	if c.MinFrames <= 0 {
		c.MinFrames = d.MinFrames
	}
	if c.MinStartInterval < 0 {
		c.MinStartInterval = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.InitialSilenceTimeout <= 0 {
		c.InitialSilenceTimeout = d.InitialSilenceTimeout
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.ForceFinalTimeout <= 0 {
		c.ForceFinalTimeout = d.ForceFinalTimeout
	}
	if c.FinalCallTimeout <= 0 {
		c.FinalCallTimeout = d.FinalCallTimeout
	}
	if c.MaxFinalAttempts < 0 {
		c.MaxFinalAttempts = 0
	}
	if c.FlushSilenceBytes <= 0 {
		c.FlushSilenceBytes = d.FlushSilenceBytes
	}
	if c.AudioQueue <= 0 {
		c.AudioQueue = d.AudioQueue
	}
	if c.Merge == "" {
		c.Merge = MergeAuto
	}
	return c
}

// InactivityStrategy streams each turn to a recognizer and ends the turn
// when the transcript stops changing.
type InactivityStrategy struct {
	cfg        InactivityConfig
	recognizer stt.StreamingRecognizer
	opts       Options
	logger     *slog.Logger
	obs        metrics.Observer

	epoch  atomic.Uint64
	events *dispatcher

	mu     sync.Mutex
	turn   *inactivityTurn
	closed bool
}

type inactivityTurn struct {
	epoch      uint64
	state      State
	reconciler transcript.Reconciler
	byID       bool
	source     string

	frames     [][]byte
	started    time.Time
	lastUpdate time.Time
	lastStart  time.Time
	confidence float64

	calls     map[string]*streamCall
	open      *streamCall
	retries   int
	finalSent bool

	stopPoll   chan struct{}
	maxTimer   *time.Timer
	forceTimer *time.Timer
}

type streamCall struct {
	id      string
	audio   chan []byte
	cancel  context.CancelFunc
	started time.Time
	final   bool
	closed  bool
}

// push and closeInput are only called with the strategy lock held.
func (c *streamCall) push(pcm []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.audio <- pcm:
		return true
	default:
		return false
	}
}

func (c *streamCall) closeInput() {
	if !c.closed {
		c.closed = true
		close(c.audio)
	}
}

func NewInactivityStrategy(recognizer stt.StreamingRecognizer, cfg InactivityConfig, opts Options, listener Listener) *InactivityStrategy {
	s := &InactivityStrategy{
		cfg:        cfg.withDefaults(),
		recognizer: recognizer,
		opts:       opts,
		logger:     opts.logger("inactivity"),
		obs:        opts.Observer,
	}
	if s.obs == nil {
		s.obs = metrics.NoopObserver{}
	}
	s.events = newDispatcher(listener, &s.epoch)
	s.turn = s.newTurn()
	return s
}

func (s *InactivityStrategy) newTurn() *inactivityTurn {
	rec := newReconciler(s.cfg.Merge, s.opts.ResultIDs)
	_, byID := rec.(*transcript.Accumulator)
	return &inactivityTurn{
		epoch:      s.epoch.Load(),
		state:      StateIdle,
		reconciler: rec,
		byID:       byID,
		calls:      make(map[string]*streamCall),
	}
}

func (s *InactivityStrategy) ProcessAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	pcm := audio.MulawToPCM16LE(frame)

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
		s.beginLocked(t)
	}

	t.frames = append(t.frames, pcm)
	if t.open != nil && !t.open.push(pcm) {
		s.logger.Warn("recognizer_audio_queue_full", "call_id", t.open.id)
		metrics.Record(s.obs, metrics.EventAudioDropped, float64(len(frame)), map[string]string{"reason": "recognizer_backpressure"})
	}
	if t.open == nil && len(t.frames) >= s.cfg.MinFrames && time.Since(t.lastStart) >= s.cfg.MinStartInterval {
		s.startCallLocked(t, false)
	}
}

func (s *InactivityStrategy) beginLocked(t *inactivityTurn) {
	if err := transition(&t.state, StateListening); err != nil {
		s.logger.Error("recognition_transition_rejected", "error", err)
		return
	}
	now := time.Now()
	t.started = now
	t.lastUpdate = now
	t.stopPoll = make(chan struct{})
	go s.poll(t.epoch, t.stopPoll)
	epoch := t.epoch
	t.maxTimer = time.AfterFunc(s.cfg.MaxDuration, func() { s.onMaxDuration(epoch) })
	s.logger.Debug("turn_started", "turn", t.epoch)
}

func (s *InactivityStrategy) FinishTranscription() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.finishLocked(s.turn, "requested")
}

func (s *InactivityStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.abandonLocked(s.turn)
	s.epoch.Add(1)
	s.turn = s.newTurn()
}

func (s *InactivityStrategy) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.state
}

func (s *InactivityStrategy) Close() {
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

func (s *InactivityStrategy) abandonLocked(t *inactivityTurn) {
	s.stopTimersLocked(t)
	stopTimer(t.forceTimer)
	for id, c := range t.calls {
		c.closeInput()
		c.cancel()
		delete(t.calls, id)
	}
	t.open = nil
}

func (s *InactivityStrategy) stopTimersLocked(t *inactivityTurn) {
	if t.stopPoll != nil {
		close(t.stopPoll)
		t.stopPoll = nil
	}
	stopTimer(t.maxTimer)
}

func (s *InactivityStrategy) startCallLocked(t *inactivityTurn, final bool) {
	ctx, cancel := context.WithCancel(context.Background())
	call := &streamCall{
		id:      ulid.Make().String(),
		audio:   make(chan []byte, s.cfg.AudioQueue),
		cancel:  cancel,
		started: time.Now(),
		final:   final,
	}
	replay := make([][]byte, len(t.frames))
	copy(replay, t.frames)

	t.calls[call.id] = call
	t.lastStart = call.started
	if final {
		call.closeInput()
	} else {
		t.open = call
	}

	mode := "stream"
	if final {
		mode = "final"
	}
	s.logger.Debug("recognition_call_started", "call_id", call.id, "mode", mode, "replay_frames", len(replay))
	metrics.Record(s.obs, metrics.EventRecognitionStart, 1, map[string]string{"provider": s.recognizer.Name(), "mode": mode})

	go s.runCall(ctx, t.epoch, call, replay)
}

func (s *InactivityStrategy) runCall(ctx context.Context, epoch uint64, call *streamCall, replay [][]byte) {
	stream, err := s.recognizer.StartStream(ctx, stt.Config{
		SessionID:  s.opts.SessionID,
		TraceID:    call.id,
		SampleRate: audio.SampleRate,
		Language:   s.opts.Language,
	})
	if err != nil {
		s.onCallDrained(epoch, call, errorsx.Wrap(err, errorsx.ReasonSTTConnect))
		return
	}
	go s.pump(ctx, epoch, stream, call, replay)
	for frag := range stream.Results() {
		s.onFragment(epoch, call, frag)
	}
	s.onCallDrained(epoch, call, stream.Err())
}

// pump sends the replayed turn buffer first, then live audio until the
// input side is closed. A rejected send releases the open slot while the
// call keeps draining its results.
func (s *InactivityStrategy) pump(ctx context.Context, epoch uint64, stream stt.Stream, call *streamCall, replay [][]byte) {
	for _, chunk := range replay {
		if ctx.Err() != nil {
			return
		}
		if err := stream.Send(chunk); err != nil {
			s.logger.Debug("recognition_send_failed", "call_id", call.id, "error", err)
			s.releaseInput(epoch, call)
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-call.audio:
			if !ok {
				if err := stream.CloseSend(); err != nil {
					s.logger.Debug("recognition_close_send_failed", "call_id", call.id, "error", err)
				}
				return
			}
			if err := stream.Send(chunk); err != nil {
				s.logger.Debug("recognition_send_failed", "call_id", call.id, "error", err)
				s.releaseInput(epoch, call)
				return
			}
		}
	}
}

func (s *InactivityStrategy) releaseInput(epoch uint64, call *streamCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.turn
	if t.epoch != epoch || t.open != call {
		return
	}
	call.closeInput()
	t.open = nil
}

func (s *InactivityStrategy) onFragment(epoch uint64, call *streamCall, frag transcript.Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.turn
	if t.epoch != epoch || t.finalSent {
		s.logger.Debug("stale_recognition_result_discarded", "call_id", call.id, "turn", epoch)
		return
	}

	// A replaying call re-recognizes the whole turn, so its ids supersede
	// those of earlier calls.
	if t.byID && t.source != call.id {
		if t.source != "" {
			t.reconciler.Reset()
		}
		t.source = call.id
	}

	before := t.reconciler.Text()
	t.reconciler.Add(frag)
	text := t.reconciler.Text()
	if text != before {
		t.lastUpdate = time.Now()
	}
	if !frag.Partial && frag.Confidence > 0 {
		t.confidence = frag.Confidence
	}

	elapsed := time.Since(t.started)
	if frag.Partial {
		s.events.push(event{kind: eventPartial, epoch: epoch, transcript: Transcript{
			Text: text, Confidence: frag.Confidence, Turn: epoch, Elapsed: elapsed,
		}})
		return
	}
	s.events.push(event{kind: eventSegment, epoch: epoch, transcript: Transcript{
		Text: frag.Text, Confidence: frag.Confidence, Turn: epoch, Elapsed: elapsed,
	}})
}

func (s *InactivityStrategy) onCallDrained(epoch uint64, call *streamCall, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.Record(s.obs, metrics.EventRecognitionEnd, time.Since(call.started).Seconds(), map[string]string{"provider": s.recognizer.Name()})

	t := s.turn
	if t.epoch != epoch {
		return
	}
	if _, ok := t.calls[call.id]; !ok {
		return
	}
	delete(t.calls, call.id)
	if t.open == call {
		t.open = nil
	}
	call.closeInput()
	call.cancel()

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		s.logger.Warn("recognition_call_failed", "call_id", call.id, "error", err, "reason", errorsx.Reason(err))
		metrics.Record(s.obs, metrics.EventRecognitionError, 1, map[string]string{"provider": s.recognizer.Name()})
		s.events.push(event{kind: eventError, epoch: epoch, err: err})
	} else {
		s.logger.Debug("recognition_call_drained", "call_id", call.id)
	}
	if t.finalSent {
		return
	}

	switch t.state {
	case StateListening:
		if err != nil {
			s.finishLocked(t, "recognition_error")
		}
	case StateFinalizing:
		if len(t.calls) > 0 {
			return
		}
		if err == nil && t.reconciler.Unflushed() && t.retries < s.cfg.MaxFinalAttempts {
			t.retries++
			s.logger.Debug("final_transcript_unflushed_retrying", "attempt", t.retries)
			s.startCallLocked(t, true)
			s.armForceLocked(t, s.cfg.FinalCallTimeout)
			return
		}
		s.emitFinalLocked(t, "drained")
	}
}

func (s *InactivityStrategy) poll(epoch uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.checkInactivity(epoch) {
				return
			}
		}
	}
}

// checkInactivity reports whether polling for this turn is over.
func (s *InactivityStrategy) checkInactivity(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.turn
	if t.epoch != epoch || t.state != StateListening {
		return true
	}
	now := time.Now()
	if t.reconciler.Text() != "" {
		if now.Sub(t.lastUpdate) >= s.cfg.InactivityTimeout {
			s.finishLocked(t, "inactivity")
			return true
		}
		return false
	}
	if now.Sub(t.started) >= s.cfg.InitialSilenceTimeout {
		s.finishLocked(t, "initial_silence")
		return true
	}
	return false
}

func (s *InactivityStrategy) onMaxDuration(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.turn
	if t.epoch != epoch || t.state != StateListening {
		return
	}
	s.finishLocked(t, "max_duration")
}

func (s *InactivityStrategy) finishLocked(t *inactivityTurn, reason string) {
	if t.state == StateFinalizing || t.state == StateDone {
		return
	}
	if err := transition(&t.state, StateFinalizing); err != nil {
		s.logger.Error("recognition_transition_rejected", "error", err)
		return
	}
	s.stopTimersLocked(t)
	s.logger.Info("endpoint_detected", "reason", reason, "turn", t.epoch, "calls_in_flight", len(t.calls))

	if len(t.frames) == 0 || t.reconciler.Text() == "" {
		s.emitFinalLocked(t, reason)
		return
	}

	flush := audio.MulawToPCM16LE(audio.Silence(s.cfg.FlushSilenceBytes))
	t.frames = append(t.frames, flush)
	if t.open != nil {
		t.open.push(flush)
		t.open.closeInput()
		t.open = nil
	}
	if len(t.calls) == 0 {
		s.startCallLocked(t, true)
		s.armForceLocked(t, s.cfg.FinalCallTimeout)
		return
	}
	s.armForceLocked(t, s.cfg.ForceFinalTimeout)
}

func (s *InactivityStrategy) armForceLocked(t *inactivityTurn, d time.Duration) {
	stopTimer(t.forceTimer)
	epoch := t.epoch
	t.forceTimer = time.AfterFunc(d, func() { s.forceFinal(epoch) })
}

func (s *InactivityStrategy) forceFinal(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.turn
	if t.epoch != epoch || t.finalSent {
		return
	}
	s.logger.Warn("final_transcript_forced", "turn", epoch, "calls_in_flight", len(t.calls))
	s.emitFinalLocked(t, "forced")
}

func (s *InactivityStrategy) emitFinalLocked(t *inactivityTurn, reason string) {
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

	text := t.reconciler.Text()
	confidence := 0.0
	if text != "" {
		confidence = t.confidence
		if confidence == 0 {
			confidence = 0.9
		}
	}
	var elapsed time.Duration
	if !t.started.IsZero() {
		elapsed = time.Since(t.started)
	}

	s.logger.Info("final_transcript", "reason", reason, "turn", t.epoch, "chars", len(text), "confidence", confidence)
	metrics.Record(s.obs, metrics.EventFinalTranscript, elapsed.Seconds(), map[string]string{"strategy": "inactivity", "empty": boolTag(text == "")})
	s.events.push(event{kind: eventFinal, epoch: t.epoch, transcript: Transcript{
		Text: text, Confidence: confidence, Turn: t.epoch, Elapsed: elapsed,
	}})
}
