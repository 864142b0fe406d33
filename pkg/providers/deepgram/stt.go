package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/transcript"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        bool   `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	// DrainIdle is how long a stream with closed input may stay silent
	// before it counts as drained.
	DrainIdle time.Duration `mapstructure:"drain_idle"`
}

// Recognizer opens one Deepgram live connection per recognition call.
type Recognizer struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Recognizer {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.DrainIdle <= 0 {
		cfg.DrainIdle = 600 * time.Millisecond
	}
	return &Recognizer{cfg: cfg, logger: logging.NewComponentLogger(logger, "deepgram_stt")}
}

func (r *Recognizer) Name() string { return "deepgram_streaming" }

func (r *Recognizer) StartStream(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	if r.cfg.APIKey == "" {
		return nil, errorsx.New(errorsx.ReasonSTTConnect, "missing deepgram api key")
	}
	language := cfg.Language
	if language == "" {
		language = r.cfg.Language
	}
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &stream{
		results:  make(chan transcript.Fragment, 64),
		done:     make(chan struct{}),
		cancel:   cancel,
		pipe:     pw,
		drain:    r.cfg.DrainIdle,
		lastSeen: time.Now(),
		logger:   r.logger.With(slog.String("session_id", cfg.SessionID), slog.String("call_id", cfg.TraceID)),
	}

	options := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       language,
		Encoding:       "linear16",
		SampleRate:     cfg.SampleRate,
		Channels:       1,
		InterimResults: r.cfg.Interim,
		Punctuate:      true,
		SmartFormat:    true,
	}
	if r.cfg.UtteranceEndMS > 0 {
		options.UtteranceEndMs = fmt.Sprintf("%d", r.cfg.UtteranceEndMS)
		options.VadEvents = true
	}

	dg, err := client.NewWSUsingCallback(ctx, r.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, options, &callback{s: s})
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	if connected := dg.Connect(); !connected {
		cancel()
		s.logger.Error("deepgram_connect_failed")
		return nil, errorsx.New(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}
	s.dg = dg
	s.logger.Debug("deepgram_connected", slog.String("model", r.cfg.Model), slog.Int("sample_rate", cfg.SampleRate))

	go func() {
		if err := dg.Stream(pr); err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
			s.finish(errorsx.Wrap(err, errorsx.ReasonSTTStream))
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.finish(ctx.Err())
		case <-s.done:
		}
	}()
	return s, nil
}

type stream struct {
	dg      *client.WSCallback
	results chan transcript.Fragment
	done    chan struct{}
	cancel  context.CancelFunc
	pipe    *io.PipeWriter
	drain   time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	lastSeen  time.Time
	inputDone bool
	finished  bool
	err       error
	// senders tracks emits blocked on results; finish waits for them
	// before closing the channel.
	senders sync.WaitGroup
}

func (s *stream) Send(pcm []byte) error {
	if _, err := s.pipe.Write(pcm); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

// CloseSend ends the audio input and waits, in the background, for the
// connection to go quiet before closing Results.
func (s *stream) CloseSend() error {
	s.mu.Lock()
	if s.inputDone {
		s.mu.Unlock()
		return nil
	}
	s.inputDone = true
	s.lastSeen = time.Now()
	s.mu.Unlock()

	err := s.pipe.Close()
	go s.awaitDrain()
	return err
}

func (s *stream) awaitDrain() {
	ticker := time.NewTicker(s.drain / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastSeen)
			s.mu.Unlock()
			if idle >= s.drain {
				s.finish(nil)
				return
			}
		}
	}
}

func (s *stream) Results() <-chan transcript.Fragment { return s.results }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) emit(f transcript.Fragment) {
	s.mu.Lock()
	s.lastSeen = time.Now()
	if s.finished || f.Text == "" {
		s.mu.Unlock()
		return
	}
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()

	select {
	case s.results <- f:
	case <-s.done:
	}
}

func (s *stream) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *stream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	close(s.done)
	s.mu.Unlock()

	s.senders.Wait()
	close(s.results)

	_ = s.pipe.Close()
	s.cancel()
	if s.dg != nil {
		s.dg.Stop()
	}
}

// --- Callback Implementation ---

type callback struct {
	s *stream
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.s.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		c.s.touch()
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	c.s.emit(transcript.Fragment{
		Text:       alt.Transcript,
		Partial:    !mr.IsFinal,
		Confidence: alt.Confidence,
		Start:      seconds(mr.Start),
		End:        seconds(mr.Start + mr.Duration),
		HasTiming:  true,
	})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.s.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.s.touch()
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.s.touch()
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.s.logger.Debug("deepgram_connection_closed")
	c.s.finish(nil)
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.s.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.s.finish(errorsx.New(errorsx.ReasonSTTStream, "deepgram: %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.s.logger.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
