package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/transcript"
)

type STTConfig struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	// EmitInterim sends InterimTranscript as a partial after the first chunk.
	EmitInterim bool    `mapstructure:"emit_interim"`
	Confidence  float64 `mapstructure:"confidence"`
	// Fail makes every call fail. Used to exercise recovery paths.
	Fail bool `mapstructure:"fail"`
}

// StreamingRecognizer answers every call with a scripted transcript: the
// optional partial after the first chunk, the final once input closes.
type StreamingRecognizer struct {
	cfg STTConfig
}

func NewStreamingRecognizer(cfg STTConfig) *StreamingRecognizer {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.InterimTranscript == "" {
		cfg.InterimTranscript = cfg.Transcript
	}
	return &StreamingRecognizer{cfg: cfg}
}

func (r *StreamingRecognizer) Name() string { return "mock_stt" }

func (r *StreamingRecognizer) StartStream(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	if r.cfg.Fail {
		return nil, errors.New("mock recognizer unavailable")
	}
	s := &stream{cfg: r.cfg, out: make(chan transcript.Fragment, 8)}
	go func() {
		<-ctx.Done()
		s.finish(ctx.Err())
	}()
	return s, nil
}

type stream struct {
	cfg STTConfig
	out chan transcript.Fragment

	mu       sync.Mutex
	chunks   int
	finished bool
	err      error
}

func (s *stream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errors.New("stream closed")
	}
	s.chunks++
	if s.chunks == 1 && s.cfg.EmitInterim {
		s.out <- transcript.Fragment{ID: "0", Text: s.cfg.InterimTranscript, Partial: true}
	}
	return nil
}

func (s *stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	if s.chunks > 0 {
		s.out <- transcript.Fragment{ID: "0", Text: s.cfg.Transcript, Confidence: s.cfg.Confidence}
	}
	s.finished = true
	close(s.out)
	return nil
}

func (s *stream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.out)
}

func (s *stream) Results() <-chan transcript.Fragment { return s.out }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// BatchRecognizer returns the scripted transcript for any non-empty buffer.
type BatchRecognizer struct {
	cfg STTConfig

	mu    sync.Mutex
	calls int
}

func NewBatchRecognizer(cfg STTConfig) *BatchRecognizer {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &BatchRecognizer{cfg: cfg}
}

func (r *BatchRecognizer) Name() string { return "mock_batch_stt" }

func (r *BatchRecognizer) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (transcript.Fragment, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return transcript.Fragment{}, err
	}
	if r.cfg.Fail {
		return transcript.Fragment{}, errors.New("mock recognizer unavailable")
	}
	if len(pcm) == 0 {
		return transcript.Fragment{}, nil
	}
	return transcript.Fragment{Text: r.cfg.Transcript, Confidence: r.cfg.Confidence}, nil
}

// Calls returns how many batch requests were made.
func (r *BatchRecognizer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var (
	_ stt.StreamingRecognizer = (*StreamingRecognizer)(nil)
	_ stt.BatchRecognizer     = (*BatchRecognizer)(nil)
)
