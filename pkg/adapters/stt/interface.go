package stt

import (
	"context"

	"github.com/harunnryd/voxbridge/pkg/transcript"
)

// Stream is one open streaming recognition call. Audio is 16-bit
// little-endian PCM at Config.SampleRate.
type Stream interface {
	// Send forwards one chunk of audio.
	Send(pcm []byte) error
	// CloseSend ends the input side; results keep arriving until the
	// back end drains.
	CloseSend() error
	// Results is closed once the call has drained or failed.
	Results() <-chan transcript.Fragment
	// Err reports why Results closed. Nil on a clean drain.
	Err() error
}

// StreamingRecognizer opens streaming recognition calls. Cancelling the
// context passed to StartStream abandons the call.
type StreamingRecognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	StartStream(ctx context.Context, cfg Config) (Stream, error)
}

// BatchRecognizer transcribes a complete buffered turn in one request.
type BatchRecognizer interface {
	Name() string
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (transcript.Fragment, error)
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SessionID  string
	TraceID    string
	SampleRate int
	Language   string
}
