package tts

import "context"

type Encoding int

const (
	EncodingMulaw Encoding = iota
	EncodingPCM16
)

func (e Encoding) String() string {
	if e == EncodingPCM16 {
		return "pcm16"
	}
	return "mulaw"
}

// Audio is synthesized speech in the synthesizer's native format.
type Audio struct {
	Data       []byte
	Encoding   Encoding
	SampleRate int
}

// Voice selects how text is spoken. Empty fields use provider defaults.
type Voice struct {
	ID       string
	Language string
	Speed    float64
}

// Synthesizer turns reply text into audio. Empty text yields empty audio.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Synthesize(ctx context.Context, text string, voice Voice) (Audio, error)
}
