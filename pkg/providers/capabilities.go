// Package providers describes the back ends the gateway can talk to.
// Adapters live in the sub-packages; this package only holds what the rest
// of the gateway needs to know about each kind without importing them.
package providers

import (
	"fmt"
	"strings"

	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
)

type Kind int

const (
	KindMock Kind = iota
	KindDeepgram
	KindGoogle
	KindOpenAI
	KindElevenLabs
)

func (k Kind) String() string {
	switch k {
	case KindMock:
		return "mock"
	case KindDeepgram:
		return "deepgram"
	case KindGoogle:
		return "google"
	case KindOpenAI:
		return "openai"
	case KindElevenLabs:
		return "elevenlabs"
	default:
		return "unknown"
	}
}

// ParseKind resolves a configured provider name.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mock":
		return KindMock, nil
	case "deepgram":
		return KindDeepgram, nil
	case "google":
		return KindGoogle, nil
	case "openai":
		return KindOpenAI, nil
	case "elevenlabs":
		return KindElevenLabs, nil
	}
	return KindMock, fmt.Errorf("unknown provider %q", name)
}

// Capabilities is what a provider kind supports and what it produces.
type Capabilities struct {
	StreamingRecognition bool
	BatchRecognition     bool
	// ResultIDs reports stable per-result ids in streaming recognition.
	ResultIDs  bool
	Synthesis  bool
	Generation bool
	// NativeEncoding and NativeSampleRate describe synthesized audio as
	// the provider returns it.
	NativeEncoding   tts.Encoding
	NativeSampleRate int
	DefaultVoice     string
	DefaultLanguage  string
}

var capabilities = map[Kind]Capabilities{
	KindMock: {
		StreamingRecognition: true,
		BatchRecognition:     true,
		Synthesis:            true,
		Generation:           true,
		NativeEncoding:       tts.EncodingMulaw,
		NativeSampleRate:     8000,
		DefaultVoice:         "mock",
		DefaultLanguage:      "es-ES",
	},
	KindDeepgram: {
		StreamingRecognition: true,
		DefaultLanguage:      "es",
	},
	KindGoogle: {
		StreamingRecognition: true,
		ResultIDs:            true,
		DefaultLanguage:      "es-ES",
	},
	KindOpenAI: {
		BatchRecognition: true,
		Synthesis:        true,
		Generation:       true,
		NativeEncoding:   tts.EncodingPCM16,
		NativeSampleRate: 24000,
		DefaultVoice:     "nova",
		DefaultLanguage:  "es",
	},
	KindElevenLabs: {
		Synthesis:        true,
		NativeEncoding:   tts.EncodingMulaw,
		NativeSampleRate: 8000,
		DefaultVoice:     "EXAVITQu4vr4xnSDxMaL",
		DefaultLanguage:  "es",
	},
}

// Lookup returns the capabilities of a kind. Unknown kinds support nothing.
func Lookup(k Kind) Capabilities {
	return capabilities[k]
}
