// Package vad classifies telephony PCM frames as speech, silence or noise.
package vad

import "math"

type Class int

const (
	Silence Class = iota
	Speech
	Noise
)

func (c Class) String() string {
	switch c {
	case Silence:
		return "silence"
	case Speech:
		return "speech"
	case Noise:
		return "noise"
	default:
		return "unknown"
	}
}

type Config struct {
	// SpeechThreshold is the normalized RMS level a frame needs to count
	// toward speech onset.
	SpeechThreshold float64 `mapstructure:"speech_threshold"`
	// SilenceThreshold is the level below which a frame is silence.
	SilenceThreshold float64 `mapstructure:"silence_threshold"`
	// SpeechFrames is the number of consecutive loud frames before speech
	// is declared.
	SpeechFrames int `mapstructure:"speech_frames"`
	// MaxZCR caps the zero-crossing rate of voiced frames. Louder frames
	// above it are treated as hiss.
	MaxZCR float64 `mapstructure:"max_zcr"`
}

func DefaultConfig() Config {
	return Config{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechFrames:     2,
		MaxZCR:           0.5,
	}
}

// Detector is an RMS energy classifier with hysteresis. Not safe for
// concurrent use.
type Detector struct {
	cfg       Config
	inSpeech  bool
	loudCount int
}

func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		cfg.SilenceThreshold = min(def.SilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = def.SpeechFrames
	}
	if cfg.MaxZCR <= 0 {
		cfg.MaxZCR = def.MaxZCR
	}
	return &Detector{cfg: cfg}
}

// Classify labels one frame of samples.
func (d *Detector) Classify(samples []int16) Class {
	level := RMS(samples)
	if level < d.cfg.SilenceThreshold {
		d.inSpeech = false
		d.loudCount = 0
		return Silence
	}
	voiced := level >= d.cfg.SpeechThreshold && ZeroCrossingRate(samples) <= d.cfg.MaxZCR
	if voiced {
		d.loudCount++
		if d.loudCount >= d.cfg.SpeechFrames {
			d.inSpeech = true
		}
	} else {
		d.loudCount = 0
	}
	if d.inSpeech {
		return Speech
	}
	return Noise
}

// InSpeech reports whether the detector is inside a speech run.
func (d *Detector) InSpeech() bool { return d.inSpeech }

func (d *Detector) Reset() {
	d.inSpeech = false
	d.loudCount = 0
}

// RMS returns the root-mean-square level normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs that change sign.
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
