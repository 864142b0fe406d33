package vad

import (
	"math"
	"testing"
)

func tone(n int, freq, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/8000))
	}
	return out
}

func alternating(n int, amp int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amp
		} else {
			out[i] = -amp
		}
	}
	return out
}

func TestClassifySpeechNeedsSustainedFrames(t *testing.T) {
	d := New(Config{SpeechFrames: 2})
	frame := tone(160, 300, 8000)
	if got := d.Classify(frame); got != Noise {
		t.Fatalf("first loud frame should not yet be speech, got %s", got)
	}
	if got := d.Classify(frame); got != Speech {
		t.Fatalf("second loud frame should be speech, got %s", got)
	}
	if !d.InSpeech() {
		t.Fatalf("expected in speech")
	}
}

func TestClassifySilenceEndsSpeech(t *testing.T) {
	d := New(Config{SpeechFrames: 1})
	d.Classify(tone(160, 300, 8000))
	if got := d.Classify(make([]int16, 160)); got != Silence {
		t.Fatalf("zero frame should be silence, got %s", got)
	}
	if d.InSpeech() {
		t.Fatalf("silence should end speech")
	}
}

func TestClassifyHysteresisKeepsSoftSpeech(t *testing.T) {
	d := New(Config{SpeechFrames: 1, SpeechThreshold: 0.1, SilenceThreshold: 0.01})
	d.Classify(tone(160, 300, 10000))
	soft := tone(160, 300, 1000) // between thresholds
	if got := d.Classify(soft); got != Speech {
		t.Fatalf("soft frame inside speech should stay speech, got %s", got)
	}
	d.Reset()
	if got := d.Classify(soft); got != Noise {
		t.Fatalf("soft frame outside speech is noise, got %s", got)
	}
}

func TestClassifyHissIsNoise(t *testing.T) {
	d := New(Config{SpeechFrames: 1})
	hiss := alternating(160, 4000)
	if ZeroCrossingRate(hiss) < 0.9 {
		t.Fatalf("expected high zcr")
	}
	if got := d.Classify(hiss); got != Noise {
		t.Fatalf("hiss should be noise, got %s", got)
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 || RMS(make([]int16, 10)) != 0 {
		t.Fatalf("expected zero rms")
	}
	if got := RMS(alternating(100, 16384)); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected 0.5, got %f", got)
	}
}
