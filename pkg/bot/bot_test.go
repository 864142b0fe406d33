package bot

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/audio"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/providers"
	"github.com/harunnryd/voxbridge/pkg/providers/mock"
)

type failingSynth struct {
	calls int
}

func (f *failingSynth) Name() string { return "failing" }

func (f *failingSynth) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
	f.calls++
	return tts.Audio{}, errors.New("synthesis down")
}

type pcmSynth struct {
	voices []tts.Voice
}

func (p *pcmSynth) Name() string { return "pcm" }

func (p *pcmSynth) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
	p.voices = append(p.voices, voice)
	return tts.Audio{Data: make([]byte, 4800), Encoding: tts.EncodingPCM16, SampleRate: 24000}, nil
}

func newTestService(t *testing.T, gen *mock.Generator, primary tts.Synthesizer, alternate tts.Synthesizer, obs metrics.Observer) *Service {
	t.Helper()
	catalog, err := NewCatalog(nil, "")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	var alt *Voice
	if alternate != nil {
		alt = &Voice{Kind: providers.KindOpenAI, Synthesizer: alternate}
	}
	return NewService(Config{}, catalog, gen, Voice{Kind: providers.KindElevenLabs, Synthesizer: primary}, alt, obs, logging.Discard())
}

func TestCatalogResolve(t *testing.T) {
	c, err := NewCatalog([]Profile{{Name: "Mia"}, {Name: "soporte", Greeting: "Hola, soporte."}}, "")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	p, err := c.Resolve("")
	if err != nil || p.Name != "Mia" || p.Greeting != DefaultGreeting {
		t.Fatalf("expected default profile with default greeting, got %+v err=%v", p, err)
	}
	p, err = c.Resolve(" SOPORTE ")
	if err != nil || p.Greeting != "Hola, soporte." {
		t.Fatalf("expected soporte profile, got %+v err=%v", p, err)
	}
	if _, err := c.Resolve("ventas"); !errors.Is(err, ErrUnknownBot) {
		t.Fatalf("expected ErrUnknownBot, got %v", err)
	}
	if _, err := NewCatalog([]Profile{{Name: "a"}}, "b"); err == nil {
		t.Fatalf("expected missing default to fail")
	}
	if _, err := NewCatalog([]Profile{{Name: "a"}, {Name: "A"}}, ""); err == nil {
		t.Fatalf("expected duplicate profile to fail")
	}
}

func TestGreeting(t *testing.T) {
	synth := mock.NewSynthesizer(mock.TTSConfig{})
	svc := newTestService(t, mock.NewGenerator(mock.LLMConfig{}), synth, nil, nil)
	b, err := svc.Open("", "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resp := b.Greeting(context.Background())
	if resp.Text != DefaultGreeting || resp.Disposition != DispositionMatch || len(resp.Audio) == 0 {
		t.Fatalf("unexpected greeting %+v", resp)
	}
	if resp.Duration() <= 0 {
		t.Fatalf("expected positive duration")
	}
}

func TestReplyUsesGeneratorAndKeepsHistory(t *testing.T) {
	synth := mock.NewSynthesizer(mock.TTSConfig{})
	svc := newTestService(t, mock.NewGenerator(mock.LLMConfig{Confidence: 0.8}), synth, nil, nil)
	b, _ := svc.Open("", "s1")
	resp := b.Reply(context.Background(), " quiero pagar ")
	if resp.Text != "Entendido: quiero pagar" || resp.Confidence != 0.8 || resp.Disposition != DispositionMatch {
		t.Fatalf("unexpected reply %+v", resp)
	}
	msgs := b.conv.Messages()
	if len(msgs) != 2 || msgs[0].Content != "quiero pagar" || msgs[1].Content != resp.Text {
		t.Fatalf("unexpected history %+v", msgs)
	}
	b.Reset()
	if len(b.conv.Messages()) != 0 {
		t.Fatalf("expected history cleared")
	}
}

func TestReplyGeneratorFailureApologizes(t *testing.T) {
	synth := mock.NewSynthesizer(mock.TTSConfig{})
	obs := metrics.NewMemoryObserver()
	svc := newTestService(t, mock.NewGenerator(mock.LLMConfig{Fail: true}), synth, nil, obs)
	b, _ := svc.Open("", "s1")
	resp := b.Reply(context.Background(), "hola")
	if resp.Text != ApologyText || resp.Disposition != DispositionNoMatch || resp.Confidence != 0.5 {
		t.Fatalf("unexpected fallback %+v", resp)
	}
	if len(resp.Audio) == 0 {
		t.Fatalf("expected the apology to be synthesized")
	}
	if obs.Count(metrics.EventLLMFallback) != 1 {
		t.Fatalf("expected one llm fallback event")
	}
	if len(b.conv.Messages()) != 0 {
		t.Fatalf("failed turn should not enter history")
	}
}

func TestReplyFallsBackToAlternateSynthesizer(t *testing.T) {
	failing := mock.NewSynthesizer(mock.TTSConfig{Fail: true})
	alt := &pcmSynth{}
	obs := metrics.NewMemoryObserver()
	svc := newTestService(t, mock.NewGenerator(mock.LLMConfig{ResponseText: "claro"}), failing, alt, obs)
	b, _ := svc.Open("", "s1")
	resp := b.Reply(context.Background(), "hola")
	if resp.Fallback != "alternate_tts" {
		t.Fatalf("expected alternate synthesis, got %q", resp.Fallback)
	}
	// 4800 bytes of 24 kHz PCM is 2400 samples, 800 at 8 kHz.
	if len(resp.Audio) != 800 {
		t.Fatalf("expected 800 µ-law bytes, got %d", len(resp.Audio))
	}
	if len(alt.voices) != 1 || alt.voices[0].ID != "nova" {
		t.Fatalf("expected alternate default voice, got %+v", alt.voices)
	}
	if obs.Count(metrics.EventTTSFallback) != 1 {
		t.Fatalf("expected one tts fallback event")
	}
}

func TestReplyTextOnlyWhenAllSynthesisFails(t *testing.T) {
	failing := mock.NewSynthesizer(mock.TTSConfig{Fail: true})
	svc := newTestService(t, mock.NewGenerator(mock.LLMConfig{ResponseText: "claro"}), failing, mock.NewSynthesizer(mock.TTSConfig{Fail: true}), nil)
	b, _ := svc.Open("", "s1")
	resp := b.Reply(context.Background(), "hola")
	if resp.Text != "claro" || len(resp.Audio) != 0 || resp.Fallback != "text_only" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestPrimaryBreakerSkipsFailingSynthesizer(t *testing.T) {
	failing := &failingSynth{}
	alt := mock.NewSynthesizer(mock.TTSConfig{})
	svc := newTestService(t, mock.NewGenerator(mock.LLMConfig{ResponseText: "ok"}), failing, alt, nil)
	b, _ := svc.Open("", "s1")
	for i := 0; i < 5; i++ {
		b.Reply(context.Background(), "hola")
	}
	if got := failing.calls; got != 3 {
		t.Fatalf("expected breaker to stop primary after 3 failures, got %d calls", got)
	}
	if got := len(alt.Texts()); got != 5 {
		t.Fatalf("expected alternate to serve every turn, got %d", got)
	}
}

func TestNormalize(t *testing.T) {
	mulaw := audio.Silence(160)
	if got := Normalize(tts.Audio{Data: mulaw, Encoding: tts.EncodingMulaw, SampleRate: 8000}); len(got) != 160 {
		t.Fatalf("expected passthrough, got %d bytes", len(got))
	}
	pcm := audio.PCMBytes(make([]int16, 160))
	got := Normalize(tts.Audio{Data: pcm, Encoding: tts.EncodingPCM16, SampleRate: 8000})
	if len(got) != 160 || got[0] != audio.LinearToMulaw(0) {
		t.Fatalf("unexpected pcm conversion")
	}
	got = Normalize(tts.Audio{Data: audio.PCMBytes(make([]int16, 320)), Encoding: tts.EncodingPCM16, SampleRate: 16000})
	if len(got) != 160 {
		t.Fatalf("expected downsampled 160 bytes, got %d", len(got))
	}
}

func TestLimitReply(t *testing.T) {
	cases := []struct {
		in        string
		sentences int
		chars     int
		want      string
		cut       bool
	}{
		{"Hola. ¿Qué tal? Adiós.", 2, 0, "Hola. ¿Qué tal?", true},
		{"Su saldo es cero", 3, 0, "Su saldo es cero", false},
		{"una respuesta bastante larga", 0, 15, "una respuesta", true},
		{"corta", 0, 0, "corta", false},
	}
	for _, tc := range cases {
		got, cut := limitReply(tc.in, tc.sentences, tc.chars)
		if got != tc.want || cut != tc.cut {
			t.Fatalf("limitReply(%q): got %q cut=%v, want %q cut=%v", tc.in, got, cut, tc.want, tc.cut)
		}
	}
}
