// Package google adapts Cloud Speech-to-Text streaming recognition.
package google

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/resilience"
	"github.com/harunnryd/voxbridge/pkg/transcript"
)

type Config struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	Language        string `mapstructure:"language"`
	Model           string `mapstructure:"model"`
	Interim         bool   `mapstructure:"interim"`
	Punctuation     bool   `mapstructure:"punctuation"`
}

type openFunc func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// Recognizer runs one StreamingRecognize RPC per recognition call.
type Recognizer struct {
	cfg    Config
	client *speech.Client
	open   openFunc
	logger *slog.Logger
}

// New dials the Speech API. Without a credentials file the client falls back
// to application default credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Recognizer, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	r := newRecognizer(cfg, logger, func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return c.StreamingRecognize(ctx)
	})
	r.client = c
	return r, nil
}

func newRecognizer(cfg Config, logger *slog.Logger, open openFunc) *Recognizer {
	if cfg.Language == "" {
		cfg.Language = "es-ES"
	}
	return &Recognizer{cfg: cfg, open: open, logger: logging.NewComponentLogger(logger, "google_stt")}
}

func (r *Recognizer) Name() string { return "google_streaming" }

// Close releases the underlying gRPC connection.
func (r *Recognizer) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Recognizer) StartStream(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	language := cfg.Language
	if language == "" {
		language = r.cfg.Language
	}
	client, err := r.open(ctx)
	if err != nil {
		return nil, classify(err, errorsx.ReasonSTTConnect)
	}
	err = client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(cfg.SampleRate),
					LanguageCode:               language,
					Model:                      r.cfg.Model,
					EnableAutomaticPunctuation: r.cfg.Punctuation,
				},
				InterimResults: r.cfg.Interim,
			},
		},
	})
	if err != nil {
		return nil, classify(err, errorsx.ReasonSTTConnect)
	}

	s := &stream{
		client:  client,
		results: make(chan transcript.Fragment, 64),
		logger:  r.logger.With(slog.String("session_id", cfg.SessionID), slog.String("call_id", cfg.TraceID)),
	}
	go s.listen()
	return s, nil
}

type stream struct {
	client  speechpb.Speech_StreamingRecognizeClient
	results chan transcript.Fragment
	logger  *slog.Logger

	sendMu sync.Mutex
	closed bool

	mu  sync.Mutex
	err error
}

func (s *stream) Send(pcm []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return errorsx.New(errorsx.ReasonSTTSend, "send after close")
	}
	err := s.client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm},
	})
	if err != nil {
		return classify(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *stream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.CloseSend()
}

func (s *stream) Results() <-chan transcript.Fragment { return s.results }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// listen maps responses to fragments. Result ids count finals, so every
// in-progress result keeps its id until the final for it arrives.
func (s *stream) listen() {
	defer close(s.results)
	finals := 0
	for {
		resp, err := s.client.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			s.logger.Warn("google_stream_failed", slog.String("error", err.Error()))
			s.mu.Lock()
			s.err = classify(err, errorsx.ReasonSTTStream)
			s.mu.Unlock()
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			s.mu.Lock()
			s.err = classify(status.ErrorProto(st), errorsx.ReasonSTTStream)
			s.mu.Unlock()
			return
		}
		settled := 0
		for i, r := range resp.GetResults() {
			if len(r.GetAlternatives()) == 0 {
				continue
			}
			alt := r.GetAlternatives()[0]
			f := transcript.Fragment{
				ID:         strconv.Itoa(finals + i),
				Text:       alt.GetTranscript(),
				Partial:    !r.GetIsFinal(),
				Confidence: float64(alt.GetConfidence()),
			}
			if end := r.GetResultEndTime(); end != nil {
				f.End = end.AsDuration()
				f.HasTiming = true
			}
			if r.GetIsFinal() {
				settled++
			}
			s.results <- f
		}
		finals += settled
	}
}

func classify(err error, reason errorsx.ReasonCode) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		return errorsx.Wrap(resilience.RateLimitError{Provider: "google", Message: st.Message()}, errorsx.ReasonSTTRateLimit)
	}
	return errorsx.Wrap(err, reason)
}

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
