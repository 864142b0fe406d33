package twilio

import (
	"context"
	"errors"
	"testing"
	"time"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/transports"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func newTestDialer(cfg Config, stub *stubCreator) *Dialer {
	cfg.AccountSID = "AC1"
	cfg.AuthToken = "token"
	d := NewDialer(cfg, logging.Discard())
	d.client = stub
	return d
}

func TestPlaceRoutesAnsweredCallToGateway(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	d := newTestDialer(Config{PublicURL: "https://voice.example.com/"}, stub)

	sid, err := d.Place(context.Background(), Outbound{To: "+34600000001", From: "+34910000000"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last.Url == nil || *stub.last.Url != "https://voice.example.com/twilio/voice" {
		t.Fatalf("unexpected voice url %v", stub.last.Url)
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://voice.example.com/twilio/status" {
		t.Fatalf("expected status callback to point at the gateway")
	}
	if stub.last.Timeout != nil || stub.last.SendDigits != nil {
		t.Fatalf("unset options must not be sent")
	}
}

func TestPlaceCarriesBotAndOptions(t *testing.T) {
	stub := &stubCreator{sid: "CA777"}
	d := newTestDialer(Config{ServerAddr: ":9090"}, stub)

	_, err := d.Place(context.Background(), Outbound{
		To:   "+34600000001",
		From: "+34910000000",
		DialOptions: transports.DialOptions{
			Bot:         "mia",
			SendDigits:  " W123# ",
			RingTimeout: 25 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if *stub.last.Url != "http://localhost:9090/twilio/voice?bot=mia" {
		t.Fatalf("expected bot on the voice url, got %s", *stub.last.Url)
	}
	if stub.last.SendDigits == nil || *stub.last.SendDigits != "W123#" {
		t.Fatalf("expected trimmed digits")
	}
	if stub.last.Timeout == nil || *stub.last.Timeout != 25 {
		t.Fatalf("expected a 25s ring timeout")
	}
}

func TestPlaceKeepsOverrideQuery(t *testing.T) {
	stub := &stubCreator{sid: "CA999"}
	d := newTestDialer(Config{}, stub)

	out := Outbound{To: "+34600000001", From: "+34910000000", VoiceURL: "https://other.example.com/voice?lang=es"}
	out.Bot = "soporte"
	if _, err := d.Place(context.Background(), out); err != nil {
		t.Fatalf("place: %v", err)
	}
	if *stub.last.Url != "https://other.example.com/voice?bot=soporte&lang=es" {
		t.Fatalf("unexpected voice url %s", *stub.last.Url)
	}
}

func TestPlaceRejectsBadInput(t *testing.T) {
	stub := &stubCreator{sid: "CA1"}
	d := newTestDialer(Config{}, stub)

	if _, err := d.Place(context.Background(), Outbound{To: "600000001", From: "+34910000000"}); !errors.Is(err, errorsx.ReasonTransportDial) {
		t.Fatalf("expected dial reason for a non E.164 number, got %v", err)
	}
	if stub.last != nil {
		t.Fatalf("no call should be created for invalid numbers")
	}

	noCreds := NewDialer(Config{}, logging.Discard())
	noCreds.client = stub
	if _, err := noCreds.Place(context.Background(), Outbound{To: "+34600000001", From: "+34910000000"}); err == nil {
		t.Fatalf("expected missing credentials error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Place(ctx, Outbound{To: "+34600000001", From: "+34910000000"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestPlaceWrapsCarrierError(t *testing.T) {
	stub := &stubCreator{err: errors.New("21215: geo permission")}
	d := newTestDialer(Config{}, stub)

	_, err := d.Place(context.Background(), Outbound{To: "+34600000001", From: "+34910000000"})
	if errorsx.Reason(err) != errorsx.ReasonTransportDial {
		t.Fatalf("expected dial reason, got %v", err)
	}
}

func TestTransportDialUsesDialer(t *testing.T) {
	stub := &stubCreator{sid: "CA55"}
	tr := New(Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "voice.example.com"}, nil, logging.Discard())
	tr.createClient = stub

	sid, err := tr.DialWithOptions(context.Background(), "+34600000001", "+34910000000", "", transports.DialOptions{Bot: "mia"})
	if err != nil || sid != "CA55" {
		t.Fatalf("dial: sid=%q err=%v", sid, err)
	}
	if *stub.last.Url != "https://voice.example.com/twilio/voice?bot=mia" {
		t.Fatalf("unexpected voice url %s", *stub.last.Url)
	}
}
