package twilio

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/transports"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Outbound describes a call the gateway places so that a bot talks to the
// callee. An empty VoiceURL routes the answered call to this gateway's
// voice webhook.
type Outbound struct {
	To, From string
	VoiceURL string
	transports.DialOptions
}

// Dialer places outbound calls through the Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	return &Dialer{cfg: cfg.withDefaults(), logger: logging.NewComponentLogger(logger, "twilio_dialer")}
}

// Place creates the call and returns its sid. The answered call streams to
// the bot named in the options; its end is reported to the status callback.
func (d *Dialer) Place(ctx context.Context, out Outbound) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !e164.MatchString(out.To) || !e164.MatchString(out.From) {
		return "", errorsx.New(errorsx.ReasonTransportDial, "to and from must be E.164 numbers, got %q and %q", out.To, out.From)
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.New(errorsx.ReasonTransportDial, "missing twilio credentials")
	}
	voiceURL, err := d.voiceURL(out)
	if err != nil {
		return "", err
	}

	params := &api.CreateCallParams{}
	params.SetTo(out.To)
	params.SetFrom(out.From)
	params.SetUrl(voiceURL)
	params.SetStatusCallback(d.gatewayURL(d.cfg.StatusCallbackPath))
	params.SetStatusCallbackEvent([]string{"completed"})
	if digits := strings.TrimSpace(out.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}
	if out.RingTimeout > 0 {
		params.SetTimeout(int(out.RingTimeout.Seconds()))
	}

	resp, err := d.creator().CreateCall(params)
	if err != nil {
		d.logger.Warn("outbound_call_failed", slog.String("to", out.To), slog.String("error", err.Error()))
		return "", errorsx.Wrap(err, errorsx.ReasonTransportDial)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.New(errorsx.ReasonTransportDial, "twilio returned no call sid")
	}
	d.logger.Info("outbound_call_placed",
		slog.String("call_sid", *resp.Sid),
		slog.String("to", out.To),
		slog.String("bot", out.Bot))
	return *resp.Sid, nil
}

func (d *Dialer) creator() callCreator {
	if d.client != nil {
		return d.client
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
	return rest.Api
}

// voiceURL carries the bot choice as a query parameter, which the voice
// webhook turns into a stream parameter.
func (d *Dialer) voiceURL(out Outbound) (string, error) {
	raw := out.VoiceURL
	if raw == "" {
		raw = d.gatewayURL(d.cfg.VoicePath)
	}
	if out.Bot == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportDial)
	}
	q := u.Query()
	q.Set("bot", out.Bot)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Dialer) gatewayURL(path string) string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + path
	}
	addr := d.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}
