package transports

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/voxbridge/pkg/bot"
	"github.com/harunnryd/voxbridge/pkg/call"
	"github.com/harunnryd/voxbridge/pkg/events"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/recognition"
)

// Transport carries calls from one kind of telephony client into the
// gateway. Implementations mount their handlers on the gateway's mux and
// own the sockets they accept.
type Transport interface {
	Name() string
	Register(mux *http.ServeMux)
	ActiveSessions() int
	// Drain refuses new sessions. Calls in progress continue.
	Drain()
	// Stop ends every active session.
	Stop() error
}

// CallDeps is everything a transport needs to run one conversation.
type CallDeps struct {
	Bots        *bot.Service
	Recognition recognition.Factory
	ResultIDs   bool
	Call        call.Config
	Publisher   events.Publisher
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// Backend supplies dependencies for new calls. The values may change
// between calls when configuration is reloaded.
type Backend interface {
	CallDeps() CallDeps
}

type BackendFunc func() CallDeps

func (f BackendFunc) CallDeps() CallDeps { return f() }

// DTMFSender allows transports to send DTMF digits during an active call.
type DTMFSender interface {
	SendDTMF(ctx context.Context, callSID, digits string) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
	// Bot selects the bot profile that answers the outbound call.
	Bot string
	// RingTimeout is how long the callee may ring before the call is
	// abandoned. Zero keeps the carrier default.
	RingTimeout time.Duration
}

type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter exposes readiness metadata such as webhook URLs for the
// startup log.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
