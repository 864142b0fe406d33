// Package audiohook accepts the sequenced WebSocket protocol from the
// contact-center client and runs one protocol session per connection.
package audiohook

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/protocol"
	"github.com/harunnryd/voxbridge/pkg/transports"
)

const sessionIDHeader = "Audiohook-Session-Id"

type Config struct {
	Path string `mapstructure:"path"`
	// APIKey, when set, must match the X-API-KEY header of the upgrade
	// request.
	APIKey         string        `mapstructure:"api_key"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/audiohook"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Transport struct {
	cfg      Config
	backend  transports.Backend
	upgrader websocket.Upgrader
	sessions *transports.Registry
	logger   *slog.Logger
}

func New(cfg Config, backend transports.Backend, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		backend: backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: transports.NewRegistry(),
		logger:   logging.NewComponentLogger(logger, "audiohook"),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "audiohook" }

func (t *Transport) Register(mux *http.ServeMux) {
	mux.Handle(t.cfg.Path, t)
}

func (t *Transport) ActiveSessions() int { return t.sessions.Count() }

func (t *Transport) Drain() { t.sessions.Drain() }

func (t *Transport) Stop() error {
	t.sessions.CloseAll()
	return nil
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"audiohook_path": t.cfg.Path}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.sessions.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if t.cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-KEY")), []byte(t.cfg.APIKey)) != 1 {
		t.logger.Warn("audiohook_invalid_api_key", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("audiohook_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)

	deps := t.backend.CallDeps()
	traceID := uuid.NewString()
	sessionID := strings.TrimSpace(r.Header.Get(sessionIDHeader))
	logger := deps.Logger
	if logger == nil {
		logger = t.logger
	}
	logger = logger.With(slog.String("trace_id", traceID))

	wc := &wsConn{conn: conn, timeout: t.cfg.WriteTimeout}
	sess := protocol.NewSession(r.Context(), sessionID, wc, protocol.Deps{
		Bots:        deps.Bots,
		BotName:     r.URL.Query().Get("bot"),
		Recognition: deps.Recognition,
		ResultIDs:   deps.ResultIDs,
		Call:        deps.Call,
		Publisher:   deps.Publisher,
		Observer:    metrics.WithTags(deps.Observer, map[string]string{"trace_id": traceID, "transport": "audiohook"}),
		Logger:      logger,
	})
	if !t.sessions.Add(traceID, func() { _ = wc.Close() }) {
		sess.Close()
		_ = wc.Close()
		return
	}
	t.logger.Info("audiohook_connected",
		slog.String("trace_id", traceID),
		slog.String("session_id", sessionID),
		slog.String("remote_addr", r.RemoteAddr))

	defer func() {
		sess.Close()
		t.sessions.Remove(traceID)
		_ = wc.Close()
		t.logger.Info("audiohook_disconnected", slog.String("trace_id", traceID), slog.String("session_id", sess.ID()))
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !sess.Closed() {
				t.logger.Debug("audiohook_read_ended", slog.String("trace_id", traceID), slog.String("error", err.Error()))
			}
			return
		}
		switch mt {
		case websocket.TextMessage:
			if err := sess.HandleText(data); err != nil {
				if errors.Is(err, protocol.ErrClosed) {
					wc.closeNormal()
					return
				}
				t.logger.Warn("audiohook_message_failed", slog.String("trace_id", traceID), slog.String("error", err.Error()))
			}
		case websocket.BinaryMessage:
			sess.HandleBinary(data)
		}
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.EqualFold(a, origin) || strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// wsConn serializes writes on a gorilla connection, which allows only one
// concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) WriteText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *wsConn) write(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteMessage(mt, data)
}

func (c *wsConn) closeNormal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

var (
	errConnClosed = errors.New("audiohook: connection closed")

	_ transports.Transport     = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
	_ protocol.Conn            = (*wsConn)(nil)
)
