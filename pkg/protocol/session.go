package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/harunnryd/voxbridge/pkg/bot"
	"github.com/harunnryd/voxbridge/pkg/call"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/events"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/recognition"
)

// ErrClosed is returned once the session will accept no more input. The
// transport closes the socket when it sees it.
var ErrClosed = errors.New("protocol: session closed")

const (
	infoInvalidSeq       = "Invalid client sequence number."
	infoInvalidServerSeq = "Invalid server sequence number."
	infoInvalidID        = "Invalid ID specified."
	infoInvalidMessage   = "Invalid message."
	infoUnknownBot       = "Bot not found."
	infoUnsupportedMedia = "No supported media format offered."
)

// Conn is the write side of the socket a session talks over.
type Conn interface {
	WriteText(data []byte) error
	WriteBinary(data []byte) error
}

type Deps struct {
	Bots *bot.Service
	// BotName selects the bot profile; empty picks the catalog default.
	BotName     string
	Recognition recognition.Factory
	ResultIDs   bool
	Call        call.Config
	Publisher   events.Publisher
	Observer    metrics.Observer
	Logger      *slog.Logger
}

type sessionState int

const (
	stateNew sessionState = iota
	stateOpen
	stateDisconnecting
	stateClosed
)

// Session is one call on the wire. HandleText and HandleBinary are called
// from the transport's read loop; the coordinator writes replies through
// the Sink methods from its own goroutines.
type Session struct {
	conn   Conn
	deps   Deps
	obs    metrics.Observer
	logger *slog.Logger
	ctx    context.Context

	// mu serializes writes so server seq order matches wire order.
	mu        sync.Mutex
	id        string
	state     sessionState
	clientSeq int64
	serverSeq int64
	media     *MediaParameter
	coord     *call.Coordinator
	ended     bool
}

// NewSession binds a session to conn. An empty id is taken from the first
// client message.
func NewSession(ctx context.Context, id string, conn Conn, deps Deps) *Session {
	obs := deps.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
		deps.Observer = obs
	}
	s := &Session{
		conn:   conn,
		deps:   deps,
		obs:    obs,
		ctx:    ctx,
		id:     id,
		logger: logging.NewComponentLogger(deps.Logger, "protocol"),
	}
	metrics.Record(obs, metrics.EventSessionStart, 1, nil)
	return s
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Closed reports whether the session finished, by either side.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

// HandleText processes one control message.
func (s *Session) HandleText(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.mu.Lock()
		s.rejectLocked(errorsx.Wrap(err, errorsx.ReasonProtocolDecode), infoInvalidMessage)
		s.mu.Unlock()
		s.shutdown()
		return ErrClosed
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.id == "" {
		s.id = msg.ID
	}
	if info, err := s.validateLocked(msg); err != nil {
		s.rejectLocked(err, info)
		s.mu.Unlock()
		s.shutdown()
		return ErrClosed
	}
	disconnecting := s.state == stateDisconnecting
	s.mu.Unlock()

	if disconnecting && msg.Type != TypeClose && msg.Type != TypeDisconnect {
		s.logger.Debug("message_ignored_while_disconnecting", slog.String("type", msg.Type), slog.Int64("seq", msg.Seq))
		return nil
	}
	return s.dispatch(msg)
}

// validateLocked applies the sequencing rules in order: client seq, then
// acknowledged server seq, then session id. The client seq is accepted
// before the later checks run.
func (s *Session) validateLocked(msg ClientMessage) (string, error) {
	if msg.Seq != s.clientSeq+1 {
		return infoInvalidSeq, errorsx.New(errorsx.ReasonProtocolSequence, "expected seq %d, got %d", s.clientSeq+1, msg.Seq)
	}
	s.clientSeq = msg.Seq
	if msg.ServerSeq > s.serverSeq || msg.ServerSeq < 0 {
		return infoInvalidServerSeq, errorsx.New(errorsx.ReasonProtocolServerSeq, "serverseq %d exceeds issued %d", msg.ServerSeq, s.serverSeq)
	}
	if msg.ID != s.id {
		return infoInvalidID, errorsx.New(errorsx.ReasonProtocolSessionID, "id %q does not match session", msg.ID)
	}
	return "", nil
}

// rejectLocked answers a violation with a single disconnect and ends the
// session.
func (s *Session) rejectLocked(err error, info string) {
	if s.state == stateClosed {
		return
	}
	s.logger.Warn("protocol_violation",
		slog.String("session_id", s.id),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	metrics.Record(s.obs, metrics.EventProtocolViolation, 1, map[string]string{"reason": string(errorsx.Reason(err))})
	if s.state != stateDisconnecting {
		s.sendLocked(TypeDisconnect, DisconnectParameters{Reason: "error", Info: info, OutputVariables: map[string]string{}})
	}
	s.state = stateClosed
}

func (s *Session) dispatch(msg ClientMessage) error {
	switch msg.Type {
	case TypeOpen:
		return s.handleOpen(msg)
	case TypePing:
		return s.reply(TypePong, empty{})
	case TypePause:
		if c := s.coordinator(); c != nil {
			c.Pause()
		}
		return s.reply(TypePaused, empty{})
	case TypeResume:
		if c := s.coordinator(); c != nil {
			c.Resume()
		}
		return s.reply(TypeResumed, empty{})
	case TypePlaybackStarted:
		if c := s.coordinator(); c != nil {
			c.PlaybackStarted()
		}
	case TypePlaybackCompleted:
		if c := s.coordinator(); c != nil {
			c.PlaybackCompleted()
		}
	case TypeDTMF:
		var p DTMFParameters
		if err := json.Unmarshal(msg.Parameters, &p); err != nil {
			s.logger.Warn("dtmf_parameters_invalid", slog.String("error", err.Error()))
			return nil
		}
		if c := s.coordinator(); c != nil {
			c.DTMF(p.Digit)
		}
	case TypeClose:
		var p CloseParameters
		_ = json.Unmarshal(msg.Parameters, &p)
		s.logger.Info("close_requested", slog.String("session_id", msg.ID), slog.String("reason", p.Reason))
		s.mu.Lock()
		s.sendLocked(TypeClosed, empty{})
		s.state = stateClosed
		s.mu.Unlock()
		s.shutdown()
		return ErrClosed
	case TypeDisconnect:
		var p DisconnectParameters
		_ = json.Unmarshal(msg.Parameters, &p)
		s.logger.Info("client_disconnected", slog.String("session_id", msg.ID), slog.String("reason", p.Reason), slog.String("info", p.Info))
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		s.shutdown()
		return ErrClosed
	case TypeError:
		var p ErrorParameters
		_ = json.Unmarshal(msg.Parameters, &p)
		s.logger.Warn("client_error", slog.String("session_id", msg.ID), slog.Int("code", p.Code), slog.String("message", p.Message))
	case TypeUpdate:
		s.logger.Info("client_update", slog.String("session_id", msg.ID), slog.Int("size_bytes", len(msg.Parameters)))
	default:
		s.logger.Debug("message_type_ignored", slog.String("type", msg.Type))
	}
	return nil
}

func (s *Session) handleOpen(msg ClientMessage) error {
	var p OpenParameters
	if len(msg.Parameters) > 0 {
		if err := json.Unmarshal(msg.Parameters, &p); err != nil {
			return s.Disconnect("error", infoInvalidMessage)
		}
	}
	s.mu.Lock()
	if s.state != stateNew {
		s.mu.Unlock()
		s.logger.Warn("duplicate_open_ignored", slog.String("session_id", msg.ID))
		return nil
	}
	s.mu.Unlock()

	media, ok := negotiate(p.Media)
	if !ok {
		s.logger.Warn("media_unsupported", slog.String("session_id", msg.ID), slog.Int("offered", len(p.Media)))
		metrics.Record(s.obs, metrics.EventProtocolViolation, 1, map[string]string{"reason": string(errorsx.ReasonProtocolUnsupported)})
		return s.Disconnect("error", infoUnsupportedMedia)
	}

	name := s.deps.BotName
	if name == "" && p.InputVariables != nil {
		name = p.InputVariables["botName"]
	}
	b, err := s.deps.Bots.Open(name, msg.ID)
	if err != nil {
		s.logger.Warn("bot_open_failed", slog.String("session_id", msg.ID), slog.String("bot", name), slog.String("error", err.Error()))
		return s.Disconnect("error", infoUnknownBot)
	}

	coord := call.New(s.ctx, msg.ID, s.deps.Call, call.Deps{
		Sink:        s,
		Bot:         b,
		Recognition: s.deps.Recognition,
		ResultIDs:   s.deps.ResultIDs,
		Publisher:   s.deps.Publisher,
		Observer:    s.obs,
		Logger:      s.deps.Logger,
	})

	s.mu.Lock()
	if s.state != stateNew {
		s.mu.Unlock()
		coord.Close()
		return ErrClosed
	}
	s.media = &media
	s.coord = coord
	s.state = stateOpen
	err = s.sendLocked(TypeOpened, OpenedParameters{Media: []MediaParameter{media}})
	s.mu.Unlock()

	s.logger.Info("session_opened",
		slog.String("session_id", msg.ID),
		slog.String("conversation_id", p.ConversationID),
		slog.String("bot", b.Profile().Name),
		slog.String("format", media.Format),
		slog.Int("rate", media.Rate))
	coord.Start()
	return err
}

// negotiate picks the first offered PCMU 8 kHz stream. No offer at all
// means the default telephony format.
func negotiate(offered []MediaParameter) (MediaParameter, bool) {
	if len(offered) == 0 {
		return MediaParameter{Type: "audio", Format: "PCMU", Channels: []string{"external"}, Rate: 8000}, true
	}
	for _, m := range offered {
		if !strings.EqualFold(m.Format, "PCMU") || (m.Rate != 0 && m.Rate != 8000) {
			continue
		}
		m.Format = "PCMU"
		m.Rate = 8000
		if m.Type == "" {
			m.Type = "audio"
		}
		if len(m.Channels) > 1 {
			pick := m.Channels[0]
			for _, ch := range m.Channels {
				if ch == "external" {
					pick = ch
				}
			}
			m.Channels = []string{pick}
		}
		return m, true
	}
	return MediaParameter{}, false
}

// HandleBinary forwards one inbound audio frame.
func (s *Session) HandleBinary(frame []byte) {
	s.mu.Lock()
	state := s.state
	coord := s.coord
	s.mu.Unlock()
	if state != stateOpen || coord == nil {
		metrics.Record(s.obs, metrics.EventAudioDropped, 1, map[string]string{"reason": "session_state"})
		return
	}
	metrics.Record(s.obs, metrics.EventAudioIn, float64(len(frame)), nil)
	coord.Audio(frame)
}

// Disconnect asks the client to end the session. The client answers with
// close.
func (s *Session) Disconnect(reason, info string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisconnecting || s.state == stateClosed {
		return nil
	}
	s.state = stateDisconnecting
	s.logger.Info("session_disconnecting", slog.String("session_id", s.id), slog.String("reason", reason), slog.String("info", info))
	return s.sendLocked(TypeDisconnect, DisconnectParameters{Reason: reason, Info: info, OutputVariables: map[string]string{}})
}

// Close releases the call after the socket is gone. Safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	s.shutdown()
}

func (s *Session) shutdown() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	coord := s.coord
	s.mu.Unlock()
	if coord != nil {
		coord.Close()
	}
	metrics.Record(s.obs, metrics.EventSessionEnd, 1, nil)
}

func (s *Session) coordinator() *call.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord
}

func (s *Session) reply(typ string, params any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(typ, params)
}

func (s *Session) sendLocked(typ string, params any) error {
	if s.state == stateClosed {
		return ErrClosed
	}
	s.serverSeq++
	out := ServerMessage{
		Version:    Version,
		ID:         s.id,
		Type:       typ,
		Seq:        s.serverSeq,
		ClientSeq:  s.clientSeq,
		Parameters: params,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := s.conn.WriteText(data); err != nil {
		s.logger.Warn("send_failed", slog.String("type", typ), slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (s *Session) sendEvent(entity EventEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return ErrClosed
	}
	return s.sendLocked(TypeEvent, EventParameters{Entities: []EventEntity{entity}})
}

func (s *Session) SendTurnResponse(disposition bot.Disposition, text string, confidence float64) error {
	return s.sendEvent(EventEntity{
		Type: EntityBotTurnResponse,
		Data: BotTurnResponse{Disposition: string(disposition), Text: text, Confidence: confidence},
	})
}

func (s *Session) SendBargeIn() error {
	return s.sendEvent(EventEntity{Type: EntityBargeIn, Data: empty{}})
}

// SendAudio writes reply audio in frames of at most MaxBinaryMessageSize.
func (s *Session) SendAudio(mulaw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return ErrClosed
	}
	for _, chunk := range Chunk(mulaw, MaxBinaryMessageSize) {
		if err := s.conn.WriteBinary(chunk); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTransportSend)
		}
		metrics.Record(s.obs, metrics.EventAudioOut, float64(len(chunk)), nil)
	}
	return nil
}

// NewSessionID returns a fresh session id for transports that do not get
// one from the client.
func NewSessionID() string { return uuid.NewString() }

var _ call.Sink = (*Session)(nil)
