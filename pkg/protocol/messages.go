// Package protocol implements the sequenced WebSocket control protocol spoken
// by the telephony client: JSON control messages with client and server
// sequence numbers, and raw µ-law audio in binary frames.
package protocol

import "encoding/json"

const (
	Version = "2"
	// MaxBinaryMessageSize caps one outbound binary frame.
	MaxBinaryMessageSize = 64000
)

// Client message types.
const (
	TypeOpen              = "open"
	TypePing              = "ping"
	TypePause             = "pause"
	TypeResume            = "resume"
	TypeClose             = "close"
	TypeDisconnect        = "disconnect"
	TypeDTMF              = "dtmf"
	TypeError             = "error"
	TypeUpdate            = "update"
	TypePlaybackStarted   = "playback-started"
	TypePlaybackCompleted = "playback-completed"
)

// Server message types.
const (
	TypeOpened  = "opened"
	TypePong    = "pong"
	TypePaused  = "paused"
	TypeResumed = "resumed"
	TypeClosed  = "closed"
	TypeEvent   = "event"
)

// Event entity types.
const (
	EntityBotTurnResponse = "bot_turn_response"
	EntityBargeIn         = "barge_in"
)

type ClientMessage struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Seq        int64           `json:"seq"`
	ServerSeq  int64           `json:"serverseq"`
	Position   string          `json:"position,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type ServerMessage struct {
	Version    string `json:"version"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	Seq        int64  `json:"seq"`
	ClientSeq  int64  `json:"clientseq"`
	Parameters any    `json:"parameters"`
}

type MediaParameter struct {
	Type     string   `json:"type"`
	Format   string   `json:"format"`
	Channels []string `json:"channels,omitempty"`
	Rate     int      `json:"rate"`
}

type OpenParameters struct {
	OrganizationID string            `json:"organizationId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	Language       string            `json:"language,omitempty"`
	Media          []MediaParameter  `json:"media"`
	InputVariables map[string]string `json:"inputVariables,omitempty"`
}

type OpenedParameters struct {
	StartPaused bool             `json:"startPaused"`
	Media       []MediaParameter `json:"media"`
}

type DisconnectParameters struct {
	Reason          string            `json:"reason"`
	Info            string            `json:"info,omitempty"`
	OutputVariables map[string]string `json:"outputVariables"`
}

type DTMFParameters struct {
	Digit string `json:"digit"`
}

type CloseParameters struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorParameters struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type EventParameters struct {
	Entities []EventEntity `json:"entities"`
}

type EventEntity struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type BotTurnResponse struct {
	Disposition string  `json:"disposition"`
	Text        string  `json:"text,omitempty"`
	Confidence  float64 `json:"confidence"`
}

type empty struct{}

// Chunk splits payload into frames of at most max bytes. The receiver
// rebuilds the payload by concatenation.
func Chunk(payload []byte, max int) [][]byte {
	if max <= 0 {
		max = MaxBinaryMessageSize
	}
	if len(payload) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(payload)+max-1)/max)
	for start := 0; start < len(payload); start += max {
		end := start + max
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[start:end])
	}
	return out
}
