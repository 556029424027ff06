package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants in both directions.
type MessageType string

const (
	TypeVoice   MessageType = "voice"
	TypeText    MessageType = "text"
	TypeControl MessageType = "control"
	TypeError   MessageType = "error"
)

// Control actions a client may send in the content field.
const (
	ControlEndOfTurn  = "end-of-turn"
	ControlDisconnect = "disconnect"
	ControlPing       = "ping"
)

// Control contents the server sends back to the client.
const (
	ServerSessionStartedPrefix = "session-started:"
	ServerCapacityExceeded     = "capacity-exceeded"
	ServerTurnConflict         = "turn-conflict"
	ServerProtocolError        = "protocol-error"
	ServerUtteranceTruncated   = "utterance-truncated"
	ServerPong                 = "pong"
	ServerSessionClosed        = "session-closed"
)

// ProtocolError reports a malformed client frame. It is delivered back to
// the client as a control message; the session stays open.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Detail
}

// clientEnvelope is the raw client frame before variant validation.
type clientEnvelope struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp string      `json:"timestamp"`
}

// VoiceChunk carries one span of decoded PCM audio.
type VoiceChunk struct {
	PCM       []byte
	Timestamp string
}

// TextInput carries one direct text message.
type TextInput struct {
	Text      string
	Timestamp string
}

// Control carries a client control action.
type Control struct {
	Action    string
	Timestamp string
}

// ParseClientMessage validates a raw frame and returns one of VoiceChunk,
// TextInput or Control. Any malformed frame yields a *ProtocolError.
func ParseClientMessage(raw []byte) (any, error) {
	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Detail: "invalid envelope: " + err.Error()}
	}

	switch env.Type {
	case TypeVoice:
		if env.Content == "" {
			return nil, &ProtocolError{Detail: "voice message with empty content"}
		}
		pcm, err := base64.StdEncoding.DecodeString(env.Content)
		if err != nil {
			return nil, &ProtocolError{Detail: "undecodable voice content: " + err.Error()}
		}
		return VoiceChunk{PCM: pcm, Timestamp: env.Timestamp}, nil
	case TypeText:
		if env.Content == "" {
			return nil, &ProtocolError{Detail: "text message with empty content"}
		}
		return TextInput{Text: env.Content, Timestamp: env.Timestamp}, nil
	case TypeControl:
		switch env.Content {
		case ControlEndOfTurn, ControlDisconnect, ControlPing:
			return Control{Action: env.Content, Timestamp: env.Timestamp}, nil
		default:
			return nil, &ProtocolError{Detail: fmt.Sprintf("unknown control action %q", env.Content)}
		}
	case "":
		return nil, &ProtocolError{Detail: "missing type"}
	default:
		return nil, &ProtocolError{Detail: fmt.Sprintf("unsupported message type %q", env.Type)}
	}
}

// ServerMessage is the single outbound frame shape. Audio is present only
// on voice replies.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp string      `json:"timestamp"`
	Audio     *string     `json:"audio"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func NewText(content string) ServerMessage {
	return ServerMessage{Type: TypeText, Content: content, Timestamp: now()}
}

func NewVoice(content string, wav []byte) ServerMessage {
	encoded := base64.StdEncoding.EncodeToString(wav)
	return ServerMessage{Type: TypeVoice, Content: content, Timestamp: now(), Audio: &encoded}
}

func NewError(content string) ServerMessage {
	return ServerMessage{Type: TypeError, Content: content, Timestamp: now()}
}

func NewControl(content string) ServerMessage {
	return ServerMessage{Type: TypeControl, Content: content, Timestamp: now()}
}
