package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is the realtime protocol version sent in hello frames
const ProtocolVersion = 1

// KindGame is the only topic kind the server currently serves
const KindGame = "game"

// Topic identifies a subscribable resource on the realtime channel
type Topic struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// GameTopic returns the topic for a game
func GameTopic(gameID int64) Topic {
	return Topic{Kind: KindGame, ID: gameID}
}

func (t Topic) String() string {
	return t.Kind + ":" + strconv.FormatInt(t.ID, 10)
}

// ParseTopic parses the "kind:id" form produced by String
func ParseTopic(s string) (Topic, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" {
		return Topic{}, fmt.Errorf("invalid topic %q", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Topic{}, fmt.Errorf("invalid topic id %q: %w", id, err)
	}
	return Topic{Kind: kind, ID: n}, nil
}

// ClientMsgType is the type tag of client to server frames
type ClientMsgType string

const (
	ClientMsgHello       ClientMsgType = "hello"
	ClientMsgSubscribe   ClientMsgType = "subscribe"
	ClientMsgUnsubscribe ClientMsgType = "unsubscribe"
)

// ClientMsg is a client to server frame
type ClientMsg struct {
	Type     ClientMsgType `json:"type"`
	Protocol int           `json:"protocol,omitempty"`
	Topic    *Topic        `json:"topic,omitempty"`
}

// Hello builds the handshake frame
func Hello() ClientMsg {
	return ClientMsg{Type: ClientMsgHello, Protocol: ProtocolVersion}
}

// Subscribe builds a subscribe frame for topic
func Subscribe(topic Topic) ClientMsg {
	return ClientMsg{Type: ClientMsgSubscribe, Topic: &topic}
}

// Unsubscribe builds an unsubscribe frame for topic
func Unsubscribe(topic Topic) ClientMsg {
	return ClientMsg{Type: ClientMsgUnsubscribe, Topic: &topic}
}

// Encode marshals a client frame
func (m ClientMsg) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", m.Type, err)
	}
	return data, nil
}

// ServerMsgType is the type tag of server to client frames
type ServerMsgType string

const (
	ServerMsgHelloAck            ServerMsgType = "hello_ack"
	ServerMsgAck                 ServerMsgType = "ack"
	ServerMsgError               ServerMsgType = "error"
	ServerMsgYourTurn            ServerMsgType = "your_turn"
	ServerMsgLongWaitInvalidated ServerMsgType = "long_wait_invalidated"
)

// stateSuffix marks versioned domain state frames, e.g. "game_state"
const stateSuffix = "_state"

// IsState reports whether t is a versioned domain state frame
func (t ServerMsgType) IsState() bool {
	return strings.HasSuffix(string(t), stateSuffix) && len(t) > len(stateSuffix)
}

// ErrorCode is the code carried by server error frames
type ErrorCode string

const (
	ErrorCodeBadProtocol ErrorCode = "bad_protocol"
	ErrorCodeBadTopic    ErrorCode = "bad_topic"
	ErrorCodeBadRequest  ErrorCode = "bad_request"
	ErrorCodeForbidden   ErrorCode = "forbidden"
)

// ServerMsg is a decoded server to client frame. Only the fields relevant to
// Type are populated.
type ServerMsg struct {
	Type ServerMsgType

	// hello_ack
	Protocol int
	UserID   int64

	// ack
	Message string

	// error
	Code ErrorCode

	// *_state, and error frames that name a topic
	Topic   *Topic
	Version int64
	Payload json.RawMessage

	// your_turn, long_wait_invalidated
	GameID int64
}

var ErrMalformedFrame = errors.New("malformed frame")

// Decode parses a server frame. State payloads are every field other than
// type, topic and version, kept opaque.
func Decode(data []byte) (ServerMsg, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return ServerMsg{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var msg ServerMsg
	if err := unmarshalField(fields, "type", &msg.Type); err != nil {
		return ServerMsg{}, err
	}
	if msg.Type == "" {
		return ServerMsg{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch {
	case msg.Type == ServerMsgHelloAck:
		if err := unmarshalField(fields, "protocol", &msg.Protocol); err != nil {
			return ServerMsg{}, err
		}
		if err := unmarshalField(fields, "user_id", &msg.UserID); err != nil {
			return ServerMsg{}, err
		}

	case msg.Type == ServerMsgAck:
		if err := unmarshalField(fields, "message", &msg.Message); err != nil {
			return ServerMsg{}, err
		}

	case msg.Type == ServerMsgError:
		if err := unmarshalField(fields, "code", &msg.Code); err != nil {
			return ServerMsg{}, err
		}
		if err := unmarshalField(fields, "message", &msg.Message); err != nil {
			return ServerMsg{}, err
		}
		if _, ok := fields["topic"]; ok {
			var topic Topic
			if err := unmarshalField(fields, "topic", &topic); err != nil {
				return ServerMsg{}, err
			}
			msg.Topic = &topic
		}

	case msg.Type == ServerMsgYourTurn:
		if err := unmarshalField(fields, "game_id", &msg.GameID); err != nil {
			return ServerMsg{}, err
		}
		if err := unmarshalField(fields, "version", &msg.Version); err != nil {
			return ServerMsg{}, err
		}

	case msg.Type == ServerMsgLongWaitInvalidated:
		if err := unmarshalField(fields, "game_id", &msg.GameID); err != nil {
			return ServerMsg{}, err
		}

	case msg.Type.IsState():
		if _, ok := fields["topic"]; !ok {
			return ServerMsg{}, fmt.Errorf("%w: %s without topic", ErrMalformedFrame, msg.Type)
		}
		if raw, ok := fields["version"]; !ok || string(raw) == "null" {
			return ServerMsg{}, fmt.Errorf("%w: %s without version", ErrMalformedFrame, msg.Type)
		}
		var topic Topic
		if err := unmarshalField(fields, "topic", &topic); err != nil {
			return ServerMsg{}, err
		}
		if topic.Kind == "" {
			return ServerMsg{}, fmt.Errorf("%w: %s with empty topic", ErrMalformedFrame, msg.Type)
		}
		msg.Topic = &topic
		if err := unmarshalField(fields, "version", &msg.Version); err != nil {
			return ServerMsg{}, err
		}

		delete(fields, "type")
		delete(fields, "topic")
		delete(fields, "version")
		payload, err := json.Marshal(fields)
		if err != nil {
			return ServerMsg{}, fmt.Errorf("marshal %s payload: %w", msg.Type, err)
		}
		msg.Payload = payload
	}

	return msg, nil
}

func unmarshalField(fields map[string]json.RawMessage, name string, dst any) error {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrMalformedFrame, name, err)
	}
	return nil
}
