package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestClientFramesEncode(t *testing.T) {
	data, err := Hello().Encode()
	assert.Equal(t, err, nil)
	assert.Equal(t, `{"type":"hello","protocol":1}`, string(data))

	data, err = Subscribe(GameTopic(42)).Encode()
	assert.Equal(t, err, nil)
	assert.Equal(t, `{"type":"subscribe","topic":{"kind":"game","id":42}}`, string(data))

	data, err = Unsubscribe(GameTopic(7)).Encode()
	assert.Equal(t, err, nil)
	assert.Equal(t, `{"type":"unsubscribe","topic":{"kind":"game","id":7}}`, string(data))
}

func TestDecodeHelloAck(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"hello_ack","protocol":1,"user_id":99}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, ServerMsgHelloAck, msg.Type)
	assert.Equal(t, 1, msg.Protocol)
	assert.Equal(t, int64(99), msg.UserID)
}

func TestDecodeStateKeepsPayloadOpaque(t *testing.T) {
	frame := `{"type":"game_state","topic":{"kind":"game","id":3},"version":12,"game":{"phase":"bidding"},"viewer":{"seat":2}}`
	msg, err := Decode([]byte(frame))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, msg.Type.IsState())
	assert.Equal(t, GameTopic(3), *msg.Topic)
	assert.Equal(t, int64(12), msg.Version)

	var payload map[string]json.RawMessage
	assert.Equal(t, json.Unmarshal(msg.Payload, &payload), nil)
	assert.Equal(t, 2, len(payload))
	assert.Equal(t, `{"phase":"bidding"}`, string(payload["game"]))
	assert.Equal(t, `{"seat":2}`, string(payload["viewer"]))
}

func TestDecodeStateRequiresVersion(t *testing.T) {
	_, err := Decode([]byte(`{"type":"game_state","topic":{"kind":"game","id":3}}`))
	assert.Equal(t, true, errors.Is(err, ErrMalformedFrame))

	_, err = Decode([]byte(`{"type":"game_state","topic":{"kind":"game","id":3},"version":null}`))
	assert.Equal(t, true, errors.Is(err, ErrMalformedFrame))
}

func TestDecodeStateRequiresTopicKind(t *testing.T) {
	for _, frame := range []string{
		`{"type":"game_state","topic":null,"version":1}`,
		`{"type":"game_state","topic":{"id":3},"version":1}`,
	} {
		_, err := Decode([]byte(frame))
		assert.Equal(t, true, errors.Is(err, ErrMalformedFrame))
	}
}

func TestDecodeErrorWithAndWithoutTopic(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"error","code":"forbidden","message":"Not a member of this game"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, ErrorCodeForbidden, msg.Code)
	assert.Equal(t, true, msg.Topic == nil)

	msg, err = Decode([]byte(`{"type":"error","code":"bad_topic","message":"x","topic":{"kind":"game","id":5}}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, GameTopic(5), *msg.Topic)
}

func TestDecodeHints(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"your_turn","game_id":8,"version":4}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(8), msg.GameID)
	assert.Equal(t, int64(4), msg.Version)

	msg, err = Decode([]byte(`{"type":"long_wait_invalidated","game_id":9}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, ServerMsgLongWaitInvalidated, msg.Type)
	assert.Equal(t, int64(9), msg.GameID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Equal(t, true, errors.Is(err, ErrMalformedFrame))

	_, err = Decode([]byte(`{"message":"no type"}`))
	assert.Equal(t, true, errors.Is(err, ErrMalformedFrame))

	assert.Equal(t, false, ServerMsgType("_state").IsState())
}

func TestTopicRoundTripString(t *testing.T) {
	topic, err := ParseTopic(GameTopic(123).String())
	assert.Equal(t, err, nil)
	assert.Equal(t, GameTopic(123), topic)

	_, err = ParseTopic("game")
	assert.NotEqual(t, err, nil)
}

func TestGameETag(t *testing.T) {
	assert.Equal(t, `"game-123-v5"`, GameETag(123, 5))
	assert.Equal(t, `"game-1-v0"`, GameETag(1, 0))

	id, version, err := ParseGameETag(`W/"game-999999-v42"`)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(999999), id)
	assert.Equal(t, int64(42), version)

	_, _, err = ParseGameETag(`"lobby-1"`)
	assert.NotEqual(t, err, nil)
}
