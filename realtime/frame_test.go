package realtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestFrameCodec(t *testing.T) {
	message, err := NewMessage("realtime:broadcast:room-1", EventBroadcast, map[string]any{
		"type":  "broadcast",
		"event": "typing",
		"payload": map[string]any{
			"user_id":   "u1",
			"is_typing": true,
		},
	})
	assert.Equal(t, err, nil)
	message.Ref = "7"
	message.JoinRef = "3"

	for _, encoding := range []FrameEncoding{FrameEncodingJson, FrameEncodingProto} {
		messageType, frameBytes, err := EncodeFrame(message, encoding)
		assert.Equal(t, err, nil)
		if encoding == FrameEncodingProto {
			assert.Equal(t, messageType, websocket.BinaryMessage)
		} else {
			assert.Equal(t, messageType, websocket.TextMessage)
		}

		decoded, err := DecodeFrame(messageType, frameBytes)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded.Topic, message.Topic)
		assert.Equal(t, decoded.Event, message.Event)
		assert.Equal(t, decoded.Ref, message.Ref)
		assert.Equal(t, decoded.JoinRef, message.JoinRef)

		event := &ChannelEvent{
			Event:   decoded.Event,
			Payload: decoded.Payload,
		}
		broadcastEvent, payload, ok, err := DecodeBroadcast(event)
		assert.Equal(t, err, nil)
		assert.Equal(t, ok, true)
		assert.Equal(t, broadcastEvent, "typing")
		typingEvent := &TypingEvent{}
		assert.Equal(t, json.Unmarshal(payload, typingEvent), nil)
		assert.Equal(t, typingEvent.UserId, "u1")
		assert.Equal(t, typingEvent.IsTyping, true)
	}
}

func TestFrameDecodeErrors(t *testing.T) {
	_, err := DecodeFrame(websocket.TextMessage, []byte("{"))
	assert.NotEqual(t, err, nil)

	_, err = DecodeFrame(websocket.BinaryMessage, []byte{0xff, 0xff})
	assert.NotEqual(t, err, nil)

	_, err = DecodeFrame(websocket.PingMessage, []byte{})
	assert.NotEqual(t, err, nil)
}

func TestReplyReason(t *testing.T) {
	reply := &Reply{}
	err := json.Unmarshal([]byte(`{"status":"error","response":{"reason":"unauthorized"}}`), reply)
	assert.Equal(t, err, nil)
	assert.Equal(t, reply.Ok(), false)
	assert.Equal(t, reply.Reason(), "unauthorized")

	reply = &Reply{}
	err = json.Unmarshal([]byte(`{"status":"ok","response":{}}`), reply)
	assert.Equal(t, err, nil)
	assert.Equal(t, reply.Ok(), true)
}

func TestDecodeRowChange(t *testing.T) {
	payload := []byte(`{
		"data": {
			"type": "INSERT",
			"schema": "public",
			"table": "notifications",
			"record": {"id": 12, "user_id": "42", "title": "Graded", "meta": {"course": "c1"}},
			"old_record": null,
			"commit_timestamp": "2024-01-01T00:00:00Z"
		}
	}`)
	change, ok, err := DecodeRowChange(&ChannelEvent{
		Event:   EventPostgresChanges,
		Payload: payload,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, change.EventType, RowEventInsert)
	assert.Equal(t, change.Table, "notifications")
	assert.Equal(t, change.New["title"], "Graded")

	id, ok := RowId(change.New, "id")
	assert.Equal(t, ok, true)
	assert.Equal(t, id, "12")

	clone := CloneRow(change.New)
	clone["meta"].(map[string]any)["course"] = "c2"
	assert.Equal(t, change.New["meta"].(map[string]any)["course"], "c1")

	_, ok, err = DecodeRowChange(&ChannelEvent{
		Event:   EventBroadcast,
		Payload: payload,
	})
	assert.Equal(t, ok, false)
	assert.Equal(t, err, nil)

	_, ok, err = DecodeRowChange(&ChannelEvent{
		Event:   EventPostgresChanges,
		Payload: []byte(`{"data":{"type":"TRUNCATE"}}`),
	})
	assert.Equal(t, ok, true)
	assert.NotEqual(t, err, nil)
}

func TestAuthToken(t *testing.T) {
	authClaims, err := validateAuthToken(testToken(t, "user-1", time.Now().Add(time.Hour)))
	assert.Equal(t, err, nil)
	assert.Equal(t, authClaims.Subject, "user-1")
	assert.Equal(t, authClaims.Role, "authenticated")

	_, err = validateAuthToken(testToken(t, "user-1", time.Now().Add(-time.Hour)))
	var authErr *AuthError
	assert.Equal(t, errors.As(err, &authErr), true)
	assert.Equal(t, errors.Is(err, ErrTokenExpired), true)

	_, err = validateAuthToken("not-a-token")
	assert.Equal(t, errors.As(err, &authErr), true)

	_, err = validateAuthToken("")
	assert.Equal(t, errors.As(err, &authErr), true)
}
