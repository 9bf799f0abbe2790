package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// channel protocol events
const (
	EventJoin            = "phx_join"
	EventReply           = "phx_reply"
	EventLeave           = "phx_leave"
	EventClose           = "phx_close"
	EventError           = "phx_error"
	EventHeartbeat       = "heartbeat"
	EventAccessToken     = "access_token"
	EventPostgresChanges = "postgres_changes"
	EventBroadcast       = "broadcast"
	EventPresence        = "presence"
	EventPresenceState   = "presence_state"
	EventPresenceDiff    = "presence_diff"
)

const PhoenixTopic = "phoenix"

const (
	ReplyStatusOk      = "ok"
	ReplyStatusError   = "error"
	ReplyStatusTimeout = "timeout"
)

type Message struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func NewMessage(topic string, event string, payload any) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Topic:   topic,
		Event:   event,
		Payload: payloadBytes,
	}, nil
}

func (self *Message) String() string {
	return fmt.Sprintf("%s %s ref=%s", self.Topic, self.Event, self.Ref)
}

// payload of `phx_reply`
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

func (self *Reply) Ok() bool {
	return self.Status == ReplyStatusOk
}

// the reason the endpoint gave for a rejected push, if any
func (self *Reply) Reason() string {
	var response struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(self.Response, &response); err == nil {
		if response.Reason != "" {
			return response.Reason
		}
		if response.Message != "" {
			return response.Message
		}
	}
	return string(self.Response)
}

type FrameEncoding int

const (
	// text frames, one json object per frame
	FrameEncodingJson FrameEncoding = iota
	// binary frames, one `structpb.Struct` per frame
	FrameEncodingProto
)

func EncodeFrame(message *Message, encoding FrameEncoding) (messageType int, frameBytes []byte, err error) {
	switch encoding {
	case FrameEncodingProto:
		frameBytes, err = encodeProtoFrame(message)
		return websocket.BinaryMessage, frameBytes, err
	default:
		frameBytes, err = json.Marshal(message)
		return websocket.TextMessage, frameBytes, err
	}
}

// the frame encoding is inferred from the websocket message type
func DecodeFrame(messageType int, frameBytes []byte) (*Message, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return decodeProtoFrame(frameBytes)
	case websocket.TextMessage:
		message := &Message{}
		if err := json.Unmarshal(frameBytes, message); err != nil {
			return nil, err
		}
		return message, nil
	default:
		return nil, fmt.Errorf("Unsupported message type %d.", messageType)
	}
}

func encodeProtoFrame(message *Message) ([]byte, error) {
	var payload any
	if 0 < len(message.Payload) {
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			return nil, err
		}
	}
	payloadValue, err := structpb.NewValue(payload)
	if err != nil {
		return nil, err
	}
	frame := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"join_ref": structpb.NewStringValue(message.JoinRef),
			"ref":      structpb.NewStringValue(message.Ref),
			"topic":    structpb.NewStringValue(message.Topic),
			"event":    structpb.NewStringValue(message.Event),
			"payload":  payloadValue,
		},
	}
	return proto.Marshal(frame)
}

func decodeProtoFrame(frameBytes []byte) (*Message, error) {
	frame := &structpb.Struct{}
	if err := proto.Unmarshal(frameBytes, frame); err != nil {
		return nil, err
	}
	fields := frame.GetFields()
	message := &Message{
		JoinRef: fields["join_ref"].GetStringValue(),
		Ref:     fields["ref"].GetStringValue(),
		Topic:   fields["topic"].GetStringValue(),
		Event:   fields["event"].GetStringValue(),
	}
	if payloadValue, ok := fields["payload"]; ok {
		payloadBytes, err := protojson.Marshal(payloadValue)
		if err != nil {
			return nil, err
		}
		message.Payload = payloadBytes
	}
	if message.Topic == "" || message.Event == "" {
		return nil, fmt.Errorf("Frame missing topic or event.")
	}
	return message, nil
}

// an empty payload decodes as the zero value
func jsonUnmarshalPayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	return json.Unmarshal(payload, v)
}
