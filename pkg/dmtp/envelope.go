package dmtp

import "fmt"

// Serializer encodes envelopes and their payloads. Both ends of a session
// must use the same serializer; it is agreed during the handshake.
type Serializer interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ErrorPayload carries a handler failure back to the requester.
type ErrorPayload struct {
	Code    int    `json:"code,omitempty" cbor:"code,omitempty"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}

// Envelope is one actor action on the wire.
type Envelope struct {
	ID      string        `json:"id,omitempty" cbor:"id,omitempty"`
	Type    string        `json:"type" cbor:"type"`
	Topic   string        `json:"topic,omitempty" cbor:"topic,omitempty"`
	Payload []byte        `json:"payload,omitempty" cbor:"payload,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty" cbor:"error,omitempty"`
}

// Envelope types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypePublish  = "publish"
	TypeError    = "error"
	TypeClose    = "close"
)

// Error codes used in ErrorPayload.
const (
	CodeBadRequest  = 400
	CodeNotFound    = 404
	CodeInternal    = 500
	CodeUnavailable = 503
)

// NewEnvelope builds an envelope, encoding payload with ser. A nil payload
// leaves Payload empty.
func NewEnvelope(ser Serializer, id, typ, topic string, payload any, errPayload *ErrorPayload) (*Envelope, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = ser.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("dmtp: marshal %s payload for topic '%s': %w", typ, topic, err)
		}
	}
	return &Envelope{
		ID:      id,
		Type:    typ,
		Topic:   topic,
		Payload: data,
		Error:   errPayload,
	}, nil
}

// DecodePayload decodes the payload into v. An empty payload leaves v untouched.
func (e *Envelope) DecodePayload(ser Serializer, v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return ser.Unmarshal(e.Payload, v)
}

// EncodeEnvelope renders a whole envelope as one frame.
func EncodeEnvelope(ser Serializer, env *Envelope) ([]byte, error) {
	return ser.Marshal(env)
}

// DecodeEnvelope parses one frame.
func DecodeEnvelope(ser Serializer, frame []byte) (*Envelope, error) {
	var env Envelope
	if err := ser.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("dmtp: decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("dmtp: decode envelope: missing type")
	}
	return &env, nil
}
