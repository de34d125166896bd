package dmtp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is sent in every Hello.
const ProtocolVersion = 1

const (
	controlTypeHello    = "dmtp.hello"
	controlTypeHelloAck = "dmtp.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

// Hello is the first frame a connecting peer sends. Handshake frames are
// always JSON so both sides can read them before the serializer is agreed.
type Hello struct {
	Version    int    `json:"version"`
	Identity   string `json:"identity,omitempty"`
	Name       string `json:"name,omitempty"`
	Serializer string `json:"serializer"`
}

func (h Hello) Validate() error {
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrHandshakeFailure, h.Version)
	}
	if strings.TrimSpace(h.Serializer) == "" {
		return fmt.Errorf("%w: missing serializer", ErrHandshakeFailure)
	}
	return nil
}

// HelloAck answers a Hello. An accepted ack carries the identity the
// session was registered under.
type HelloAck struct {
	Status      string `json:"status"`
	Code        int    `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Identity    string `json:"identity,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	switch strings.TrimSpace(a.Status) {
	case AckStatusAccepted:
		if strings.TrimSpace(a.Identity) == "" {
			return fmt.Errorf("%w: accepted ack missing identity", ErrHandshakeFailure)
		}
	case AckStatusRejected:
	default:
		return fmt.Errorf("%w: invalid ack status '%s'", ErrHandshakeFailure, a.Status)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrHandshakeFailure)
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func EncodeHello(h Hello) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func DecodeHello(frame []byte) (Hello, error) {
	var env controlEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Hello{}, fmt.Errorf("%w: %w", ErrHandshakeFailure, err)
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type '%s'", ErrHandshakeFailure, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func EncodeHelloAck(a HelloAck) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(controlEnvelope{Type: controlTypeHelloAck, Ack: &a})
}

func DecodeHelloAck(frame []byte) (HelloAck, error) {
	var env controlEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return HelloAck{}, fmt.Errorf("%w: %w", ErrHandshakeFailure, err)
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type '%s'", ErrHandshakeFailure, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}
