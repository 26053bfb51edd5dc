package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeHello    = "session.hello"
	controlTypeHelloAck = "session.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

// Handshake ack codes.
const (
	CodeOK                uint32 = 0
	CodePolicyUnavailable uint32 = 1
	CodeCapacityExceeded  uint32 = 2
	CodeVersionMismatch   uint32 = 3
)

// Hello is the client->server session-start payload, sent as a single JSON
// line before any framed traffic.
type Hello struct {
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
	PolicyID        string `json:"policy_id"`
}

func (h Hello) Validate() error {
	if h.ProtocolVersion == 0 {
		return fmt.Errorf("%w: missing protocol_version", ErrInvalidHello)
	}
	if strings.TrimSpace(h.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidHello)
	}
	if strings.TrimSpace(h.PolicyID) == "" {
		return fmt.Errorf("%w: missing policy_id", ErrInvalidHello)
	}
	return nil
}

// HelloAck is the server->client handshake response.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	SessionID   string `json:"session_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if status == AckStatusAccepted && strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHelloAck)
	}
	return nil
}

// RejectionError maps a rejected ack to the session error taxonomy.
func (a HelloAck) RejectionError() error {
	switch a.Code {
	case CodePolicyUnavailable:
		return fmt.Errorf("%w: %s", ErrPolicyUnavailable, a.Message)
	case CodeCapacityExceeded:
		return fmt.Errorf("%w: %s", ErrCapacityExceeded, a.Message)
	case CodeVersionMismatch:
		return fmt.Errorf("%w: %s", ErrVersionMismatch, a.Message)
	default:
		return fmt.Errorf("%w: code=%d message=%q", ErrHandshakeRejected, a.Code, a.Message)
	}
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, hello Hello) error {
	if err := hello.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHello, Hello: &hello})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > 64*1024 {
		return controlEnvelope{}, ErrControlTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
