package multiplex

import (
	"encoding/json"
	"fmt"
)

// Kind is the control type of a Frame
type Kind uint8

const (
	KindConnect Kind = iota + 1
	KindReceive
	KindSend
	KindAccept
	KindClose
	KindDisconnect
)

// CloseNormal is the close code used when a close frame carries none
const CloseNormal = 1000

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindReceive:
		return "receive"
	case KindSend:
		return "send"
	case KindAccept:
		return "accept"
	case KindClose:
		return "close"
	case KindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one discrete message exchanged over a physical connection or between the
// gateway and a sub-application. A Frame with an empty Stream applies to the whole connection.
type Frame struct {
	Kind    Kind
	Stream  string
	Payload []byte
	// Code is the close code of close and disconnect frames
	Code int
}

func (f *Frame) closeCode() int {
	if f.Code == 0 {
		return CloseNormal
	}
	return f.Code
}

// envelope is the top-level JSON object of a multiplexed frame
type envelope struct {
	Stream  string          `json:"stream"`
	Payload json.RawMessage `json:"payload"`
}

// decodeEnvelope returns ok == false when data isn't a JSON object carrying both a
// "stream" and a "payload" key
func decodeEnvelope(data []byte) (env envelope, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return env, false
	}
	rawStream, hasStream := fields["stream"]
	rawPayload, hasPayload := fields["payload"]
	if !hasStream || !hasPayload {
		return env, false
	}
	if err := json.Unmarshal(rawStream, &env.Stream); err != nil {
		return env, false
	}
	env.Payload = rawPayload
	return env, true
}

func encodeEnvelope(stream string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload of stream %v is not valid JSON", stream)
	}
	return json.Marshal(envelope{Stream: stream, Payload: payload})
}

// PeekStream returns the stream name and raw payload of a multiplexed frame, if the frame is one
func PeekStream(data []byte) (stream string, payload json.RawMessage, ok bool) {
	env, ok := decodeEnvelope(data)
	return env.Stream, env.Payload, ok
}
