// Package envelope implements the bidirectional wire format exchanged
// between clients and a coordination node (spec §6) and its structural
// and semantic validator (spec §4.4).
package envelope

import (
	"encoding/json"
	"time"
)

// Type enumerates the envelope kinds exchanged server<->client.
type Type string

const (
	Register       Type = "REGISTER"
	RegisterAck    Type = "REGISTER_ACK"
	Welcome        Type = "WELCOME"
	Heartbeat      Type = "HEARTBEAT"
	HeartbeatAck   Type = "HEARTBEAT_ACK"
	Message        Type = "MESSAGE"
	Response       Type = "RESPONSE"
	StreamChunk    Type = "STREAM_CHUNK"
	StreamEnd      Type = "STREAM_END"
	Query          Type = "QUERY"
	Command        Type = "COMMAND"
	CommandResult  Type = "COMMAND_RESULT"
	Event          Type = "EVENT"
	Broadcast      Type = "BROADCAST"
	Subscribe      Type = "SUBSCRIBE"
	SubscribeAck   Type = "SUBSCRIBE_ACK"
	Unsubscribe    Type = "UNSUBSCRIBE"
	UnsubscribeAck Type = "UNSUBSCRIBE_ACK"
	Error          Type = "ERROR"
)

var knownTypes = map[Type]struct{}{
	Register: {}, RegisterAck: {}, Welcome: {}, Heartbeat: {}, HeartbeatAck: {},
	Message: {}, Response: {}, StreamChunk: {}, StreamEnd: {}, Query: {},
	Command: {}, CommandResult: {}, Event: {}, Broadcast: {}, Subscribe: {},
	SubscribeAck: {}, Unsubscribe: {}, UnsubscribeAck: {}, Error: {},
}

// ProtocolVersion is the <major>.<minor> version this node speaks.
const ProtocolVersion = "1.0"

// Source identifies the envelope's originating client and session.
type Source struct {
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
}

// Target selects zero or one delivery mode for a MESSAGE envelope.
type Target struct {
	ClientID string `json:"clientId,omitempty"`
	Group    string `json:"group,omitempty"`
	All      bool   `json:"all,omitempty"`
}

// Envelope is the universal on-the-wire message unit (spec §6).
type Envelope struct {
	MessageID     string          `json:"messageId"`
	Version       string          `json:"version"`
	Type          Type            `json:"type"`
	Source        Source          `json:"source"`
	Target        *Target         `json:"target,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	InReplyTo     string          `json:"inReplyTo,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Priority      int             `json:"priority"`
	ExpiresAt     int64           `json:"expiresAt,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Encode marshals the envelope to its wire form.
func Encode(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		e.Payload = json.RawMessage("{}")
	}
	return json.Marshal(e)
}

// Decode unmarshals the wire form into an Envelope. It does not validate.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Payload == nil {
		e.Payload = json.RawMessage("{}")
	}
	return e, nil
}

// NowMillis returns the current time as milliseconds since the epoch, the
// unit required for Envelope.Timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ErrorPayload is the structured body of an ERROR envelope (spec §6).
type ErrorPayload struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Retryable    bool   `json:"retryable"`
}

// Error codes from the taxonomy in spec §6.
const (
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeAuthenticationFailed  = "AUTHENTICATION_FAILED"
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	CodeProviderError         = "PROVIDER_ERROR"
	CodeTargetNotFound        = "TARGET_NOT_FOUND"
	CodeUnknownMessageType    = "UNKNOWN_MESSAGE_TYPE"
	CodeQueryError            = "QUERY_ERROR"
	CodeSlowClient            = "SLOW_CLIENT"
	CodeInternalError         = "INTERNAL_ERROR"
)

// NewError builds an ERROR envelope replying to inReplyTo, sourced from the
// server (no client/session identity of its own).
func NewError(inReplyTo, code, message string, retryable bool) Envelope {
	payload, _ := json.Marshal(ErrorPayload{
		ErrorCode:    code,
		ErrorMessage: message,
		Retryable:    retryable,
	})
	return Envelope{
		MessageID: newID(),
		Version:   ProtocolVersion,
		Type:      Error,
		InReplyTo: inReplyTo,
		Timestamp: NowMillis(),
		Priority:  5,
		Payload:   payload,
	}
}
