package session

// Payload shapes for the envelope types this fabric dispatches. These are
// marshaled into/out of envelope.Envelope.Payload (json.RawMessage).

// RegisterPayload is the body of a REGISTER envelope.
type RegisterPayload struct {
	ClientID     string   `json:"clientId"`
	AuthToken    string   `json:"authToken"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterAckPayload is the body of a REGISTER_ACK reply.
type RegisterAckPayload struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// WelcomePayload is the body of the WELCOME envelope sent on accept.
type WelcomePayload struct {
	SessionID    string   `json:"sessionId"`
	Capabilities []string `json:"capabilities"`
}

// HeartbeatAckPayload is the body of a HEARTBEAT_ACK reply.
type HeartbeatAckPayload struct {
	ServerTime int64 `json:"serverTime"`
}

// MessagePayload is the body of a MESSAGE envelope, covering both
// peer-to-peer chat and AI-request fields.
type MessagePayload struct {
	Content       string `json:"content"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	Stream        bool   `json:"stream,omitempty"`
	ExtendedThink bool   `json:"extendedThink,omitempty"`
	BudgetTokens  int    `json:"budgetTokens,omitempty"`
	SystemPrompt  string `json:"systemPrompt,omitempty"`
}

// UsagePayload reports token accounting for a completed AI request.
type UsagePayload struct {
	TotalTokens int `json:"totalTokens"`
}

// ResponsePayload is the body of a RESPONSE envelope.
type ResponsePayload struct {
	Content  string       `json:"content"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Usage    UsagePayload `json:"usage"`
}

// StreamChunkPayload is the body of a STREAM_CHUNK envelope.
type StreamChunkPayload struct {
	Kind     string            `json:"kind"`
	Text     string            `json:"text,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// StreamEndPayload is the body of a STREAM_END envelope.
type StreamEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// QueryPayload is the body of a QUERY envelope (spec §4.3 query RPC surface).
type QueryPayload struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// SubscribePayload is the body of SUBSCRIBE/UNSUBSCRIBE envelopes.
type SubscribePayload struct {
	Group string `json:"group"`
}
