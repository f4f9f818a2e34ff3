package session

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
	"github.com/tutu-network/tutumesh/internal/envelope"
	"github.com/tutu-network/tutumesh/internal/infra/memory"
	"github.com/tutu-network/tutumesh/internal/infra/provider"
	"github.com/tutu-network/tutumesh/internal/metrics"
)

// NodeLister reports the current gossip roster, used by the get_nodes query.
type NodeLister interface {
	Members() []domain.Node
}

// TaskSubmitter enqueues leader-distributed work (spec §4.2 Task Queue).
// The fabric uses it to hand off MemorySync and Broadcast tasks instead
// of executing them inline, so a follower's clients still get their
// work done once it reaches whichever node is currently Leader.
type TaskSubmitter interface {
	Submit(task domain.Task)
}

// Fabric is the join point (spec §2 dependency order): it terminates
// client sessions, authenticates and rate-limits them, and routes
// MESSAGE/QUERY/SUBSCRIBE envelopes to the registry, provider router, and
// memory service.
type Fabric struct {
	cfg      Config
	registry *Registry
	identity domain.IdentityStore
	router   *provider.Router
	mem      *memory.Service
	nodes    NodeLister
	tasks    TaskSubmitter
	caps     []string
}

// NewFabric wires the session fabric's dependencies.
func NewFabric(identity domain.IdentityStore, router *provider.Router, mem *memory.Service, nodes NodeLister, cfg Config) *Fabric {
	return &Fabric{
		cfg:      cfg,
		registry: NewRegistry(),
		identity: identity,
		router:   router,
		mem:      mem,
		nodes:    nodes,
		caps:     []string{"streaming", "extended_thinking", "memory"},
	}
}

// SetTasks wires the leader-distributed task queue; safe to leave unset
// (MemorySync/Broadcast submission is then skipped) for tests that don't
// exercise those paths.
func (f *Fabric) SetTasks(tasks TaskSubmitter) { f.tasks = tasks }

// Registry exposes the live session registry for the admin HTTP surface.
func (f *Fabric) Registry() *Registry { return f.registry }

// Accept registers a new session over transport, sends WELCOME, and starts
// its read loop. The caller should not touch transport again.
func (f *Fabric) Accept(ctx context.Context, transport Transport) *Session {
	id := envelope.NewID()
	s := New(id, "", transport, f.cfg)
	f.registry.Add(s)

	welcome, _ := json.Marshal(WelcomePayload{SessionID: id, Capabilities: f.caps})
	s.Enqueue(envelope.Envelope{
		MessageID: envelope.NewID(),
		Version:   envelope.ProtocolVersion,
		Type:      envelope.Welcome,
		Timestamp: envelope.NowMillis(),
		Priority:  0,
		Payload:   welcome,
	})

	go f.readLoop(ctx, s)
	return s
}

func (f *Fabric) readLoop(ctx context.Context, s *Session) {
	defer func() {
		f.registry.Remove(s)
		s.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := s.transport.ReadMessage()
		if err != nil {
			return
		}

		e, err := envelope.Decode(data)
		if err != nil {
			f.replyError(s, "", envelope.CodeInvalidMessage, "malformed envelope", false)
			continue
		}
		if err := envelope.Validate(e); err != nil {
			log.Printf("[session] %s validation failed: %v", s.ID, err)
			f.replyError(s, e.MessageID, envelope.CodeInvalidMessage, err.Error(), false)
			continue
		}

		s.Touch()

		if s.SeenBefore(e.MessageID) {
			continue
		}

		if !s.AllowEnvelope() {
			metrics.RateLimitRejections.Inc()
			f.replyError(s, e.MessageID, envelope.CodeRateLimitExceeded, "rate limit exceeded", false)
			continue
		}

		f.dispatch(ctx, s, e)
	}
}

func (f *Fabric) dispatch(ctx context.Context, s *Session, e envelope.Envelope) {
	if s.State() != domain.SessionActive && e.Type != envelope.Register && e.Type != envelope.Heartbeat {
		f.replyError(s, e.MessageID, envelope.CodeAuthenticationRequired, "session not authenticated", false)
		return
	}

	switch e.Type {
	case envelope.Register:
		f.handleRegister(ctx, s, e)
	case envelope.Heartbeat:
		f.handleHeartbeat(s, e)
	case envelope.Message:
		f.handleMessage(ctx, s, e)
	case envelope.Query:
		f.handleQuery(s, e)
	case envelope.Broadcast:
		f.handleBroadcast(s, e)
	case envelope.Subscribe:
		f.handleSubscribe(s, e)
	case envelope.Unsubscribe:
		f.handleUnsubscribe(s, e)
	default:
		f.replyError(s, e.MessageID, envelope.CodeUnknownMessageType, "unknown message type", false)
	}
}

func (f *Fabric) handleRegister(ctx context.Context, s *Session, e envelope.Envelope) {
	var payload RegisterPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		f.replyError(s, e.MessageID, envelope.CodeInvalidMessage, "malformed register payload", false)
		return
	}

	ok, err := f.identity.VerifyToken(ctx, payload.ClientID, payload.AuthToken)
	if err != nil || !ok {
		ack, _ := json.Marshal(RegisterAckPayload{Success: false, SessionID: s.ID, Reason: "invalid credentials"})
		s.Enqueue(envelope.Envelope{
			MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.RegisterAck,
			InReplyTo: e.MessageID, Timestamp: envelope.NowMillis(), Priority: 0, Payload: ack,
		})
		f.replyError(s, e.MessageID, envelope.CodeAuthenticationFailed, "authentication failed", false)
		go s.CloseAfterDrain(time.Second)
		return
	}

	s.ClientID = payload.ClientID
	s.setState(domain.SessionAuthenticated)
	f.registry.Bind(payload.ClientID, s)
	s.setState(domain.SessionActive)
	f.registry.updateGauge()

	if f.mem != nil {
		if _, err := f.mem.ResumeSession(s.ID); err != nil {
			log.Printf("[session] %s memory resume failed: %v", s.ID, err)
		}
	}

	ack, _ := json.Marshal(RegisterAckPayload{Success: true, SessionID: s.ID})
	s.Enqueue(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.RegisterAck,
		InReplyTo: e.MessageID, Timestamp: envelope.NowMillis(), Priority: 0, Payload: ack,
	})
}

func (f *Fabric) handleHeartbeat(s *Session, e envelope.Envelope) {
	ack, _ := json.Marshal(HeartbeatAckPayload{ServerTime: envelope.NowMillis()})
	s.Enqueue(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.HeartbeatAck,
		InReplyTo: e.MessageID, Timestamp: envelope.NowMillis(), Priority: 0, Payload: ack,
	})
}

func (f *Fabric) handleSubscribe(s *Session, e envelope.Envelope) {
	var payload SubscribePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil || payload.Group == "" {
		f.replyError(s, e.MessageID, envelope.CodeInvalidMessage, "malformed subscribe payload", false)
		return
	}
	s.Subscribe(payload.Group)
	s.Enqueue(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.SubscribeAck,
		InReplyTo: e.MessageID, Timestamp: envelope.NowMillis(), Priority: 0, Payload: e.Payload,
	})
}

func (f *Fabric) handleUnsubscribe(s *Session, e envelope.Envelope) {
	var payload SubscribePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil || payload.Group == "" {
		f.replyError(s, e.MessageID, envelope.CodeInvalidMessage, "malformed unsubscribe payload", false)
		return
	}
	s.Unsubscribe(payload.Group)
	s.Enqueue(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.UnsubscribeAck,
		InReplyTo: e.MessageID, Timestamp: envelope.NowMillis(), Priority: 0, Payload: e.Payload,
	})
}

// handleMessage routes by target (spec §4.3): direct, group, broadcast, or
// (with no target) an AI request handled by the provider router.
func (f *Fabric) handleMessage(ctx context.Context, s *Session, e envelope.Envelope) {
	if e.Target != nil && e.Target.ClientID != "" {
		target, ok := f.registry.GetByClient(e.Target.ClientID)
		if !ok || target.State() != domain.SessionActive {
			f.replyError(s, e.MessageID, envelope.CodeTargetNotFound, "target not found", false)
			return
		}
		target.Enqueue(e)
		return
	}
	if e.Target != nil && e.Target.Group != "" {
		for _, target := range f.registry.SubscribedExcept(e.Target.Group, s) {
			target.Enqueue(e)
		}
		return
	}
	if e.Target != nil && e.Target.All {
		for _, target := range f.registry.ActiveExcept(s) {
			target.Enqueue(e)
		}
		return
	}

	f.handleAIRequest(ctx, s, e)
}

// handleBroadcast submits a Broadcast task instead of fanning out inline,
// so a BROADCAST envelope sent to any node reaches every session once the
// current Leader's task queue drains it (spec §4.2 Task kinds), rather
// than only the sessions connected to whichever node received it.
func (f *Fabric) handleBroadcast(s *Session, e envelope.Envelope) {
	if f.tasks == nil {
		f.DeliverBroadcast(e, s)
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		f.replyError(s, e.MessageID, envelope.CodeInvalidMessage, "malformed broadcast envelope", false)
		return
	}
	f.tasks.Submit(domain.Task{
		ID:        envelope.NewID(),
		Kind:      domain.TaskBroadcast,
		Payload:   body,
		CreatedAt: time.Now(),
	})
}

// DeliverBroadcast fans env out to every locally connected Active session
// other than exclude (which may be nil). Called directly when no task
// queue is wired, and by the Broadcast TaskBackend once the leader drains
// the task.
func (f *Fabric) DeliverBroadcast(env envelope.Envelope, exclude *Session) {
	for _, target := range f.registry.ActiveExcept(exclude) {
		target.Enqueue(env)
	}
}

func (f *Fabric) handleAIRequest(ctx context.Context, s *Session, e envelope.Envelope) {
	var payload MessagePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		f.replyError(s, e.MessageID, envelope.CodeInvalidMessage, "malformed message payload", false)
		return
	}

	req := domain.ChatRequest{
		Model:         payload.Model,
		System:        payload.SystemPrompt,
		Stream:        payload.Stream,
		ExtendedThink: payload.ExtendedThink,
		BudgetTokens:  payload.BudgetTokens,
		Messages:      []domain.Message{{Role: domain.RoleUser, Content: payload.Content}},
	}

	if payload.Stream {
		f.streamAIRequest(ctx, s, e, req, payload.Provider)
		return
	}

	resp, err := f.router.Send(ctx, req, nil, payload.Provider)
	if err != nil {
		if provider.IsSemantic(err) {
			f.replyError(s, e.MessageID, envelope.CodeProviderError, err.Error(), false)
			return
		}
		f.replyError(s, e.MessageID, envelope.CodeProviderError, err.Error(), true)
		return
	}

	f.persistTurn(s, payload, resp.Content, resp.Model, resp.TotalTokens, resp.LatencyMs)

	body, _ := json.Marshal(ResponsePayload{
		Content:  resp.Content,
		Provider: payload.Provider,
		Model:    resp.Model,
		Usage:    UsagePayload{TotalTokens: resp.TotalTokens},
	})
	s.Enqueue(envelope.Envelope{
		MessageID:     envelope.NewID(),
		Version:       envelope.ProtocolVersion,
		Type:          envelope.Response,
		InReplyTo:     e.MessageID,
		CorrelationID: e.MessageID,
		Timestamp:     envelope.NowMillis(),
		Priority:      e.Priority,
		Payload:       body,
	})
}

// persistTurn appends the user prompt and the provider's reply to the
// session's conversation log, keyed on the session ID since the fabric does
// not track a separate conversation identifier per message exchange.
func (f *Fabric) persistTurn(s *Session, payload MessagePayload, replyContent, model string, totalTokens int, latencyMs int64) {
	if f.mem == nil {
		return
	}
	now := time.Now()
	if err := f.mem.AppendMessage(domain.Message{
		ID: envelope.NewID(), ConversationID: s.ID, SessionID: s.ID,
		Role: domain.RoleUser, Content: payload.Content, Provider: payload.Provider, Model: payload.Model,
		CreatedAt: now,
	}); err != nil {
		log.Printf("[session] %s failed to persist user message: %v", s.ID, err)
	}
	if err := f.mem.AppendMessage(domain.Message{
		ID: envelope.NewID(), ConversationID: s.ID, SessionID: s.ID,
		Role: domain.RoleAssistant, Content: replyContent, Provider: payload.Provider, Model: model,
		TokensUsed: totalTokens, LatencyMs: latencyMs, CreatedAt: now,
	}); err != nil {
		log.Printf("[session] %s failed to persist assistant message: %v", s.ID, err)
	}
	f.submitMemorySync(s.ID)
}

// submitMemorySync hands a MemorySync task to the leader so the session's
// hot cache gets reconciled with what was just written to cold storage
// (spec §4.2 Task kinds), regardless of which node served the request.
func (f *Fabric) submitMemorySync(sessionID string) {
	if f.tasks == nil {
		return
	}
	payload, _ := json.Marshal(memorySyncPayload{SessionID: sessionID})
	f.tasks.Submit(domain.Task{
		ID:        envelope.NewID(),
		Kind:      domain.TaskMemorySync,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

// memorySyncPayload is the MemorySync task's payload, naming the session
// whose hot cache must be reconciled against cold storage.
type memorySyncPayload struct {
	SessionID string `json:"session_id"`
}

func (f *Fabric) streamAIRequest(ctx context.Context, s *Session, e envelope.Envelope, req domain.ChatRequest, preferred string) {
	chunks, err := f.router.Stream(ctx, req, nil, preferred)
	if err != nil {
		f.replyError(s, e.MessageID, envelope.CodeProviderError, err.Error(), true)
		return
	}

	for chunk := range chunks {
		kind := "content"
		switch chunk.Kind {
		case domain.ChunkThinking:
			kind = "thinking"
		case domain.ChunkMetadata:
			kind = "metadata"
		case domain.ChunkError:
			kind = "error"
		}
		errText := ""
		if chunk.Err != nil {
			errText = chunk.Err.Error()
		}
		body, _ := json.Marshal(StreamChunkPayload{Kind: kind, Text: chunk.Text, Metadata: chunk.Metadata, Error: errText})
		s.Enqueue(envelope.Envelope{
			MessageID:     envelope.NewID(),
			Version:       envelope.ProtocolVersion,
			Type:          envelope.StreamChunk,
			InReplyTo:     e.MessageID,
			CorrelationID: e.MessageID,
			Timestamp:     envelope.NowMillis(),
			Priority:      e.Priority,
			Payload:       body,
		})
	}

	end, _ := json.Marshal(StreamEndPayload{})
	s.Enqueue(envelope.Envelope{
		MessageID:     envelope.NewID(),
		Version:       envelope.ProtocolVersion,
		Type:          envelope.StreamEnd,
		InReplyTo:     e.MessageID,
		CorrelationID: e.MessageID,
		Timestamp:     envelope.NowMillis(),
		Priority:      e.Priority,
		Payload:       end,
	})
}

// listProviders reports the IDs of every registered, enabled provider
// (spec §4.3 query surface), in the router's registration order.
func (f *Fabric) listProviders() []string {
	if f.router == nil {
		return []string{}
	}
	entries := f.router.Entries()
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		if !en.Adapter.IsEnabled() {
			continue
		}
		out = append(out, en.Provider.ID)
	}
	return out
}

// listModels reports each enabled provider's default model, keyed by
// provider ID, for the list_models query.
func (f *Fabric) listModels() map[string]string {
	out := map[string]string{}
	if f.router == nil {
		return out
	}
	for _, en := range f.router.Entries() {
		if !en.Adapter.IsEnabled() {
			continue
		}
		out[en.Provider.ID] = en.Provider.DefaultModel
	}
	return out
}

func (f *Fabric) handleQuery(s *Session, e envelope.Envelope) {
	var payload QueryPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		f.replyError(s, e.MessageID, envelope.CodeInvalidMessage, "malformed query payload", false)
		return
	}

	var result any
	switch payload.Type {
	case "list_providers":
		result = map[string]any{"providers": f.listProviders()}
	case "list_models":
		result = map[string]any{"models": f.listModels()}
	case "get_nodes":
		var nodes []domain.Node
		if f.nodes != nil {
			nodes = f.nodes.Members()
		}
		result = map[string]any{"nodes": nodes}
	case "session_info":
		result = map[string]any{"sessionId": s.ID, "clientId": s.ClientID, "state": s.State().String()}
	default:
		body, _ := json.Marshal(map[string]string{"error": "Unknown query type"})
		s.Enqueue(envelope.Envelope{
			MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Response,
			InReplyTo: e.MessageID, Timestamp: envelope.NowMillis(), Priority: e.Priority, Payload: body,
		})
		return
	}

	body, _ := json.Marshal(result)
	s.Enqueue(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Response,
		InReplyTo: e.MessageID, Timestamp: envelope.NowMillis(), Priority: e.Priority, Payload: body,
	})
}

func (f *Fabric) replyError(s *Session, inReplyTo, code, message string, retryable bool) {
	s.Enqueue(envelope.NewError(inReplyTo, code, message, retryable))
}

// RunHeartbeatMonitor closes sessions whose last activity exceeds the
// configured heartbeat timeout (spec §4.3 Heartbeat monitor task).
func (f *Fabric) RunHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range f.registry.ActiveExcept(nil) {
				if s.IdleFor() > f.cfg.HeartbeatTimeout {
					log.Printf("[session] %s idle for %s, closing", s.ID, s.IdleFor())
					s.Close()
				}
			}
		}
	}
}
