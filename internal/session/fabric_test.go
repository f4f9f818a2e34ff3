package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
	"github.com/tutu-network/tutumesh/internal/envelope"
	"github.com/tutu-network/tutumesh/internal/infra/memory"
	"github.com/tutu-network/tutumesh/internal/infra/provider"
)

// fakeTransport is an in-memory Transport for exercising the fabric without
// a real socket. Writes land in out; reads are served from in, one per call.
type fakeTransport struct {
	mu     sync.Mutex
	in     [][]byte
	out    [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) feed(e envelope.Envelope) {
	data, _ := envelope.Encode(e)
	t.mu.Lock()
	t.in = append(t.in, data)
	t.mu.Unlock()
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, errors.New("closed")
		}
		if len(t.in) > 0 {
			data := t.in[0]
			t.in = t.in[1:]
			t.mu.Unlock()
			return data, nil
		}
		t.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.out = append(t.out, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) SetReadDeadline(time.Time) error { return nil }

func (t *fakeTransport) outbound() []envelope.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]envelope.Envelope, 0, len(t.out))
	for _, data := range t.out {
		e, err := envelope.Decode(data)
		if err == nil {
			out = append(out, e)
		}
	}
	return out
}

func (t *fakeTransport) waitForType(tp envelope.Type, timeout time.Duration) (envelope.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range t.outbound() {
			if e.Type == tp {
				return e, true
			}
		}
		time.Sleep(time.Millisecond)
	}
	return envelope.Envelope{}, false
}

type fakeIdentity struct {
	tokens map[string]string
}

func (f *fakeIdentity) VerifyToken(_ context.Context, clientID, token string) (bool, error) {
	want, ok := f.tokens[clientID]
	if !ok {
		return false, nil
	}
	return want == token, nil
}

type stubAdapter struct {
	resp domain.ChatResponse
}

func (s stubAdapter) Send(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	return s.resp, nil
}
func (s stubAdapter) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	ch := make(chan domain.StreamChunk, 1)
	ch <- domain.StreamChunk{Kind: domain.ChunkContent, Text: s.resp.Content}
	close(ch)
	return ch, nil
}
func (s stubAdapter) IsEnabled() bool { return true }

func testRouter() *provider.Router {
	return provider.New([]provider.Entry{
		{
			Provider: domain.Provider{ID: "fixture", Capabilities: map[domain.Capability]struct{}{}, Priority: 1},
			Adapter:  stubAdapter{resp: domain.ChatResponse{Content: "hi there", Model: "fixture-model", TotalTokens: 12}},
		},
	}, 5*time.Second)
}

func testFabric(t *testing.T, identity domain.IdentityStore) (*Fabric, *fakeTransport) {
	t.Helper()
	f := NewFabric(identity, testRouter(), nil, nil, DefaultConfig())
	transport := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.Accept(ctx, transport)
	return f, transport
}

func registerEnvelope(clientID, token, sessionID string) envelope.Envelope {
	payload, _ := json.Marshal(RegisterPayload{ClientID: clientID, AuthToken: token})
	return envelope.Envelope{
		MessageID: envelope.NewID(),
		Version:   envelope.ProtocolVersion,
		Type:      envelope.Register,
		Source:    envelope.Source{ClientID: clientID, SessionID: sessionID},
		Timestamp: envelope.NowMillis(),
		Priority:  0,
		Payload:   payload,
	}
}

func TestFabricAcceptSendsWelcome(t *testing.T) {
	_, transport := testFabric(t, &fakeIdentity{})
	e, ok := transport.waitForType(envelope.Welcome, time.Second)
	if !ok {
		t.Fatal("expected WELCOME envelope")
	}
	var payload WelcomePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if payload.SessionID == "" {
		t.Error("expected non-empty session id")
	}
}

func TestFabricRegisterSucceeds(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	_, transport := testFabric(t, identity)

	welcome, ok := transport.waitForType(envelope.Welcome, time.Second)
	if !ok {
		t.Fatal("missing welcome")
	}
	var wp WelcomePayload
	json.Unmarshal(welcome.Payload, &wp)

	transport.feed(registerEnvelope("alice", "secret", wp.SessionID))

	ack, ok := transport.waitForType(envelope.RegisterAck, time.Second)
	if !ok {
		t.Fatal("expected REGISTER_ACK")
	}
	var rp RegisterAckPayload
	json.Unmarshal(ack.Payload, &rp)
	if !rp.Success {
		t.Errorf("expected registration success, got reason %q", rp.Reason)
	}
}

func TestFabricRegisterFailsWithBadToken(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	_, transport := testFabric(t, identity)

	welcome, _ := transport.waitForType(envelope.Welcome, time.Second)
	var wp WelcomePayload
	json.Unmarshal(welcome.Payload, &wp)

	transport.feed(registerEnvelope("alice", "wrong", wp.SessionID))

	ack, ok := transport.waitForType(envelope.RegisterAck, time.Second)
	if !ok {
		t.Fatal("expected REGISTER_ACK")
	}
	var rp RegisterAckPayload
	json.Unmarshal(ack.Payload, &rp)
	if rp.Success {
		t.Error("expected registration failure")
	}
	if _, ok := transport.waitForType(envelope.Error, time.Second); !ok {
		t.Error("expected an ERROR envelope alongside the failed ack")
	}
}

func TestFabricRejectsMessageBeforeAuth(t *testing.T) {
	_, transport := testFabric(t, &fakeIdentity{})
	welcome, _ := transport.waitForType(envelope.Welcome, time.Second)
	var wp WelcomePayload
	json.Unmarshal(welcome.Payload, &wp)

	body, _ := json.Marshal(MessagePayload{Content: "hello"})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Message,
		Source: envelope.Source{ClientID: "nobody", SessionID: wp.SessionID},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})

	errEnv, ok := transport.waitForType(envelope.Error, time.Second)
	if !ok {
		t.Fatal("expected an ERROR envelope")
	}
	var ep envelope.ErrorPayload
	json.Unmarshal(errEnv.Payload, &ep)
	if ep.ErrorCode != envelope.CodeAuthenticationRequired {
		t.Errorf("got code %q, want %q", ep.ErrorCode, envelope.CodeAuthenticationRequired)
	}
}

func registerAndGetSessionID(t *testing.T, identity *fakeIdentity, transport *fakeTransport, clientID, token string) string {
	t.Helper()
	welcome, ok := transport.waitForType(envelope.Welcome, time.Second)
	if !ok {
		t.Fatal("missing welcome")
	}
	var wp WelcomePayload
	json.Unmarshal(welcome.Payload, &wp)
	transport.feed(registerEnvelope(clientID, token, wp.SessionID))
	if _, ok := transport.waitForType(envelope.RegisterAck, time.Second); !ok {
		t.Fatal("missing register ack")
	}
	return wp.SessionID
}

func TestFabricAIRequestReturnsResponse(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	_, transport := testFabric(t, identity)
	sessionID := registerAndGetSessionID(t, identity, transport, "alice", "secret")

	body, _ := json.Marshal(MessagePayload{Content: "what is the weather"})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Message,
		Source: envelope.Source{ClientID: "alice", SessionID: sessionID},
		Timestamp: envelope.NowMillis(), Priority: 5, Payload: body,
	})

	resp, ok := transport.waitForType(envelope.Response, time.Second)
	if !ok {
		t.Fatal("expected RESPONSE envelope")
	}
	var rp ResponsePayload
	json.Unmarshal(resp.Payload, &rp)
	if rp.Content != "hi there" {
		t.Errorf("got content %q", rp.Content)
	}
	if rp.Usage.TotalTokens != 12 {
		t.Errorf("got total tokens %d, want 12", rp.Usage.TotalTokens)
	}
}

func TestFabricStreamingAIRequestEndsWithStreamEnd(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	_, transport := testFabric(t, identity)
	sessionID := registerAndGetSessionID(t, identity, transport, "alice", "secret")

	body, _ := json.Marshal(MessagePayload{Content: "stream this", Stream: true})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Message,
		Source: envelope.Source{ClientID: "alice", SessionID: sessionID},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})

	if _, ok := transport.waitForType(envelope.StreamChunk, time.Second); !ok {
		t.Fatal("expected a STREAM_CHUNK envelope")
	}
	if _, ok := transport.waitForType(envelope.StreamEnd, time.Second); !ok {
		t.Fatal("expected a STREAM_END envelope")
	}
}

func TestFabricTargetNotFound(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	_, transport := testFabric(t, identity)
	sessionID := registerAndGetSessionID(t, identity, transport, "alice", "secret")

	body, _ := json.Marshal(MessagePayload{Content: "hi"})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Message,
		Source: envelope.Source{ClientID: "alice", SessionID: sessionID},
		Target:    &envelope.Target{ClientID: "nobody-home"},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})

	errEnv, ok := transport.waitForType(envelope.Error, time.Second)
	if !ok {
		t.Fatal("expected an ERROR envelope")
	}
	var ep envelope.ErrorPayload
	json.Unmarshal(errEnv.Payload, &ep)
	if ep.ErrorCode != envelope.CodeTargetNotFound {
		t.Errorf("got code %q, want %q", ep.ErrorCode, envelope.CodeTargetNotFound)
	}
}

func TestFabricDirectMessageDelivery(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret", "bob": "secret2"}}
	router := testRouter()
	f := NewFabric(identity, router, nil, nil, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	aliceTransport := newFakeTransport()
	f.Accept(ctx, aliceTransport)
	aliceSessionID := registerAndGetSessionID(t, identity, aliceTransport, "alice", "secret")

	bobTransport := newFakeTransport()
	f.Accept(ctx, bobTransport)
	registerAndGetSessionID(t, identity, bobTransport, "bob", "secret2")

	body, _ := json.Marshal(MessagePayload{Content: "hey bob"})
	aliceTransport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Message,
		Source: envelope.Source{ClientID: "alice", SessionID: aliceSessionID},
		Target:    &envelope.Target{ClientID: "bob"},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})

	delivered, ok := bobTransport.waitForType(envelope.Message, time.Second)
	if !ok {
		t.Fatal("expected bob's transport to receive the MESSAGE envelope")
	}
	var mp MessagePayload
	json.Unmarshal(delivered.Payload, &mp)
	if mp.Content != "hey bob" {
		t.Errorf("got content %q", mp.Content)
	}
}

func TestFabricRateLimitExceeded(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimiterConfig{Points: 2, Window: time.Minute}
	f := NewFabric(identity, testRouter(), nil, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	transport := newFakeTransport()
	f.Accept(ctx, transport)

	welcome, _ := transport.waitForType(envelope.Welcome, time.Second)
	var wp WelcomePayload
	json.Unmarshal(welcome.Payload, &wp)
	transport.feed(registerEnvelope("alice", "secret", wp.SessionID))
	transport.waitForType(envelope.RegisterAck, time.Second)

	body, _ := json.Marshal(MessagePayload{Content: "first"})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Message,
		Source: envelope.Source{ClientID: "alice", SessionID: wp.SessionID},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})
	transport.waitForType(envelope.Response, time.Second)

	body2, _ := json.Marshal(MessagePayload{Content: "second"})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Message,
		Source: envelope.Source{ClientID: "alice", SessionID: wp.SessionID},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body2,
	})

	deadline := time.Now().Add(time.Second)
	found := false
	for time.Now().Before(deadline) {
		for _, e := range transport.outbound() {
			if e.Type == envelope.Error {
				var ep envelope.ErrorPayload
				json.Unmarshal(e.Payload, &ep)
				if ep.ErrorCode == envelope.CodeRateLimitExceeded {
					found = true
				}
			}
		}
		if found {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !found {
		t.Fatal("expected a RATE_LIMIT_EXCEEDED error envelope")
	}
}

func TestFabricUnknownQueryType(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	_, transport := testFabric(t, identity)
	sessionID := registerAndGetSessionID(t, identity, transport, "alice", "secret")

	body, _ := json.Marshal(QueryPayload{Type: "not_a_real_query"})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Query,
		Source: envelope.Source{ClientID: "alice", SessionID: sessionID},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})

	resp, ok := transport.waitForType(envelope.Response, time.Second)
	if !ok {
		t.Fatal("expected RESPONSE envelope")
	}
	var out map[string]string
	json.Unmarshal(resp.Payload, &out)
	if out["error"] != "Unknown query type" {
		t.Errorf("got %v", out)
	}
}

func TestFabricListProvidersReflectsRouter(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	_, transport := testFabric(t, identity)
	sessionID := registerAndGetSessionID(t, identity, transport, "alice", "secret")

	body, _ := json.Marshal(QueryPayload{Type: "list_providers"})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Query,
		Source: envelope.Source{ClientID: "alice", SessionID: sessionID},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})

	resp, ok := transport.waitForType(envelope.Response, time.Second)
	if !ok {
		t.Fatal("expected RESPONSE envelope")
	}
	var out struct {
		Providers []string `json:"providers"`
	}
	json.Unmarshal(resp.Payload, &out)
	if len(out.Providers) != 1 || out.Providers[0] != "fixture" {
		t.Errorf("expected [fixture], got %v", out.Providers)
	}
}

// fakeTaskSubmitter records submitted Tasks instead of running a real queue.
type fakeTaskSubmitter struct {
	mu       sync.Mutex
	received []domain.Task
}

func (f *fakeTaskSubmitter) Submit(task domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, task)
}

func (f *fakeTaskSubmitter) tasks() []domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Task, len(f.received))
	copy(out, f.received)
	return out
}

func TestFabricBroadcastSubmitsTaskInsteadOfFanningOutInline(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret", "bob": "secret2"}}
	f := NewFabric(identity, testRouter(), nil, nil, DefaultConfig())
	tasks := &fakeTaskSubmitter{}
	f.SetTasks(tasks)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	aliceTransport := newFakeTransport()
	f.Accept(ctx, aliceTransport)
	aliceSessionID := registerAndGetSessionID(t, identity, aliceTransport, "alice", "secret")

	bobTransport := newFakeTransport()
	f.Accept(ctx, bobTransport)
	registerAndGetSessionID(t, identity, bobTransport, "bob", "secret2")

	body, _ := json.Marshal(MessagePayload{Content: "everyone hi"})
	aliceTransport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Broadcast,
		Source: envelope.Source{ClientID: "alice", SessionID: aliceSessionID},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(tasks.tasks()) == 0 {
		time.Sleep(time.Millisecond)
	}
	got := tasks.tasks()
	if len(got) != 1 || got[0].Kind != domain.TaskBroadcast {
		t.Fatalf("expected one Broadcast task submitted, got %v", got)
	}
	// Bob must not have received anything directly: a wired task queue
	// means delivery happens only once the Leader drains the task.
	if _, ok := bobTransport.waitForType(envelope.Broadcast, 50*time.Millisecond); ok {
		t.Error("expected no inline delivery once a task queue is wired")
	}
}

func TestFabricDeliverBroadcastFansOutToActiveSessions(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret", "bob": "secret2"}}
	f := NewFabric(identity, testRouter(), nil, nil, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	aliceTransport := newFakeTransport()
	f.Accept(ctx, aliceTransport)
	registerAndGetSessionID(t, identity, aliceTransport, "alice", "secret")

	bobTransport := newFakeTransport()
	f.Accept(ctx, bobTransport)
	registerAndGetSessionID(t, identity, bobTransport, "bob", "secret2")

	body, _ := json.Marshal(MessagePayload{Content: "from the leader"})
	f.DeliverBroadcast(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Broadcast,
		Timestamp: envelope.NowMillis(), Payload: body,
	}, nil)

	if _, ok := aliceTransport.waitForType(envelope.Broadcast, time.Second); !ok {
		t.Error("expected alice to receive the drained broadcast")
	}
	if _, ok := bobTransport.waitForType(envelope.Broadcast, time.Second); !ok {
		t.Error("expected bob to receive the drained broadcast")
	}
}

func TestFabricAIRequestSubmitsMemorySyncTask(t *testing.T) {
	db, err := memory.Open(":memory:")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	memSvc := memory.NewService(db, memory.DefaultServiceConfig())

	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	f := NewFabric(identity, testRouter(), memSvc, nil, DefaultConfig())
	tasks := &fakeTaskSubmitter{}
	f.SetTasks(tasks)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	transport := newFakeTransport()
	f.Accept(ctx, transport)
	sessionID := registerAndGetSessionID(t, identity, transport, "alice", "secret")

	body, _ := json.Marshal(MessagePayload{Content: "remember this"})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Message,
		Source: envelope.Source{ClientID: "alice", SessionID: sessionID},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})

	if _, ok := transport.waitForType(envelope.Response, time.Second); !ok {
		t.Fatal("expected RESPONSE envelope")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(tasks.tasks()) == 0 {
		time.Sleep(time.Millisecond)
	}
	got := tasks.tasks()
	if len(got) != 1 || got[0].Kind != domain.TaskMemorySync {
		t.Fatalf("expected one MemorySync task submitted, got %v", got)
	}
	var payload struct {
		SessionID string `json:"session_id"`
	}
	json.Unmarshal(got[0].Payload, &payload)
	if payload.SessionID != sessionID {
		t.Errorf("expected session id %s, got %s", sessionID, payload.SessionID)
	}
}

func TestFabricSubscribeAck(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]string{"alice": "secret"}}
	_, transport := testFabric(t, identity)
	sessionID := registerAndGetSessionID(t, identity, transport, "alice", "secret")

	body, _ := json.Marshal(SubscribePayload{Group: "room-1"})
	transport.feed(envelope.Envelope{
		MessageID: envelope.NewID(), Version: envelope.ProtocolVersion, Type: envelope.Subscribe,
		Source: envelope.Source{ClientID: "alice", SessionID: sessionID},
		Timestamp: envelope.NowMillis(), Priority: 0, Payload: body,
	})

	if _, ok := transport.waitForType(envelope.SubscribeAck, time.Second); !ok {
		t.Fatal("expected SUBSCRIBE_ACK")
	}
}
