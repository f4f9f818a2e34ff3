package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
	"github.com/tutu-network/tutumesh/internal/envelope"
	"github.com/tutu-network/tutumesh/internal/infra/election"
	"github.com/tutu-network/tutumesh/internal/infra/gossip"
	"github.com/tutu-network/tutumesh/internal/infra/identity"
	"github.com/tutu-network/tutumesh/internal/infra/memory"
	"github.com/tutu-network/tutumesh/internal/infra/provider"
	"github.com/tutu-network/tutumesh/internal/infra/taskqueue"
	"github.com/tutu-network/tutumesh/internal/metrics"
	"github.com/tutu-network/tutumesh/internal/session"
)

// healthCheckInterval is how often a Leader submits a self-check Task
// (spec §4.2 HealthCheck task kind) while it holds the role.
const healthCheckInterval = 30 * time.Second

// Node wires every subsystem named in the spec into one running process:
// gossip membership, leader election, the leader-distributed task queue,
// the client session fabric, provider routing, and the memory store.
type Node struct {
	cfg Config

	Gossip   *gossip.Engine
	Elector  *election.Elector
	Tasks    *taskqueue.Queue
	Memory   *memory.Service
	Router   *provider.Router
	Identity *identity.Store
	Fabric   *session.Fabric

	db *memory.DB
}

// NewNode constructs a Node from cfg without starting any background
// loops; call Run to start serving.
func NewNode(selfID string, cfg Config) (*Node, error) {
	db, err := memory.Open(cfg.Memory.Path)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	memSvc := memory.NewService(db, memoryServiceConfig(cfg.Memory))

	gossipCfg := gossip.DefaultConfig()
	gossipCfg.BindAddr = fmt.Sprintf("%s:%d", cfg.Gossip.BindAddr, cfg.Gossip.BindPort)
	gossipCfg.ProbeTimeout = parseDuration(cfg.Gossip.ProbeTimeout, gossipCfg.ProbeTimeout)
	gossipCfg.Interval = parseDuration(cfg.Gossip.ProbeInterval, gossipCfg.Interval)
	gossipCfg.SuspectTimeout = parseDuration(cfg.Gossip.SuspectTimeout, gossipCfg.SuspectTimeout)
	engine := gossip.New(selfID, gossipCfg)

	elector := election.New(engine, electorConfig(cfg.Election))

	tasks := taskqueue.New(taskqueue.DefaultConfig())

	entries, err := buildProviderEntries(cfg.Providers)
	if err != nil {
		return nil, err
	}
	router := provider.New(entries, 60*time.Second)

	idStore := identity.NewStore()

	fabric := session.NewFabric(idStore, router, memSvc, engine, sessionConfig(cfg.Session, cfg.RateLimit))
	fabric.SetTasks(tasks)

	n := &Node{
		cfg: cfg, Gossip: engine, Elector: elector, Tasks: tasks,
		Memory: memSvc, Router: router, Identity: idStore, Fabric: fabric, db: db,
	}

	tasks.RegisterBackend(domain.TaskHealthCheck, &healthCheckBackend{n: n})
	tasks.RegisterBackend(domain.TaskAIRequest, &aiRequestCanaryBackend{n: n})
	tasks.RegisterBackend(domain.TaskMemorySync, &memorySyncBackend{n: n})
	tasks.RegisterBackend(domain.TaskBroadcast, &broadcastBackend{n: n})

	engine.OnStateChange(func(node domain.Node, old, nw domain.PeerState) {
		if nw == domain.PeerSuspect {
			metrics.SuspectTransitions.Inc()
		}
		log.Printf("[daemon] peer %s transitioned %s -> %s", node.ID, old, nw)
		counts := map[domain.PeerState]int{}
		for _, m := range engine.Members() {
			counts[m.State]++
		}
		metrics.RosterSize.WithLabelValues("alive").Set(float64(counts[domain.PeerAlive]))
		metrics.RosterSize.WithLabelValues("suspect").Set(float64(counts[domain.PeerSuspect]))
		metrics.RosterSize.WithLabelValues("dead").Set(float64(counts[domain.PeerDead]))
		metrics.RosterSize.WithLabelValues("left").Set(float64(counts[domain.PeerLeft]))

		if nw != domain.PeerAlive {
			if node.ID == engine.LocalID() {
				elector.StepDown(elector.Snapshot().Term)
			} else {
				elector.NotifyLeaderLost(node.ID)
			}
		}
	})

	// Bridges the gossip->election gap: a leader's Sync announcement
	// (is_leader=true, possibly without any PeerState transition) resets
	// every other node's election deadline per spec §4.2.
	engine.OnLeaderObserved(func(node domain.Node) {
		if node.ID == engine.LocalID() {
			return
		}
		elector.RecordLeaderContact(node.ID, node.Incarnation)
	})

	var selfCheckCancel context.CancelFunc
	elector.OnRoleChange(func(st election.State) {
		metrics.ElectionTerm.Set(float64(st.Term))
		metrics.ElectionRole.Set(float64(st.Role))
		metrics.LeadershipChanges.Inc()
		log.Printf("[daemon] role now %s (term %d, leader %s)", st.Role, st.Term, st.LeaderID)
		if st.Role == domain.RoleLeader {
			tasks.StartDraining(context.Background())
			ctx, cancel := context.WithCancel(context.Background())
			selfCheckCancel = cancel
			go n.runSelfChecks(ctx)
		} else {
			tasks.StopDraining()
			if selfCheckCancel != nil {
				selfCheckCancel()
				selfCheckCancel = nil
			}
		}
	})

	return n, nil
}

// runSelfChecks periodically submits HealthCheck and AIRequest canary
// tasks while this node holds the Leader role, giving the task queue
// real, recurring work instead of sitting empty (spec §4.2 Task kinds).
func (n *Node) runSelfChecks(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			n.Tasks.Submit(domain.Task{ID: envelope.NewID(), Kind: domain.TaskHealthCheck, CreatedAt: now})
			n.Tasks.Submit(domain.Task{ID: envelope.NewID(), Kind: domain.TaskAIRequest, CreatedAt: now})
		}
	}
}

// healthCheckBackend audits this node's own subsystems as the Leader's
// periodic self-check.
type healthCheckBackend struct{ n *Node }

func (b *healthCheckBackend) Execute(ctx context.Context, task domain.Task) ([]byte, error) {
	report := map[string]any{
		"alive_peers":   b.n.Gossip.AliveCount(),
		"pending_tasks": b.n.Tasks.Len(),
	}
	body, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	log.Printf("[daemon] health check: %s", body)
	return body, nil
}

// aiRequestCanaryBackend runs a minimal chat completion through the
// routed provider set, exercising the same path client AIRequests take,
// as a synthetic probe of the provider pipeline's health.
type aiRequestCanaryBackend struct{ n *Node }

func (b *aiRequestCanaryBackend) Execute(ctx context.Context, task domain.Task) ([]byte, error) {
	req := domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "ping"}}}
	resp, err := b.n.Router.Send(ctx, req, nil, "")
	if err != nil {
		return nil, err
	}
	return []byte(resp.Content), nil
}

// memorySyncBackend reconciles a session's hot cache with cold storage
// by resuming it, run after the session fabric persists a new turn so
// the currently-Leading node's view of recent history stays warm.
type memorySyncBackend struct{ n *Node }

func (b *memorySyncBackend) Execute(ctx context.Context, task domain.Task) ([]byte, error) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("memory sync payload: %w", err)
	}
	if payload.SessionID == "" {
		return nil, fmt.Errorf("memory sync task missing session id")
	}
	if _, err := b.n.Memory.ResumeSession(payload.SessionID); err != nil {
		return nil, err
	}
	return nil, nil
}

// broadcastBackend fans a client BROADCAST envelope out to every locally
// connected, Active session once the Leader drains the task.
type broadcastBackend struct{ n *Node }

func (b *broadcastBackend) Execute(ctx context.Context, task domain.Task) ([]byte, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(task.Payload, &env); err != nil {
		return nil, fmt.Errorf("broadcast task payload: %w", err)
	}
	b.n.Fabric.DeliverBroadcast(env, nil)
	return nil, nil
}

// buildProviderEntries constructs provider.Entry values from config,
// wiring either the fixture adapter (test seam, spec §8) or a real HTTP
// adapter per entry kind.
func buildProviderEntries(cfgs []ProviderConfig) ([]provider.Entry, error) {
	entries := make([]provider.Entry, 0, len(cfgs)+1)
	for _, c := range cfgs {
		caps := make(map[domain.Capability]struct{}, len(c.Capabilities))
		for _, cap := range c.Capabilities {
			caps[domain.Capability(cap)] = struct{}{}
		}
		costTier := domain.CostTier(c.CostTier)
		if costTier == "" {
			costTier = domain.CostMedium
		}

		prov := domain.Provider{
			ID: c.ID, Capabilities: caps, Priority: c.Priority,
			CostTier: costTier, DefaultModel: c.DefaultModel,
		}

		var adapter domain.ProviderAdapter
		switch strings.ToLower(c.Kind) {
		case "fixture", "":
			adapter = provider.NewFixtureAdapter()
		case "http":
			timeout := time.Duration(c.TimeoutSec) * time.Second
			if timeout <= 0 {
				timeout = 60 * time.Second
			}
			apiKey := os.Getenv(c.APIKeyEnv)
			adapter = provider.NewHTTPAdapter(provider.HTTPAdapterConfig{
				ProviderID: c.ID, BaseURL: c.BaseURL, APIKey: apiKey,
				Enabled: c.Enabled, SystemAsField: true,
				Client: &http.Client{Timeout: timeout},
			})
		default:
			return nil, fmt.Errorf("unknown provider kind %q for %s", c.Kind, c.ID)
		}

		entries = append(entries, provider.Entry{Provider: prov, Adapter: adapter})
	}

	if len(entries) == 0 {
		entries = append(entries, provider.Entry{
			Provider: domain.Provider{ID: "fixture", Capabilities: map[domain.Capability]struct{}{}, Priority: 1, CostTier: domain.CostLow},
			Adapter:  provider.NewFixtureAdapter(),
		})
	}
	return entries, nil
}

// Run starts the gossip engine, joins configured seeds, and blocks
// serving the session fabric's heartbeat monitor until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Gossip.Start(ctx); err != nil {
		return fmt.Errorf("start gossip: %w", err)
	}
	for _, seed := range n.cfg.Gossip.SeedAddrs {
		host, portStr, err := splitHostPort(seed)
		if err != nil {
			log.Printf("[daemon] skipping malformed seed %q: %v", seed, err)
			continue
		}
		if err := n.Gossip.Join(host, portStr); err != nil {
			log.Printf("[daemon] failed to join seed %s: %v", seed, err)
		}
	}

	go n.Fabric.RunHeartbeatMonitor(ctx)
	go n.Elector.Run(ctx)

	<-ctx.Done()
	n.db.Close()
	return nil
}

func splitHostPort(addr string) (string, uint16, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port in %q", addr)
	}
	host := addr[:idx]
	var port uint16
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}
