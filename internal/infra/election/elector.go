// Package election implements the term-based leader election described in
// spec §4.2. It rides on top of the gossip roster: there are no RequestVote
// RPCs over the wire (spec §9 Open Question — narrowed to majority
// observability plus incarnation-based tiebreak), only term bookkeeping and
// incarnation bumps broadcast through gossip Sync.
package election

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
)

// Roster is the subset of the gossip engine the elector depends on.
type Roster interface {
	AliveCount() int
	AliveIDs() []string
	BumpIncarnation(isLeader bool)
	LocalID() string
}

// Config controls election timing (spec §4.2: 150-300ms jitter).
type Config struct {
	DeadlineMin time.Duration
	DeadlineMax time.Duration
	TickEvery   time.Duration
}

// DefaultConfig returns the documented 150-300ms jittered deadline.
func DefaultConfig() Config {
	return Config{
		DeadlineMin: 150 * time.Millisecond,
		DeadlineMax: 300 * time.Millisecond,
		TickEvery:   25 * time.Millisecond,
	}
}

// State is a read-only snapshot of the coordinator state (spec §3).
type State struct {
	Term     uint64
	Role     domain.Role
	LeaderID string
}

// Elector runs the per-node coordinator state machine.
type Elector struct {
	mu       sync.Mutex
	config   Config
	roster   Roster
	term     uint64
	role     domain.Role
	leaderID string
	lastLeaderIncarnation uint64
	deadline time.Time

	onRoleChange func(State)
}

// New creates an Elector in the initial Follower state.
func New(roster Roster, cfg Config) *Elector {
	el := &Elector{config: cfg, roster: roster, role: domain.RoleFollower}
	el.armDeadline()
	return el
}

// OnRoleChange registers a callback fired whenever role or term changes.
func (el *Elector) OnRoleChange(fn func(State)) { el.onRoleChange = fn }

// Snapshot returns the current coordinator state.
func (el *Elector) Snapshot() State {
	el.mu.Lock()
	defer el.mu.Unlock()
	return State{Term: el.term, Role: el.role, LeaderID: el.leaderID}
}

func (el *Elector) armDeadline() {
	span := el.config.DeadlineMax - el.config.DeadlineMin
	jitter := time.Duration(0)
	if span > 0 {
		jitter = time.Duration(rand.Int63n(int64(span)))
	}
	el.deadline = time.Now().Add(el.config.DeadlineMin + jitter)
}

// RecordLeaderContact resets the election deadline on a valid leader
// contact (heartbeat, Sync carrying is_leader=true) and records the
// leader if its incarnation supersedes what we know.
func (el *Elector) RecordLeaderContact(leaderID string, incarnation uint64) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if incarnation < el.lastLeaderIncarnation {
		return
	}
	el.lastLeaderIncarnation = incarnation
	el.leaderID = leaderID
	if el.role != domain.RoleFollower {
		el.transition(domain.RoleFollower)
	}
	el.armDeadline()
}

// NotifyLeaderLost re-arms the election timer immediately rather than
// waiting for its natural expiry (spec §4.2 failure semantics), called
// when the gossip engine marks the known leader non-Alive.
func (el *Elector) NotifyLeaderLost(nodeID string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.leaderID != nodeID {
		return
	}
	el.leaderID = ""
	el.deadline = time.Now()
}

// Run drives the election timer until ctx is cancelled.
func (el *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(el.config.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			el.checkDeadline()
		}
	}
}

func (el *Elector) checkDeadline() {
	el.mu.Lock()
	expired := time.Now().After(el.deadline)
	role := el.role
	el.mu.Unlock()

	if !expired || role == domain.RoleLeader {
		return
	}

	el.mu.Lock()
	el.term++
	el.leaderID = el.roster.LocalID()
	el.transition(domain.RoleCandidate)
	el.armDeadline()
	el.mu.Unlock()

	el.tryBecomeLeader()
}

// tryBecomeLeader checks the majority condition (spec §4.2) and promotes
// to Leader if satisfied, including the single-node self-promotion case.
//
// There are no RequestVote RPCs over the wire (spec §9's narrowing):
// "votes" are approximated by majority observability over the gossip
// roster plus an incarnation-style tiebreak. A candidate's vote count
// is the size of the Alive set when it is the deterministic winner of a
// lowest-ID tiebreak over that set (every Alive peer, given the same
// gossip-converged view, would independently compute the same winner),
// and zero otherwise. Concurrent candidates that briefly disagree (a
// stale or diverging roster view) converge once Sync propagates: a
// losing candidate observes the winner's is_leader Sync announcement
// via RecordLeaderContact and steps down to Follower.
func (el *Elector) tryBecomeLeader() {
	aliveIDs := el.roster.AliveIDs()
	alive := len(aliveIDs)
	local := el.roster.LocalID()

	votes := 0
	if alive <= 1 || isLowestAliveID(local, aliveIDs) {
		votes = alive
		if votes == 0 {
			votes = 1 // no roster view yet; trust self as sole voter
		}
	}
	if votes == 0 || votes <= alive/2 {
		return
	}

	el.mu.Lock()
	if el.role != domain.RoleCandidate {
		el.mu.Unlock()
		return
	}
	el.leaderID = local
	el.transition(domain.RoleLeader)
	el.mu.Unlock()
	el.roster.BumpIncarnation(true)
}

// isLowestAliveID reports whether local is the lexicographically lowest
// ID among the given Alive peers — the deterministic tiebreak
// tryBecomeLeader uses in place of real vote RPCs.
func isLowestAliveID(local string, aliveIDs []string) bool {
	for _, id := range aliveIDs {
		if id < local {
			return false
		}
	}
	return true
}

// transition updates role and fires the observer. Caller must hold el.mu.
func (el *Elector) transition(newRole domain.Role) {
	el.role = newRole
	if el.onRoleChange != nil {
		snap := State{Term: el.term, Role: el.role, LeaderID: el.leaderID}
		go el.onRoleChange(snap)
	}
}

// StepDown forces a return to Follower, used when a higher-term peer or
// loss of Alive self-state is observed (spec §4.2 transitions).
func (el *Elector) StepDown(peerTerm uint64) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if peerTerm > el.term {
		el.term = peerTerm
	}
	if el.role != domain.RoleFollower {
		el.transition(domain.RoleFollower)
	}
	el.armDeadline()
}

// IsLeader reports whether this node currently believes it is the leader.
func (el *Elector) IsLeader() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.role == domain.RoleLeader
}
