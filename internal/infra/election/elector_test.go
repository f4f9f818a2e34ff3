package election

import (
	"testing"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
)

type fakeRoster struct {
	alive    int
	id       string
	aliveIDs []string
	bumped   []bool
}

func (f *fakeRoster) AliveCount() int              { return f.alive }
func (f *fakeRoster) AliveIDs() []string            { return f.aliveIDs }
func (f *fakeRoster) LocalID() string               { return f.id }
func (f *fakeRoster) BumpIncarnation(isLeader bool) { f.bumped = append(f.bumped, isLeader) }

func fastConfig() Config {
	return Config{DeadlineMin: 5 * time.Millisecond, DeadlineMax: 10 * time.Millisecond, TickEvery: time.Millisecond}
}

func TestSingleNodeSelfPromotes(t *testing.T) {
	roster := &fakeRoster{alive: 1, id: "solo", aliveIDs: []string{"solo"}}
	el := New(roster, fastConfig())

	time.Sleep(30 * time.Millisecond)
	el.checkDeadline()

	if !el.IsLeader() {
		t.Fatal("single-node candidate should self-promote to leader")
	}
	if len(roster.bumped) == 0 {
		t.Error("expected incarnation bump on leader promotion")
	}
}

func TestCandidateWaitsForMajority(t *testing.T) {
	// "n1" is not the lexicographically lowest of the five, so it loses
	// the deterministic tiebreak and must not self-promote.
	roster := &fakeRoster{alive: 5, id: "n1", aliveIDs: []string{"n0", "n1", "n2", "n3", "n4"}}
	el := New(roster, fastConfig())

	time.Sleep(30 * time.Millisecond)
	el.checkDeadline()

	if el.IsLeader() {
		t.Fatal("candidate that loses the lowest-ID tiebreak among 5 alive peers should not become leader")
	}
	if el.Snapshot().Role != domain.RoleCandidate {
		t.Errorf("expected CANDIDATE role, got %v", el.Snapshot().Role)
	}
}

func TestCandidateWinsMajorityAsLowestID(t *testing.T) {
	// "n0" is the lexicographically lowest of the five, so every Alive
	// peer's independent tiebreak computation agrees it should lead.
	roster := &fakeRoster{alive: 5, id: "n0", aliveIDs: []string{"n0", "n1", "n2", "n3", "n4"}}
	el := New(roster, fastConfig())

	time.Sleep(30 * time.Millisecond)
	el.checkDeadline()

	if !el.IsLeader() {
		t.Fatal("candidate holding the deterministic majority tiebreak over 5 alive peers should become leader")
	}
	if len(roster.bumped) == 0 {
		t.Error("expected incarnation bump on leader promotion")
	}
}

func TestRecordLeaderContactResetsToFollower(t *testing.T) {
	roster := &fakeRoster{alive: 5, id: "n1"}
	el := New(roster, fastConfig())
	el.term = 3
	el.role = domain.RoleCandidate

	el.RecordLeaderContact("n2", 10)

	snap := el.Snapshot()
	if snap.Role != domain.RoleFollower || snap.LeaderID != "n2" {
		t.Errorf("expected FOLLOWER with leader n2, got %+v", snap)
	}
}

func TestStaleLeaderContactIgnored(t *testing.T) {
	roster := &fakeRoster{alive: 5, id: "n1"}
	el := New(roster, fastConfig())
	el.RecordLeaderContact("n2", 10)
	el.RecordLeaderContact("n3", 5) // stale incarnation, must not override

	if got := el.Snapshot().LeaderID; got != "n2" {
		t.Errorf("expected leader to remain n2, got %s", got)
	}
}

func TestNotifyLeaderLostRearmsImmediately(t *testing.T) {
	roster := &fakeRoster{alive: 5, id: "n1"}
	el := New(roster, Config{DeadlineMin: time.Hour, DeadlineMax: time.Hour, TickEvery: time.Millisecond})
	el.RecordLeaderContact("n2", 1)

	el.NotifyLeaderLost("n2")

	el.mu.Lock()
	expired := time.Now().After(el.deadline) || time.Now().Equal(el.deadline)
	el.mu.Unlock()
	if !expired {
		t.Error("expected deadline to be immediately expired after leader loss")
	}
}

func TestStepDownOnHigherTerm(t *testing.T) {
	roster := &fakeRoster{alive: 5, id: "n1"}
	el := New(roster, fastConfig())
	el.term = 2
	el.role = domain.RoleLeader

	el.StepDown(9)

	snap := el.Snapshot()
	if snap.Role != domain.RoleFollower || snap.Term != 9 {
		t.Errorf("expected FOLLOWER at term 9, got %+v", snap)
	}
}
