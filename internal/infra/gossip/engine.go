package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
)

// Config controls the SWIM protocol parameters (spec §4.1, §6).
type Config struct {
	BindAddr       string        // UDP listen address (e.g. ":7946")
	ProbeTimeout   time.Duration // Ack timeout (default 500ms)
	Interval       time.Duration // Probe cycle (default 1s)
	SuspectTimeout time.Duration // Suspect -> Dead window (default 5s)
	IndirectNodes  int           // K indirect probe targets (default 3)
	SyncEvery      int           // Full Sync piggyback every N ticks (default 5)
}

// DefaultConfig returns the defaults named in spec §4.1.
func DefaultConfig() Config {
	return Config{
		BindAddr:       ":7946",
		ProbeTimeout:   500 * time.Millisecond,
		Interval:       1000 * time.Millisecond,
		SuspectTimeout: 5000 * time.Millisecond,
		IndirectNodes:  3,
		SyncEvery:      5,
	}
}

type member struct {
	node      domain.Node
	addr      *net.UDPAddr
	suspectAt time.Time
}

// StateChangeFunc is invoked on every membership transition (spec §4.1
// contract: on_state_change(node, old_state, new_state)).
type StateChangeFunc func(node domain.Node, old, new domain.PeerState)

// LeaderObservedFunc is invoked whenever a Sync entry asserting
// is_leader=true is merged into the roster — including when the peer
// was already Alive and only its incarnation/is_leader flag advanced,
// which is precisely the case a plain StateChangeFunc (state-transition
// only) never fires for. This is the signal the elector needs to learn
// about leadership announced by other nodes (spec §4.2 "receives a Sync
// whose sender carries is_leader=true").
type LeaderObservedFunc func(node domain.Node)

// Engine runs the SWIM failure detector for one local node.
type Engine struct {
	mu       sync.RWMutex
	config   Config
	selfID   string
	selfAddr *net.UDPAddr
	conn     *net.UDPConn
	members  map[string]*member
	seq      uint32
	tickNum  int

	onStateChange    StateChangeFunc
	onLeaderObserved LeaderObservedFunc

	pendingMu sync.Mutex
	pending   map[uint32]chan struct{}

	relayMu      sync.Mutex
	relayPending map[uint32]*net.UDPAddr
}

// New creates a gossip Engine for the given local node ID.
func New(selfID string, cfg Config) *Engine {
	return &Engine{
		config:       cfg,
		selfID:       selfID,
		members:      make(map[string]*member),
		pending:      make(map[uint32]chan struct{}),
		relayPending: make(map[uint32]*net.UDPAddr),
	}
}

// OnStateChange registers the membership transition observer.
func (e *Engine) OnStateChange(fn StateChangeFunc) { e.onStateChange = fn }

// OnLeaderObserved registers the leader-announcement observer.
func (e *Engine) OnLeaderObserved(fn LeaderObservedFunc) { e.onLeaderObserved = fn }

// LocalID returns this engine's node ID.
func (e *Engine) LocalID() string { return e.selfID }

// Start binds the UDP socket and runs the probe+receive loop until ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", e.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	e.conn = conn
	e.selfAddr = conn.LocalAddr().(*net.UDPAddr)

	go e.receiveLoop(ctx)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.conn.Close()
			return nil
		case <-ticker.C:
			e.tick()
		}
	}
}

// Join seeds the roster with a peer and sends it an initial Ping + Sync.
func (e *Engine) Join(addr string, port uint16) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return fmt.Errorf("resolve seed %s:%d: %w", addr, port, err)
	}

	tempID := "seed:" + udpAddr.String()
	e.mu.Lock()
	e.members[tempID] = &member{
		node: domain.Node{ID: tempID, Address: addr, Port: port, State: domain.PeerAlive},
		addr: udpAddr,
	}
	e.mu.Unlock()

	e.sendPing(udpAddr, tempID)
	e.sendSyncTo(udpAddr)
	return nil
}

// Leave marks the local node as Left and broadcasts one Sync. The caller
// may stop the engine immediately afterward.
func (e *Engine) Leave() {
	e.mu.Lock()
	self, ok := e.members[e.selfID]
	if !ok {
		self = &member{node: domain.Node{ID: e.selfID, IsLocal: true}}
		e.members[e.selfID] = self
	}
	// Bump the incarnation so the Left entry supersedes what peers hold.
	self.node.Incarnation++
	self.node.State = domain.PeerLeft
	self.node.IsLeader = false
	self.node.LastSeen = time.Now()
	targets := make([]*net.UDPAddr, 0, len(e.members))
	for id, m := range e.members {
		if id != e.selfID && m.node.State == domain.PeerAlive {
			targets = append(targets, m.addr)
		}
	}
	e.mu.Unlock()

	for _, addr := range targets {
		e.sendSyncTo(addr)
	}
}

// Evict removes a node from the roster outright (operator action; spec
// §9 module additions), distinct from a peer-initiated Leave.
func (e *Engine) Evict(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.members, nodeID)
}

// Members returns a snapshot of the current roster, excluding unresolved
// seed placeholders.
func (e *Engine) Members() []domain.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Node, 0, len(e.members))
	for id, m := range e.members {
		if isSeedID(id) {
			continue
		}
		out = append(out, m.node)
	}
	return out
}

// AliveCount returns the number of Alive members (including self, if
// registered).
func (e *Engine) AliveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for id, m := range e.members {
		if !isSeedID(id) && m.node.State == domain.PeerAlive {
			n++
		}
	}
	return n
}

// AliveIDs returns the sorted IDs of all members currently observed
// Alive (including self, if registered). The elector uses this in place
// of real RequestVote RPCs: a candidate's deterministic tiebreak winner
// over this set stands in for majority observability (spec §9).
func (e *Engine) AliveIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.members))
	for id, m := range e.members {
		if !isSeedID(id) && m.node.State == domain.PeerAlive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SelfIncarnation returns the local node's advertised incarnation, as
// tracked in its own member record (0 if not yet self-registered).
func (e *Engine) SelfIncarnation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if m, ok := e.members[e.selfID]; ok {
		return m.node.Incarnation
	}
	return 0
}

// BumpIncarnation increments and gossips the local node's incarnation,
// used both to refute Suspect rumors and to announce a new leader term.
func (e *Engine) BumpIncarnation(isLeader bool) {
	e.mu.Lock()
	m, ok := e.members[e.selfID]
	if !ok {
		m = &member{node: domain.Node{ID: e.selfID, State: domain.PeerAlive, IsLocal: true}}
		e.members[e.selfID] = m
	}
	m.node.Incarnation++
	m.node.State = domain.PeerAlive
	m.node.IsLeader = isLeader
	m.node.LastSeen = time.Now()
	targets := e.allTargets()
	e.mu.Unlock()

	for _, addr := range targets {
		e.sendSyncTo(addr)
	}
}

func (e *Engine) allTargets() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(e.members))
	for id, m := range e.members {
		if id != e.selfID && m.node.State != domain.PeerDead {
			out = append(out, m.addr)
		}
	}
	return out
}

func isSeedID(id string) bool {
	return len(id) >= 5 && id[:5] == "seed:"
}

// ─── Probe cycle ─────────────────────────────────────────────────────────

func (e *Engine) tick() {
	e.tickNum++
	e.probeCycle()
	e.reapSuspects()
}

func (e *Engine) probeCycle() {
	target := e.randomMember()
	if target == nil {
		return
	}

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	ackCh := make(chan struct{}, 1)
	e.pendingMu.Lock()
	e.pending[seq] = ackCh
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, seq)
		e.pendingMu.Unlock()
	}()

	e.sendPingSeq(target.addr, target.node.ID, seq)
	if e.config.SyncEvery > 0 && e.tickNum%e.config.SyncEvery == 0 {
		e.sendSyncTo(target.addr)
	}

	timer := time.NewTimer(e.config.ProbeTimeout)
	defer timer.Stop()
	select {
	case <-ackCh:
		return
	case <-timer.C:
	}

	indirects := e.randomMembers(e.config.IndirectNodes, target.node.ID)
	for _, m := range indirects {
		e.sendPingReq(m.addr, target.node.ID, seq)
	}

	timer2 := time.NewTimer(e.config.ProbeTimeout)
	defer timer2.Stop()
	select {
	case <-ackCh:
		return
	case <-timer2.C:
		e.markSuspect(target.node.ID)
	}
}

func (e *Engine) reapSuspects() {
	now := time.Now()
	e.mu.Lock()
	type transition struct {
		node     domain.Node
		old, new domain.PeerState
	}
	var transitions []transition
	for _, m := range e.members {
		if m.node.State == domain.PeerSuspect && !m.suspectAt.IsZero() &&
			now.Sub(m.suspectAt) > e.config.SuspectTimeout {
			old := m.node.State
			m.node.State = domain.PeerDead
			transitions = append(transitions, transition{m.node, old, domain.PeerDead})
		}
	}
	e.mu.Unlock()

	for _, t := range transitions {
		if e.onStateChange != nil {
			e.onStateChange(t.node, t.old, t.new)
		}
	}
}

func (e *Engine) markSuspect(nodeID string) {
	e.mu.Lock()
	m, ok := e.members[nodeID]
	if !ok || m.node.State != domain.PeerAlive {
		e.mu.Unlock()
		return
	}
	old := m.node.State
	m.node.State = domain.PeerSuspect
	m.suspectAt = time.Now()
	node := m.node
	e.mu.Unlock()

	if e.onStateChange != nil {
		e.onStateChange(node, old, domain.PeerSuspect)
	}
}

// ─── Receive path ───────────────────────────────────────────────────────

func (e *Engine) receiveLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			continue
		}
		e.handle(msg, from)
	}
}

func (e *Engine) handle(msg *DecodedMessage, from *net.UDPAddr) {
	switch msg.Header.Type {
	case MsgPing:
		e.handlePing(msg, from)
	case MsgAck:
		e.handleAck(msg, from)
	case MsgPingReq:
		e.handlePingReq(msg, from)
	case MsgSync, MsgCompound:
		e.handleSync(msg)
	}
}

func (e *Engine) handlePing(msg *DecodedMessage, from *net.UDPAddr) {
	e.touchAlive(msg.Header.SenderID, from, uint64(msg.Header.Incarnation))
	ack, err := EncodeAck(Header{Seq: msg.Header.Seq, SenderID: e.selfID, Incarnation: uint32(e.SelfIncarnation())}, msg.Header.SenderID, nil)
	if err == nil {
		e.conn.WriteToUDP(ack, from)
	}
}

func (e *Engine) handleAck(msg *DecodedMessage, from *net.UDPAddr) {
	e.touchAlive(msg.Header.SenderID, from, uint64(msg.Header.Incarnation))
	e.pendingMu.Lock()
	if ch, ok := e.pending[msg.Header.Seq]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	e.pendingMu.Unlock()

	// If this Ack answers a Ping we sent on another node's behalf (as an
	// indirect-probe relay), forward it back to that original prober —
	// otherwise it is swallowed here and the prober never learns the
	// target is alive (spec §4.1 point 4: "any Ack, direct or relayed,
	// restores P to Alive").
	e.relayMu.Lock()
	proberAddr, relayed := e.relayPending[msg.Header.Seq]
	if relayed {
		delete(e.relayPending, msg.Header.Seq)
	}
	e.relayMu.Unlock()
	if relayed {
		ack, err := EncodeAck(Header{Seq: msg.Header.Seq, SenderID: msg.Header.SenderID, Incarnation: msg.Header.Incarnation}, msg.Header.SenderID, nil)
		if err == nil {
			e.conn.WriteToUDP(ack, proberAddr)
		}
	}
}

func (e *Engine) handlePingReq(msg *DecodedMessage, from *net.UDPAddr) {
	e.mu.RLock()
	target, ok := e.members[msg.Target]
	var sourceAddr *net.UDPAddr
	if sm, ok2 := e.members[msg.Source]; ok2 && sm.addr != nil {
		sourceAddr = sm.addr
	}
	e.mu.RUnlock()
	if !ok {
		return
	}
	if sourceAddr == nil {
		sourceAddr = from
	}

	seq := msg.Header.Seq
	e.relayMu.Lock()
	e.relayPending[seq] = sourceAddr
	e.relayMu.Unlock()
	time.AfterFunc(e.config.ProbeTimeout, func() {
		e.relayMu.Lock()
		delete(e.relayPending, seq)
		e.relayMu.Unlock()
	})

	e.sendPingSeq(target.addr, target.node.ID, msg.Header.Seq)
}

func (e *Engine) handleSync(msg *DecodedMessage) {
	for _, entry := range msg.Entries {
		if entry.ID == e.selfID {
			continue
		}
		e.applySyncEntry(entry)
	}
}

// applySyncEntry merges one piggybacked roster row: insert if unknown,
// update only if the arriving incarnation is strictly greater (spec §4.1
// merge rule).
func (e *Engine) applySyncEntry(entry SyncEntry) {
	e.mu.Lock()
	m, ok := e.members[entry.ID]
	if !ok {
		m = &member{node: domain.Node{
			ID:          entry.ID,
			Address:     entry.Address,
			Port:        entry.Port,
			State:       domain.PeerState(entry.State),
			Incarnation: uint64(entry.Incarnation),
			IsLeader:    entry.IsLeader,
			LastSeen:    time.Now(),
		}}
		if addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", entry.Address, entry.Port)); err == nil {
			m.addr = addr
		}
		e.members[entry.ID] = m
		node := m.node
		e.mu.Unlock()
		if e.onStateChange != nil {
			e.onStateChange(node, domain.PeerDead, node.State)
		}
		if node.IsLeader && e.onLeaderObserved != nil {
			e.onLeaderObserved(node)
		}
		return
	}

	if uint64(entry.Incarnation) <= m.node.Incarnation {
		e.mu.Unlock()
		return
	}

	old := m.node.State
	m.node.Incarnation = uint64(entry.Incarnation)
	m.node.State = domain.PeerState(entry.State)
	m.node.IsLeader = entry.IsLeader
	m.node.LastSeen = time.Now()
	node := m.node
	e.mu.Unlock()

	if old != node.State && e.onStateChange != nil {
		e.onStateChange(node, old, node.State)
	}
	// Fires even when State is unchanged: an already-Alive leader
	// re-announcing a bumped incarnation (or newly claiming is_leader)
	// never trips the state-transition branch above, but the elector
	// still needs to hear about it (spec §4.2).
	if node.IsLeader && e.onLeaderObserved != nil {
		e.onLeaderObserved(node)
	}
}

func (e *Engine) touchAlive(id string, from *net.UDPAddr, incarnation uint64) {
	if id == "" || id == e.selfID {
		return
	}
	e.mu.Lock()
	for seedID, m := range e.members {
		if isSeedID(seedID) && m.addr != nil && m.addr.String() == from.String() {
			delete(e.members, seedID)
		}
	}
	m, ok := e.members[id]
	var old domain.PeerState
	var isNew bool
	if !ok {
		isNew = true
		m = &member{node: domain.Node{ID: id, Incarnation: incarnation, State: domain.PeerAlive}}
		e.members[id] = m
	}
	old = m.node.State
	m.addr = from
	m.node.Address = from.IP.String()
	m.node.Port = uint16(from.Port)
	m.node.LastSeen = time.Now()
	if incarnation > m.node.Incarnation || isNew {
		m.node.Incarnation = incarnation
	}
	m.node.State = domain.PeerAlive
	m.suspectAt = time.Time{}
	node := m.node
	e.mu.Unlock()

	if (isNew || old != domain.PeerAlive) && e.onStateChange != nil {
		e.onStateChange(node, old, domain.PeerAlive)
	}
}

// ─── Send helpers ────────────────────────────────────────────────────────

func (e *Engine) sendPing(addr *net.UDPAddr, targetID string) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()
	e.sendPingSeq(addr, targetID, seq)
}

func (e *Engine) sendPingSeq(addr *net.UDPAddr, targetID string, seq uint32) {
	msg, err := EncodePing(Header{Seq: seq, SenderID: e.selfID, Incarnation: uint32(e.SelfIncarnation())}, targetID)
	if err != nil {
		return
	}
	e.conn.WriteToUDP(msg, addr)
}

func (e *Engine) sendPingReq(addr *net.UDPAddr, targetID string, seq uint32) {
	msg, err := EncodePingReq(Header{Seq: seq, SenderID: e.selfID, Incarnation: uint32(e.SelfIncarnation())}, targetID, e.selfID)
	if err != nil {
		return
	}
	e.conn.WriteToUDP(msg, addr)
}

func (e *Engine) sendSyncTo(addr *net.UDPAddr) {
	e.mu.RLock()
	entries := make([]SyncEntry, 0, len(e.members))
	for id, m := range e.members {
		if isSeedID(id) {
			continue
		}
		entries = append(entries, SyncEntry{
			ID:          m.node.ID,
			Address:     m.node.Address,
			Port:        m.node.Port,
			State:       uint8(m.node.State),
			Incarnation: uint32(m.node.Incarnation),
			IsLeader:    m.node.IsLeader,
		})
	}
	e.mu.RUnlock()

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	msg, err := EncodeSync(Header{Seq: seq, SenderID: e.selfID, Incarnation: uint32(e.SelfIncarnation())}, entries)
	if err != nil {
		return
	}
	e.conn.WriteToUDP(msg, addr)
}

func (e *Engine) randomMember() *member {
	e.mu.RLock()
	defer e.mu.RUnlock()
	candidates := make([]*member, 0, len(e.members))
	for id, m := range e.members {
		if id != e.selfID && m.node.State != domain.PeerDead {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

func (e *Engine) randomMembers(k int, exclude string) []*member {
	e.mu.RLock()
	defer e.mu.RUnlock()
	candidates := make([]*member, 0, len(e.members))
	for id, m := range e.members {
		if id != exclude && id != e.selfID && m.node.State != domain.PeerDead {
			candidates = append(candidates, m)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}
