package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// World is shared, in-memory replicated state for a cluster of Fake
// engines. It exists only to drive this module's own tests (scenarios 1, 2,
// 5, 6 of spec.md §8) without a real Raft library. It is not a production
// consensus implementation: there is no real network, no partial failure
// short of what tests inject explicitly, and replication is instantaneous.
type World struct {
	mu sync.Mutex

	log []logEntry

	peers map[string]*Peer
	// leaderID is empty when no peer holds primacy.
	leaderID string

	engines map[string]*Fake
}

type logEntry struct {
	sn      int64
	payload []byte
}

// NewWorld creates a cluster with the given peer ids, all initially
// available, equal priority, and no leader.
func NewWorld(peerIDs ...string) *World {
	w := &World{
		peers:   make(map[string]*Peer, len(peerIDs)),
		engines: make(map[string]*Fake, len(peerIDs)),
	}
	for _, id := range peerIDs {
		w.peers[id] = &Peer{ID: id, Addr: id, Priority: 1, Available: true}
	}
	return w
}

// Engine returns (creating if necessary) the Fake bound to peerID.
func (w *World) Engine(peerID string) *Fake {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.engines[peerID]; ok {
		return e
	}
	e := &Fake{
		world:   w,
		id:      peerID,
		notifyc: make(chan PrimacyEvent, 8),
	}
	w.engines[peerID] = e
	return e
}

// Elect forces peerID to become the sole primary, demoting whoever held
// primacy before. Tests use this to simulate both ordinary elections and
// contested terms (spec.md §8 scenario 6, by calling Elect from "both"
// contenders in sequence).
func (w *World) Elect(peerID string) {
	w.mu.Lock()
	prev := w.leaderID
	w.leaderID = peerID
	engines := make([]*Fake, 0, len(w.engines))
	for _, e := range w.engines {
		engines = append(engines, e)
	}
	w.mu.Unlock()

	for _, e := range engines {
		switch e.id {
		case peerID:
			e.notify(PrimacyEvent{Role: Primary})
		case prev:
			e.notify(PrimacyEvent{Role: Standby})
		}
	}
}

// SetAvailable marks peerID available/unavailable, as observed by
// GroupInfo; used to exercise QuorumAdmin.RemovePeer's precondition.
func (w *World) SetAvailable(peerID string, available bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.peers[peerID]; ok {
		p.Available = available
	}
}

// Fake implements Engine against a shared World.
type Fake struct {
	world *World
	id    string

	mu           sync.Mutex
	lifecycle    LifeCycle
	sm           StateMachine
	exitDisabled bool
	appliedUpTo  int // index into world.log already delivered to sm
	closed       bool
	notifyc      chan PrimacyEvent
	applyMu      sync.Mutex // serializes delivery to sm, one goroutine per group
}

var _ Engine = (*Fake)(nil)

func (f *Fake) LocalID() string { return f.id }

func (f *Fake) RegisterStateMachine(sm StateMachine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sm = sm
}

func (f *Fake) Notifications() <-chan PrimacyEvent { return f.notifyc }

func (f *Fake) notify(ev PrimacyEvent) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	select {
	case f.notifyc <- ev:
	default:
		// slow consumer: drop oldest by draining one slot, best effort.
		select {
		case <-f.notifyc:
		default:
		}
		select {
		case f.notifyc <- ev:
		default:
		}
	}
}

func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	f.lifecycle = Running
	f.mu.Unlock()
	f.deliverAll(ctx)
	return nil
}

func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	f.lifecycle = Closed
	if !f.closed {
		f.closed = true
		close(f.notifyc)
	}
	f.mu.Unlock()
	return nil
}

func (f *Fake) LifeCycle() LifeCycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lifecycle
}

func (f *Fake) SetExitOnFatalDisabled(disabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitDisabled = disabled
}

// deliverAll replays every committed entry this peer hasn't yet seen, in SN
// order, to the registered state machine. Called after Start and after every
// successful Append, simulating the engine's single ordered apply thread.
func (f *Fake) deliverAll(ctx context.Context) {
	f.applyMu.Lock()
	defer f.applyMu.Unlock()

	f.world.mu.Lock()
	entries := append([]logEntry(nil), f.world.log...)
	f.world.mu.Unlock()

	f.mu.Lock()
	sm := f.sm
	from := f.appliedUpTo
	f.mu.Unlock()
	if sm == nil {
		return
	}

	for i := from; i < len(entries); i++ {
		e := entries[i]
		if err := sm.Apply(ctx, e.sn, e.payload); err != nil {
			// spec.md §4.1: a panic/fatal apply error is fatal to the
			// process. The fake surfaces it by panicking so tests see it
			// immediately rather than silently wedging.
			panic(fmt.Errorf("consensus: fatal apply error for sn=%d: %w", e.sn, err))
		}
	}
	f.mu.Lock()
	f.appliedUpTo = len(entries)
	f.mu.Unlock()
}

type fakeFuture struct {
	reply CommitReply
}

func (r fakeFuture) Wait(ctx context.Context) (CommitReply, error) {
	return r.reply, nil
}

func (f *Fake) Append(ctx context.Context, callID string, sn int64, payload []byte) (CommitFuture, error) {
	f.world.mu.Lock()
	isLeader := f.world.leaderID == f.id
	f.world.mu.Unlock()
	if !isLeader {
		return nil, ErrNotLeader
	}

	f.world.mu.Lock()
	f.world.log = append(f.world.log, logEntry{sn: sn, payload: payload})
	engines := make([]*Fake, 0, len(f.world.engines))
	for _, e := range f.world.engines {
		engines = append(engines, e)
	}
	f.world.mu.Unlock()

	for _, e := range engines {
		e.deliverAll(ctx)
	}

	return fakeFuture{reply: CommitReply{SN: sn}}, nil
}

func (f *Fake) GroupInfo(ctx context.Context) (GroupInfo, error) {
	f.world.mu.Lock()
	defer f.world.mu.Unlock()

	peers := make([]Peer, 0, len(f.world.peers))
	ids := make([]string, 0, len(f.world.peers))
	for id := range f.world.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	commitIndices := make(map[string]int64, len(ids))
	for _, id := range ids {
		peers = append(peers, *f.world.peers[id])
		commitIndices[id] = int64(len(f.world.log))
	}

	role := Standby
	if f.world.leaderID == f.id {
		role = Primary
	}

	return GroupInfo{
		Role:          role,
		LeaderID:      f.world.leaderID,
		Peers:         peers,
		CommitIndices: commitIndices,
	}, nil
}

func (f *Fake) SetConfiguration(ctx context.Context, peers []Peer) error {
	f.world.mu.Lock()
	defer f.world.mu.Unlock()
	next := make(map[string]*Peer, len(peers))
	for _, p := range peers {
		cp := p
		next[p.ID] = &cp
	}
	f.world.peers = next
	return nil
}

func (f *Fake) TransferLeadership(ctx context.Context, peerID string, wait time.Duration) error {
	f.world.mu.Lock()
	_, ok := f.world.peers[peerID]
	isLeader := f.world.leaderID == f.id
	f.world.mu.Unlock()
	if !isLeader {
		return ErrNotLeader
	}
	if !ok {
		return fmt.Errorf("consensus: unknown peer %q", peerID)
	}
	f.world.Elect(peerID)
	return nil
}
