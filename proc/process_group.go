package proc

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Group events published on the notifier.
const (
	// GroupEventDeath fires once, when the last member dies.
	GroupEventDeath waiter.EventType = 1 << iota
)

// Group is a process group. Children join their parent's group at
// creation; the group publishes a single death event when its last
// member exits.
type Group struct {
	id int32

	mu      sync.Mutex
	members map[int32]*Process
	dead    bool

	events waiter.Waiter
}

func (g *Group) ID() int32 { return g.id }

// Events exposes the group notifier.
func (g *Group) Events() *waiter.Waiter { return &g.events }

// NewGroup creates a group containing leader, moving it out of its
// previous group.
func (m *Manager) NewGroup(ctx context.Context, leader *Process) (*Group, status.Status) {
	m.mu.Lock()
	m.nextGroup++
	g := &Group{
		id:      m.nextGroup,
		members: make(map[int32]*Process),
	}
	m.groups[g.id] = g
	m.mu.Unlock()

	leader.mu.Lock()
	prev := leader.group
	leader.group = g
	leader.mu.Unlock()

	if prev != nil {
		prev.remove(ctx, leader)
	}
	g.add(leader)

	log.Named("proc").Trace("group created", "gid", g.id, "leader", leader.id)
	return g, status.Success
}

// LookupGroup resolves a group ID.
func (m *Manager) LookupGroup(id int32) (*Group, status.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, status.NotFound
	}
	return g, status.Success
}

func (g *Group) add(p *Process) {
	g.mu.Lock()
	g.members[p.id] = p
	g.mu.Unlock()
}

func (g *Group) remove(ctx context.Context, p *Process) {
	g.mu.Lock()
	delete(g.members, p.id)
	g.mu.Unlock()
}

// memberDied drops p and publishes the death event if it was the last
// member. The event fires exactly once per group.
func (g *Group) memberDied(ctx context.Context, p *Process) {
	g.mu.Lock()
	delete(g.members, p.id)
	last := len(g.members) == 0 && !g.dead
	if last {
		g.dead = true
	}
	g.mu.Unlock()

	if last {
		log.Named("proc").Trace("group died", "gid", g.id)
		g.events.Notify(GroupEventDeath)
	}
}

// Members snapshots the group.
func (g *Group) Members() []*Process {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Process, 0, len(g.members))
	for _, p := range g.members {
		out = append(out, p)
	}
	return out
}

// PostSignal delivers sig to every member the caller may signal. It
// succeeds if at least one delivery happened.
func (g *Group) PostSignal(ctx context.Context, caller SecurityContext, sig int32) status.Status {
	if sig < 1 || sig > NumSignals {
		return status.InvalidArg
	}

	delivered := false
	for _, p := range g.Members() {
		if !canSignal(caller, p) {
			continue
		}
		if p.PostSignal(ctx, sig, SigInfo{Signo: sig}) == status.Success {
			delivered = true
		}
	}

	if !delivered {
		return status.PermDenied
	}
	return status.Success
}
