// Package memory is an in-process transport: every member of a Group receives
// what any other member sends. It backs local solo play and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/taleclaw/pkg/bus"
	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/transport"
)

const defaultDeliveryTimeout = 2 * time.Second

// Group is one shared chat. The hooks let tests model an unreliable network.
type Group struct {
	ID string

	// Copies returns how many times a frame is delivered to a member.
	// nil delivers once; 0 drops the frame.
	Copies func(from, to string, payload []byte) int
	// Echo delivers frames back to their sender as well.
	Echo bool
	// DeliveryTimeout bounds how long delivery waits on a full member bus
	// before dropping the frame.
	DeliveryTimeout time.Duration

	mu      sync.RWMutex
	members map[string]*Transport
}

func NewGroup(id string) *Group {
	return &Group{
		ID:      id,
		members: make(map[string]*Transport),
	}
}

// Join adds a member that publishes what it receives to mb.
func (g *Group) Join(memberID string, mb *bus.MessageBus, opts ...transport.BaseTransportOption) *Transport {
	t := &Transport{
		BaseTransport: transport.NewBaseTransport("memory", g.ID, mb, opts...),
		group:         g,
		memberID:      memberID,
	}
	g.mu.Lock()
	g.members[memberID] = t
	g.mu.Unlock()
	return t
}

// Leave removes a member.
func (g *Group) Leave(memberID string) {
	g.mu.Lock()
	delete(g.members, memberID)
	g.mu.Unlock()
}

func (g *Group) deliver(ctx context.Context, from string, payload []byte) {
	g.mu.RLock()
	targets := make([]*Transport, 0, len(g.members))
	for id, m := range g.members {
		if id == from && !g.Echo {
			continue
		}
		targets = append(targets, m)
	}
	g.mu.RUnlock()

	timeout := g.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	for _, m := range targets {
		if !m.IsRunning() {
			continue
		}
		copies := 1
		if g.Copies != nil {
			copies = g.Copies(from, m.memberID, payload)
		}
		for range copies {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			m.HandleFrame(dctx, from, payload)
			cancel()
		}
	}
}

type Transport struct {
	*transport.BaseTransport
	group    *Group
	memberID string
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Start(ctx context.Context) error {
	t.SetRunning(true)
	logger.DebugCF("memory", "Joined group", map[string]any{
		"group":  t.group.ID,
		"member": t.memberID,
	})
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.SetRunning(false)
	return nil
}

func (t *Transport) Send(ctx context.Context, groupID string, payload []byte) error {
	if !t.IsRunning() {
		return transport.ErrNotRunning
	}
	if groupID != t.group.ID {
		return fmt.Errorf("memory transport: unknown group %q", groupID)
	}
	if limit := t.MaxPayload(); limit > 0 && len(payload) > limit {
		return fmt.Errorf("memory transport: payload of %d bytes exceeds %d", len(payload), limit)
	}
	t.group.deliver(ctx, t.memberID, payload)
	return nil
}
