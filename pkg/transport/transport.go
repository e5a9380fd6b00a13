// Package transport defines the boundary between the session node and the
// group chat that carries its frames.
//
// A transport delivers opaque payloads to every member of one group and
// publishes what it receives to the message bus. Delivery may duplicate,
// reorder or drop frames; callers never rely on anything stronger.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/tinyland-inc/taleclaw/pkg/bus"
	"github.com/tinyland-inc/taleclaw/pkg/logger"
)

// ErrNotRunning is returned by Send on a transport that has not started.
var ErrNotRunning = errors.New("transport not running")

type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, groupID string, payload []byte) error
	IsRunning() bool
	// MaxPayload is the largest frame the transport can carry, 0 if unbounded.
	MaxPayload() int
}

// BaseTransportOption is a functional option for configuring a BaseTransport.
type BaseTransportOption func(*BaseTransport)

// WithMaxPayload sets the maximum payload size in bytes.
// A value of 0 means no limit.
func WithMaxPayload(n int) BaseTransportOption {
	return func(t *BaseTransport) { t.maxPayload = n }
}

// WithAllowList restricts inbound frames to the listed sender identities.
func WithAllowList(ids []string) BaseTransportOption {
	return func(t *BaseTransport) { t.allowList = ids }
}

// BaseTransport carries the bookkeeping every adapter shares.
type BaseTransport struct {
	bus        *bus.MessageBus
	running    atomic.Bool
	name       string
	groupID    string
	allowList  []string
	maxPayload int
}

func NewBaseTransport(name, groupID string, mb *bus.MessageBus, opts ...BaseTransportOption) *BaseTransport {
	bt := &BaseTransport{
		bus:     mb,
		name:    name,
		groupID: groupID,
	}
	for _, opt := range opts {
		opt(bt)
	}
	return bt
}

func (t *BaseTransport) Name() string {
	return t.name
}

func (t *BaseTransport) GroupID() string {
	return t.groupID
}

func (t *BaseTransport) MaxPayload() int {
	return t.maxPayload
}

func (t *BaseTransport) IsRunning() bool {
	return t.running.Load()
}

func (t *BaseTransport) SetRunning(running bool) {
	t.running.Store(running)
}

func (t *BaseTransport) IsAllowed(senderID string) bool {
	if len(t.allowList) == 0 {
		return true
	}
	for _, allowed := range t.allowList {
		if senderID == strings.TrimPrefix(allowed, "@") || senderID == allowed {
			return true
		}
	}
	return false
}

// HandleFrame publishes an inbound payload to the bus. Frames from senders
// outside the allow list and frames over the payload limit are dropped.
func (t *BaseTransport) HandleFrame(ctx context.Context, senderID string, payload []byte) {
	if !t.IsAllowed(senderID) {
		logger.DebugCF(t.name, "Dropping frame from sender outside allow list", map[string]any{
			"sender_id": senderID,
		})
		return
	}
	if t.maxPayload > 0 && len(payload) > t.maxPayload {
		logger.WarnCF(t.name, "Dropping oversized frame", map[string]any{
			"sender_id": senderID,
			"size":      len(payload),
			"limit":     t.maxPayload,
		})
		return
	}
	frame := bus.InboundFrame{
		Transport: t.name,
		GroupID:   t.groupID,
		SenderID:  senderID,
		Payload:   append([]byte(nil), payload...),
	}
	if err := t.bus.PublishInbound(ctx, frame); err != nil {
		logger.DebugCF(t.name, "Inbound frame not published", map[string]any{"error": err.Error()})
	}
}
