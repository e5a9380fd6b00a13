// Package bus carries raw frames from transports to the node that owns the
// session.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

const defaultBuffer = 100

type MessageBus struct {
	inbound chan InboundFrame
	done    chan struct{}
	closed  atomic.Bool
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBuffer)
}

// NewMessageBusSize returns a bus whose inbound queue holds size frames.
func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBuffer
	}
	return &MessageBus{
		inbound: make(chan InboundFrame, size),
		done:    make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, frame InboundFrame) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case mb.inbound <- frame:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundFrame, bool) {
	select {
	case frame, ok := <-mb.inbound:
		return frame, ok
	case <-mb.done:
		return InboundFrame{}, false
	case <-ctx.Done():
		return InboundFrame{}, false
	}
}

// Inbound exposes the receive side for select loops. Pair it with Done.
func (mb *MessageBus) Inbound() <-chan InboundFrame {
	return mb.inbound
}

// Done is closed when the bus is closed.
func (mb *MessageBus) Done() <-chan struct{} {
	return mb.done
}

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
