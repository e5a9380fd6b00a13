// Package broadcast publishes envelopes to the group and builds full-state
// snapshots for peers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/protocol"
	"github.com/tinyland-inc/taleclaw/pkg/session"
	"github.com/tinyland-inc/taleclaw/pkg/transport"
)

type Broadcaster struct {
	transport  transport.Transport
	groupID    string
	codec      protocol.Codec
	senderID   string
	senderName string
}

// New returns a broadcaster sending as senderID. t may be nil, in which case
// every broadcast is a no-op. A zero codec limit inherits the transport's.
func New(t transport.Transport, groupID string, codec protocol.Codec, senderID, senderName string) *Broadcaster {
	if codec.MaxPayload == 0 && t != nil {
		codec.MaxPayload = t.MaxPayload()
	}
	return &Broadcaster{
		transport:  t,
		groupID:    groupID,
		codec:      codec,
		senderID:   senderID,
		senderName: senderName,
	}
}

func (b *Broadcaster) Codec() protocol.Codec {
	if b == nil {
		return protocol.Codec{}
	}
	return b.codec
}

// Connected reports whether broadcasts currently reach a transport. A nil
// broadcaster is never connected.
func (b *Broadcaster) Connected() bool {
	return b != nil && b.transport != nil && b.transport.IsRunning()
}

// Broadcast encodes env and sends it to the group. Without a connected
// transport it does nothing. An oversized snapshot is logged and dropped;
// other oversized envelopes return protocol.ErrPayloadTooLarge.
func (b *Broadcaster) Broadcast(ctx context.Context, env protocol.Envelope) error {
	if !b.Connected() {
		logger.DebugCF("broadcast", "No connected transport, not sending", map[string]any{
			"kind": string(env.Kind),
			"id":   env.ID,
		})
		return nil
	}
	data, err := b.codec.Encode(env)
	if err != nil {
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			logger.WarnCF("broadcast", "Envelope too large for transport, dropped", map[string]any{
				"kind":  string(env.Kind),
				"id":    env.ID,
				"limit": b.codec.MaxPayload,
			})
			if env.Kind == protocol.KindStateSync {
				return nil
			}
		}
		return err
	}
	if err := b.transport.Send(ctx, b.groupID, data); err != nil {
		logger.ErrorCF("broadcast", "Send failed", map[string]any{
			"transport": b.transport.Name(),
			"kind":      string(env.Kind),
			"id":        env.ID,
			"error":     err.Error(),
		})
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}
	return nil
}

// Send wraps payload in a new envelope from the local identity and
// broadcasts it. The envelope is returned even when sending fails so the
// caller can retry with the same id.
func (b *Broadcaster) Send(ctx context.Context, kind protocol.Kind, sessionID, payload string) (protocol.Envelope, error) {
	if b == nil {
		return protocol.Envelope{}, nil
	}
	env := protocol.NewEnvelope(kind, sessionID, b.senderID, b.senderName, payload)
	return env, b.Broadcast(ctx, env)
}

// Reply sends a kind envelope answering refID.
func (b *Broadcaster) Reply(ctx context.Context, kind protocol.Kind, sessionID, refID, payload string) (protocol.Envelope, error) {
	if b == nil {
		return protocol.Envelope{}, nil
	}
	env := protocol.NewReply(kind, sessionID, b.senderID, b.senderName, refID, payload)
	return env, b.Broadcast(ctx, env)
}

// Resend broadcasts an existing envelope again, keeping its id.
func (b *Broadcaster) Resend(ctx context.Context, env protocol.Envelope) error {
	return b.Broadcast(ctx, env)
}

// SyncState broadcasts the full session as a state sync.
func (b *Broadcaster) SyncState(ctx context.Context, s session.Session) (protocol.Envelope, error) {
	payload, err := EncodeState(s)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return b.Send(ctx, protocol.KindStateSync, s.ID, payload)
}

// EncodeState serializes a session snapshot for a state sync payload.
func EncodeState(s session.Session) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return string(data), nil
}

// DecodeState parses a state sync payload and validates it.
func DecodeState(payload string) (session.Session, error) {
	var s session.Session
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return session.Session{}, fmt.Errorf("decode state: %w", err)
	}
	if err := s.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("decode state: %w", err)
	}
	return s, nil
}
