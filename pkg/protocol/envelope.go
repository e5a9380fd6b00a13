// Package protocol defines the wire envelope exchanged between taleclaw peers
// and the codec that turns it into transport payloads.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind selects how an envelope's payload is interpreted.
type Kind string

const (
	KindChat      Kind = "chat"       // payload: chat text
	KindCommand   Kind = "command"    // payload: player intent for the next turn
	KindStateSync Kind = "state_sync" // payload: serialized session snapshot
	KindJoin      Kind = "join"       // payload: display name of the announcing peer
	KindAck       Kind = "ack"        // payload: turn by which RefID will have resolved
	KindReject    Kind = "reject"     // payload: why the host refused RefID
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindCommand, KindStateSync, KindJoin, KindAck, KindReject:
		return true
	}
	return false
}

// Envelope is the unit of wire communication. ID is the idempotency key and
// is assigned exactly once, in NewEnvelope; re-sends reuse it.
type Envelope struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	RefID      string    `json:"ref_id,omitempty"`
	Payload    string    `json:"payload"`
	SessionID  string    `json:"session_id"`
	SentAt     time.Time `json:"sent_at"`
}

// NewEnvelope creates an envelope with a fresh unique id.
func NewEnvelope(kind Kind, sessionID, senderID, senderName, payload string) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		SenderID:   senderID,
		SenderName: senderName,
		Payload:    payload,
		SessionID:  sessionID,
		SentAt:     time.Now().UTC(),
	}
}

var (
	errMissingID      = errors.New("envelope id is required")
	errMissingSession = errors.New("envelope session_id is required")
	errMissingSender  = errors.New("envelope sender_id is required")
	errMissingRef     = errors.New("envelope ref_id is required")
)

// Validate checks the structural invariants both ends rely on.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errMissingID
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return errMissingSession
	}
	if strings.TrimSpace(e.SenderID) == "" {
		return errMissingSender
	}
	if (e.Kind == KindAck || e.Kind == KindReject) && strings.TrimSpace(e.RefID) == "" {
		return errMissingRef
	}
	return nil
}

// NewReply creates an envelope answering the envelope with id refID.
func NewReply(kind Kind, sessionID, senderID, senderName, refID, payload string) Envelope {
	env := NewEnvelope(kind, sessionID, senderID, senderName, payload)
	env.RefID = refID
	return env
}

// DisplaySender returns the sender's name, falling back to its identity.
func (e Envelope) DisplaySender() string {
	if name := strings.TrimSpace(e.SenderName); name != "" {
		return name
	}
	return e.SenderID
}
