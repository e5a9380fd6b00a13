// Package session models the shared narrative state and the store that owns it.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNoHost       = errors.New("session has no host")
	ErrMultipleHost = errors.New("session has more than one host")
)

// Participant is one human or automated actor in a session.
type Participant struct {
	ID          string   `json:"id"                   toml:"id"`
	DisplayName string   `json:"display_name"         toml:"display_name"`
	IsHost      bool     `json:"is_host"              toml:"is_host"`
	IsAutomated bool     `json:"is_automated"         toml:"is_automated"`
	Persona     string   `json:"persona,omitempty"    toml:"persona,omitempty"`
	Seat        int      `json:"seat"                 toml:"seat"`
	Inventory   []string `json:"inventory,omitempty"  toml:"inventory,omitempty"`
}

// Name returns the display name, falling back to the identity.
func (p *Participant) Name() string {
	if n := strings.TrimSpace(p.DisplayName); n != "" {
		return n
	}
	return p.ID
}

// HasItem reports whether the inventory holds item, ignoring case.
func (p *Participant) HasItem(item string) bool {
	for _, have := range p.Inventory {
		if strings.EqualFold(have, item) {
			return true
		}
	}
	return false
}

func (p *Participant) addItem(item string) bool {
	if p.HasItem(item) {
		return false
	}
	p.Inventory = append(p.Inventory, item)
	return true
}

func (p *Participant) removeItem(item string) bool {
	kept := p.Inventory[:0]
	removed := false
	for _, have := range p.Inventory {
		if strings.EqualFold(have, item) {
			removed = true
			continue
		}
		kept = append(kept, have)
	}
	if !removed {
		return false
	}
	if len(kept) == 0 {
		kept = nil
	}
	p.Inventory = kept
	return true
}

func (p *Participant) clone() *Participant {
	cp := *p
	if p.Inventory != nil {
		cp.Inventory = append([]string(nil), p.Inventory...)
	}
	return &cp
}

// Session is the root aggregate synchronized across peers.
type Session struct {
	ID            string                  `json:"session_id"                toml:"session_id"`
	WorldSeed     string                  `json:"world_seed"                toml:"world_seed"`
	Narrative     string                  `json:"narrative"                 toml:"narrative"`
	Participants  map[string]*Participant `json:"participants"              toml:"participants"`
	Turn          int                     `json:"turn"                      toml:"turn"`
	LastCommandID string                  `json:"last_command_id,omitempty" toml:"last_command_id,omitempty"`
	LastSavedAt   time.Time               `json:"last_saved_at"             toml:"last_saved_at"`
}

// New creates a session owned by host.
func New(id, worldSeed string, host Participant) *Session {
	host.IsHost = true
	host.IsAutomated = false
	host.Seat = 1
	return &Session{
		ID:           id,
		WorldSeed:    worldSeed,
		Participants: map[string]*Participant{host.ID: host.clone()},
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Participants != nil {
		cp.Participants = make(map[string]*Participant, len(s.Participants))
		for id, p := range s.Participants {
			cp.Participants[id] = p.clone()
		}
	}
	return &cp
}

// Roster returns the participants in seat order.
func (s *Session) Roster() []*Participant {
	out := make([]*Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seat != out[j].Seat {
			return out[i].Seat < out[j].Seat
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Automated returns the automated participants in seat order.
func (s *Session) Automated() []*Participant {
	var out []*Participant
	for _, p := range s.Roster() {
		if p.IsAutomated {
			out = append(out, p)
		}
	}
	return out
}

// Host returns the host participant.
func (s *Session) Host() (*Participant, bool) {
	for _, p := range s.Participants {
		if p.IsHost {
			return p, true
		}
	}
	return nil, false
}

// Participant looks up a participant by identity.
func (s *Session) Participant(id string) (*Participant, bool) {
	p, ok := s.Participants[id]
	return p, ok
}

func (s *Session) nextSeat() int {
	seat := 0
	for _, p := range s.Participants {
		seat = max(seat, p.Seat)
	}
	return seat + 1
}

// Validate checks the session invariants: an id, exactly one host, keys
// matching participant identities and case-insensitively unique inventories.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("session id is required")
	}
	hosts := 0
	for key, p := range s.Participants {
		if p == nil {
			return fmt.Errorf("participant %q is nil", key)
		}
		if p.ID != key {
			return fmt.Errorf("participant key %q does not match identity %q", key, p.ID)
		}
		if p.IsHost {
			hosts++
		}
		for i, item := range p.Inventory {
			for _, earlier := range p.Inventory[:i] {
				if strings.EqualFold(earlier, item) {
					return fmt.Errorf("participant %q holds %q more than once", p.ID, item)
				}
			}
		}
	}
	switch {
	case hosts == 0:
		return ErrNoHost
	case hosts > 1:
		return ErrMultipleHost
	}
	return nil
}
