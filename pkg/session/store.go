package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrSecondHost is returned when an upsert would give the session a second host.
var ErrSecondHost = errors.New("session already has a host")

// Store owns one Session. On the host it is mutated only by the turn engine
// (and roster upserts); on peers it is replaced wholesale by snapshots.
type Store struct {
	mu      sync.RWMutex
	session *Session
}

// NewStore creates a store around s. A nil s yields an empty store that
// reports Loaded() == false until the first Replace.
func NewStore(s *Session) *Store {
	st := &Store{}
	if s != nil {
		st.session = s.Clone()
	}
	return st
}

// Loaded reports whether the store holds a session.
func (st *Store) Loaded() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.session != nil
}

// Current returns a deep copy of the session; the zero Session when empty.
func (st *Store) Current() Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.session == nil {
		return Session{}
	}
	return *st.session.Clone()
}

// Replace swaps the whole session for s after validating it.
func (st *Store) Replace(s Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	cp := s.Clone()
	st.mu.Lock()
	st.session = cp
	st.mu.Unlock()
	return nil
}

// AppendNarrative appends text to the narrative log.
func (st *Store) AppendNarrative(text string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session == nil {
		return
	}
	st.session.Narrative += text
}

// GrantItem gives item to every participant that does not already hold it
// (case-insensitive) and returns how many participants gained it.
func (st *Store) GrantItem(item string) int {
	item = strings.TrimSpace(item)
	if item == "" {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session == nil {
		return 0
	}
	n := 0
	for _, p := range st.session.Participants {
		if p.addItem(item) {
			n++
		}
	}
	return n
}

// RemoveItem removes every case-insensitive match of item from every
// participant and returns how many participants lost it.
func (st *Store) RemoveItem(item string) int {
	item = strings.TrimSpace(item)
	if item == "" {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session == nil {
		return 0
	}
	n := 0
	for _, p := range st.session.Participants {
		if p.removeItem(item) {
			n++
		}
	}
	return n
}

// UpsertParticipant adds p, or refreshes the display name, persona and
// automation flag of an existing participant. Seat, host flag and inventory
// of an existing participant are kept.
func (st *Store) UpsertParticipant(p Participant) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("participant id is required")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session == nil {
		return errors.New("no session loaded")
	}

	if existing, ok := st.session.Participants[p.ID]; ok {
		existing.DisplayName = p.DisplayName
		existing.Persona = p.Persona
		if !existing.IsHost {
			existing.IsAutomated = p.IsAutomated
		}
		return nil
	}

	if p.IsHost {
		if _, ok := st.session.Host(); ok {
			return ErrSecondHost
		}
	}
	cp := p.clone()
	cp.Seat = st.session.nextSeat()
	if st.session.Participants == nil {
		st.session.Participants = make(map[string]*Participant)
	}
	st.session.Participants[p.ID] = cp
	return nil
}

// AdvanceTurn increments the turn counter and records the command that
// produced it.
func (st *Store) AdvanceTurn(commandID string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session == nil {
		return 0
	}
	st.session.Turn++
	st.session.LastCommandID = commandID
	return st.session.Turn
}

// MarkSaved stamps the session's last save time.
func (st *Store) MarkSaved(at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session == nil {
		return
	}
	st.session.LastSavedAt = at.UTC()
}
