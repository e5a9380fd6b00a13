// Package autosave decides when the host writes its session to the autosave
// slot, following a cron expression.
package autosave

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

const (
	DefaultExpr = "*/5 * * * *"
	DefaultSlot = "autosave"
)

type Scheduler struct {
	expr string
	slot string

	mu   sync.Mutex
	next time.Time
}

// Validate reports whether expr is a cron expression gronx understands.
func Validate(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid autosave schedule %q", expr)
	}
	return nil
}

// New returns a scheduler whose first tick is the first one after start.
func New(expr, slot string, start time.Time) (*Scheduler, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultExpr
	}
	if strings.TrimSpace(slot) == "" {
		slot = DefaultSlot
	}
	if err := Validate(expr); err != nil {
		return nil, err
	}
	s := &Scheduler{expr: expr, slot: slot}
	next, err := s.Next(start)
	if err != nil {
		return nil, err
	}
	s.next = next
	return s, nil
}

func (s *Scheduler) Slot() string { return s.slot }

func (s *Scheduler) Expr() string { return s.expr }

// Next returns the first tick strictly after after.
func (s *Scheduler) Next(after time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(s.expr, after, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next autosave tick: %w", err)
	}
	return next, nil
}

// Due reports whether a tick has passed since the last time Due returned
// true, and if so schedules the following one. Ticks missed while nobody
// called Due collapse into one.
func (s *Scheduler) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.next) {
		return false
	}
	next, err := s.Next(now)
	if err != nil {
		s.next = now.Add(time.Hour)
	} else {
		s.next = next
	}
	return true
}

// Pending returns when the next autosave is due.
func (s *Scheduler) Pending() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
