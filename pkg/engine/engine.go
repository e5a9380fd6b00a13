// Package engine implements the host-side turn resolution state machine.
//
// A turn moves Idle → CollectingAutomatedActions → ResolvingNarration →
// ApplyingEffects → Broadcasting → Idle. Only one turn is ever in flight;
// Resolve refuses to start while the machine is not Idle. Every turn
// completes: narration failures degrade the turn's content instead of
// aborting it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/taleclaw/pkg/effects"
	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/narration"
	"github.com/tinyland-inc/taleclaw/pkg/protocol"
	"github.com/tinyland-inc/taleclaw/pkg/session"
)

var (
	// ErrTurnInFlight is returned when Resolve is called while a turn is running.
	ErrTurnInFlight = errors.New("a turn is already being resolved")
	// ErrNotAuthorized is returned when a non-host attempts a host-only action.
	ErrNotAuthorized = errors.New("only the host may do that")
)

type State int

const (
	Idle State = iota
	CollectingAutomatedActions
	ResolvingNarration
	ApplyingEffects
	Broadcasting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CollectingAutomatedActions:
		return "collecting_automated_actions"
	case ResolvingNarration:
		return "resolving_narration"
	case ApplyingEffects:
		return "applying_effects"
	case Broadcasting:
		return "broadcasting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultActionMaxRunes = 120
	DefaultCallTimeout    = 60 * time.Second
	DefaultSeparator      = "\n\n---\n\n"
	truncationMarker      = "..."
	placeholderFormat     = "[The narrator is silent: %v]"
)

type Config struct {
	// LocalID is the identity of this process's participant. When set,
	// Resolve refuses to run unless that participant is the session host.
	LocalID         string
	ActionMaxRunes  int
	CallTimeout     time.Duration
	Separator       string
	NarrativeWindow int
}

func DefaultConfig() Config {
	return Config{
		ActionMaxRunes:  DefaultActionMaxRunes,
		CallTimeout:     DefaultCallTimeout,
		Separator:       DefaultSeparator,
		NarrativeWindow: narration.DefaultNarrativeWindow,
	}
}

// StateBroadcaster publishes a full-session snapshot to every peer.
type StateBroadcaster interface {
	SyncState(ctx context.Context, s session.Session) (protocol.Envelope, error)
}

// Command is one player intent that triggers a turn.
type Command struct {
	ID         string
	IssuerID   string
	IssuerName string
	Text       string
}

// TurnResult describes what a resolved turn did.
type TurnResult struct {
	CommandID       string
	Turn            int
	PartyActions    []string
	Narration       string
	NarrationFailed bool
	Failures        []string
	Effects         []effects.Applied
	BroadcastErr    error
}

type Engine struct {
	store       *session.Store
	client      narration.Client
	broadcaster StateBroadcaster
	cfg         Config

	mu          sync.Mutex
	state       State
	transitions []func(from, to State)
}

func New(store *session.Store, client narration.Client, broadcaster StateBroadcaster, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ActionMaxRunes <= 0 {
		cfg.ActionMaxRunes = def.ActionMaxRunes
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Separator == "" {
		cfg.Separator = def.Separator
	}
	if isNilPointer(broadcaster) {
		broadcaster = nil
	}
	return &Engine{
		store:       store,
		client:      client,
		broadcaster: broadcaster,
		cfg:         cfg,
	}
}

func isNilPointer(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// State returns the machine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnTransition registers fn to be called on every state change. Register
// handlers before the first turn starts.
func (e *Engine) OnTransition(fn func(from, to State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitions = append(e.transitions, fn)
}

func (e *Engine) begin(next State) bool {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return false
	}
	e.state = next
	handlers := e.transitions
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(Idle, next)
	}
	return true
}

func (e *Engine) transition(next State) {
	e.mu.Lock()
	prev := e.state
	e.state = next
	handlers := e.transitions
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(prev, next)
	}
}

func (e *Engine) authorize() error {
	if e.cfg.LocalID == "" {
		return nil
	}
	cur := e.store.Current()
	p, ok := cur.Participant(e.cfg.LocalID)
	if !ok || !p.IsHost {
		return ErrNotAuthorized
	}
	return nil
}

// Resolve runs one full turn for cmd and returns once the machine is back
// to Idle.
func (e *Engine) Resolve(ctx context.Context, cmd Command) (*TurnResult, error) {
	if err := e.authorize(); err != nil {
		return nil, err
	}
	if !e.begin(CollectingAutomatedActions) {
		return nil, ErrTurnInFlight
	}
	defer e.transition(Idle)

	start := time.Now()
	res := &TurnResult{CommandID: cmd.ID}
	snap := e.store.Current()
	narrative := narration.WindowNarrative(snap.Narrative, e.cfg.NarrativeWindow)

	issuer := cmd.IssuerName
	if issuer == "" {
		issuer = cmd.IssuerID
	}
	actions := []string{formatAction(issuer, cmd.Text)}

	// Sequential on purpose: each automated participant sees the actions
	// already chosen this turn.
	for _, p := range snap.Automated() {
		reply, err := e.call(ctx, narration.ActionPrompt(narrative, actions, p.Name(), p.Persona))
		if err == nil {
			reply = truncateAction(reply, e.cfg.ActionMaxRunes)
			if reply == "" {
				err = errors.New("empty action")
			}
		}
		if err != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", p.Name(), err))
			logger.WarnCF("engine", "Automated participant produced no action", map[string]any{
				"participant": p.ID,
				"command_id":  cmd.ID,
				"error":       err.Error(),
			})
			continue
		}
		actions = append(actions, formatAction(p.Name(), reply))
	}
	res.PartyActions = actions

	e.transition(ResolvingNarration)
	text, err := e.call(ctx, narration.ResolutionPrompt(narrative, actions))
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = errors.New("empty narration")
	}
	if err != nil {
		res.NarrationFailed = true
		res.Failures = append(res.Failures, fmt.Sprintf("narrator: %v", err))
		text = fmt.Sprintf(placeholderFormat, err)
		logger.ErrorCF("engine", "Narration failed, using placeholder", map[string]any{
			"command_id": cmd.ID,
			"error":      err.Error(),
		})
	}
	res.Narration = text

	e.transition(ApplyingEffects)
	e.appendBlock(snap.Narrative, text)
	if !res.NarrationFailed {
		res.Effects = effects.Apply(e.store, effects.Extract(text))
	}
	res.Turn = e.store.AdvanceTurn(cmd.ID)

	e.transition(Broadcasting)
	res.BroadcastErr = e.broadcast(ctx)

	logger.InfoCF("engine", "Turn resolved", map[string]any{
		"turn":          res.Turn,
		"command_id":    cmd.ID,
		"party_actions": len(actions),
		"effects":       len(res.Effects),
		"failures":      len(res.Failures),
		"duration":      time.Since(start).String(),
	})
	return res, nil
}

// Prologue narrates an opening scene from the world seed when the narrative
// is still empty. If the service fails the seed itself opens the story.
func (e *Engine) Prologue(ctx context.Context) (string, error) {
	if err := e.authorize(); err != nil {
		return "", err
	}
	if !e.begin(ResolvingNarration) {
		return "", ErrTurnInFlight
	}
	defer e.transition(Idle)

	snap := e.store.Current()
	if strings.TrimSpace(snap.Narrative) != "" {
		return "", nil
	}

	text, err := e.call(ctx, narration.ProloguePrompt(snap.WorldSeed))
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		if err != nil {
			logger.WarnCF("engine", "Prologue narration failed, opening with the world seed", map[string]any{
				"error": err.Error(),
			})
		}
		text = strings.TrimSpace(snap.WorldSeed)
	}

	e.transition(ApplyingEffects)
	e.store.AppendNarrative(text)

	e.transition(Broadcasting)
	if err := e.broadcast(ctx); err != nil {
		return text, err
	}
	return text, nil
}

func (e *Engine) appendBlock(previous, text string) {
	if strings.TrimSpace(previous) == "" {
		e.store.AppendNarrative(text)
		return
	}
	e.store.AppendNarrative(e.cfg.Separator + text)
}

func (e *Engine) broadcast(ctx context.Context) error {
	if e.broadcaster == nil {
		return nil
	}
	if _, err := e.broadcaster.SyncState(ctx, e.store.Current()); err != nil {
		logger.WarnCF("engine", "State broadcast failed", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

// call issues one bounded narration request. An expired wait is reported
// exactly like any other service failure.
func (e *Engine) call(ctx context.Context, prompt narration.Prompt) (string, error) {
	if e.client == nil {
		return "", narration.Wrap("narration", errors.New("no narration client configured"))
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	text, err := e.client.Complete(callCtx, prompt)
	if err != nil {
		return "", narration.Wrap("narration", err)
	}
	if callCtx.Err() != nil {
		return "", narration.Wrap("narration", callCtx.Err())
	}
	return text, nil
}

func formatAction(actor, action string) string {
	return actor + " -> " + strings.TrimSpace(action)
}

// truncateAction keeps the first non-empty line of reply, limited to
// maxRunes runes including the truncation marker.
func truncateAction(reply string, maxRunes int) string {
	line := ""
	for l := range strings.Lines(reply) {
		if t := strings.TrimSpace(l); t != "" {
			line = t
			break
		}
	}
	runes := []rune(line)
	if maxRunes <= 0 || len(runes) <= maxRunes {
		return line
	}
	marker := []rune(truncationMarker)
	if maxRunes <= len(marker) {
		return string(runes[:maxRunes])
	}
	return strings.TrimSpace(string(runes[:maxRunes-len(marker)])) + truncationMarker
}
