// Package node runs one participant's side of a shared session.
//
// A single loop goroutine owns routing: it decodes inbound frames, drops
// duplicates, and feeds commands to the turn engine (on the host) or
// adopts state snapshots (on peers). Turns run on a worker goroutine and
// report back to the loop, so at most one is ever in flight.
package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/taleclaw/pkg/autosave"
	"github.com/tinyland-inc/taleclaw/pkg/broadcast"
	"github.com/tinyland-inc/taleclaw/pkg/bus"
	"github.com/tinyland-inc/taleclaw/pkg/engine"
	"github.com/tinyland-inc/taleclaw/pkg/idempotency"
	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/protocol"
	"github.com/tinyland-inc/taleclaw/pkg/session"
	"github.com/tinyland-inc/taleclaw/pkg/slots"
)

var (
	ErrNotAuthorized  = engine.ErrNotAuthorized
	ErrQueueFull      = errors.New("too many commands waiting for the narrator")
	ErrNoSession      = errors.New("no session yet")
	ErrEmptyText      = errors.New("text is empty")
	ErrNoSlots        = errors.New("no save slot store configured")
	ErrStopped        = errors.New("node stopped")
	ErrAlreadyRunning = errors.New("node already running")
)

const (
	DefaultPumpInterval      = 100 * time.Millisecond
	DefaultResendInterval    = 5 * time.Second
	DefaultMaxResends        = 3
	DefaultMaxQueuedCommands = 16
)

type Config struct {
	Identity          string
	DisplayName       string
	SessionID         string
	PumpInterval      time.Duration
	ResendInterval    time.Duration
	MaxResends        int
	MaxQueuedCommands int
	TrackerCapacity   int
}

func (c *Config) applyDefaults() {
	if c.PumpInterval <= 0 {
		c.PumpInterval = DefaultPumpInterval
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = DefaultResendInterval
	}
	if c.MaxResends < 0 {
		c.MaxResends = 0
	} else if c.MaxResends == 0 {
		c.MaxResends = DefaultMaxResends
	}
	if c.MaxQueuedCommands <= 0 {
		c.MaxQueuedCommands = DefaultMaxQueuedCommands
	}
	if c.TrackerCapacity == 0 {
		c.TrackerCapacity = idempotency.DefaultCapacity
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Identity) == "" {
		return errors.New("node identity is required")
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return errors.New("session id is required")
	}
	return nil
}

// Deps are the components a node drives. Engine is required on the host and
// ignored on peers. Slots and Autosave are optional.
type Deps struct {
	Bus         *bus.MessageBus
	Broadcaster *broadcast.Broadcaster
	Store       *session.Store
	Engine      *engine.Engine
	Slots       slots.Store
	Autosave    *autosave.Scheduler
	Tracker     *idempotency.Tracker
}

type request struct {
	fn    func() error
	reply chan error
}

type turnOutcome struct {
	cmd      engine.Command
	prologue bool
	result   *engine.TurnResult
	err      error
}

// pending is a command a peer sent and is waiting to see resolved. Once the
// host acknowledges it the peer stops resending and waits for a snapshot
// whose turn reaches resolveBy.
type pending struct {
	env       protocol.Envelope
	sentAt    time.Time
	resends   int
	acked     bool
	resolveBy int
}

type Node struct {
	cfg  Config
	host bool

	bus      *bus.MessageBus
	bc       *broadcast.Broadcaster
	store    *session.Store
	eng      *engine.Engine
	slots    slots.Store
	autosave *autosave.Scheduler
	tracker  *idempotency.Tracker

	requests chan request
	turnDone chan turnOutcome
	done     chan struct{}
	running  atomic.Bool
	workers  sync.WaitGroup
	loopCtx  context.Context

	// Owned by the loop goroutine.
	queue    []engine.Command
	turning  bool
	stable   session.Session
	outbox   map[string]*pending
	synced   bool
	lastJoin time.Time

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewHost returns the node of the session's host. deps.Store must already
// hold the session and name cfg.Identity as its host.
func NewHost(cfg Config, deps Deps) (*Node, error) {
	n, err := newNode(cfg, deps, true)
	if err != nil {
		return nil, err
	}
	if deps.Engine == nil {
		return nil, errors.New("host node requires a turn engine")
	}
	cur, ok := n.Session()
	if !ok {
		return nil, ErrNoSession
	}
	if cur.ID != n.cfg.SessionID {
		return nil, fmt.Errorf("store holds session %q, expected %q", cur.ID, n.cfg.SessionID)
	}
	if p, ok := cur.Participant(n.cfg.Identity); !ok || !p.IsHost {
		return nil, fmt.Errorf("%w: %s is not the host of session %s", ErrNotAuthorized, n.cfg.Identity, cur.ID)
	}
	return n, nil
}

// NewPeer returns a non-host node. Its store stays empty until the first
// snapshot from the host arrives.
func NewPeer(cfg Config, deps Deps) (*Node, error) {
	return newNode(cfg, deps, false)
}

func newNode(cfg Config, deps Deps, host bool) (*Node, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Bus == nil || deps.Broadcaster == nil {
		return nil, errors.New("node requires a message bus and a broadcaster")
	}
	store := deps.Store
	if store == nil {
		store = session.NewStore(nil)
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = idempotency.NewTracker(cfg.TrackerCapacity)
	}
	return &Node{
		cfg:      cfg,
		host:     host,
		bus:      deps.Bus,
		bc:       deps.Broadcaster,
		store:    store,
		eng:      deps.Engine,
		slots:    deps.Slots,
		autosave: deps.Autosave,
		tracker:  tracker,
		requests: make(chan request),
		turnDone: make(chan turnOutcome, 1),
		done:     make(chan struct{}),
		outbox:   make(map[string]*pending),
		subs:     make(map[int]func(Event)),
	}, nil
}

func (n *Node) IsHost() bool { return n.host }

func (n *Node) Identity() string { return n.cfg.Identity }

func (n *Node) SessionID() string { return n.cfg.SessionID }

// Session returns a copy of the local session, or false before a peer has
// received its first snapshot.
func (n *Node) Session() (session.Session, bool) {
	if !n.store.Loaded() {
		return session.Session{}, false
	}
	return n.store.Current(), true
}

// Run drives the node until ctx is cancelled or the bus is closed.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		close(n.done)
		n.workers.Wait()
	}()

	n.loopCtx = ctx
	ticker := time.NewTicker(n.cfg.PumpInterval)
	defer ticker.Stop()

	logger.InfoCF("node", "Node started", map[string]any{
		"identity": n.cfg.Identity,
		"session":  n.cfg.SessionID,
		"host":     n.host,
	})

	if n.host {
		n.startPrologue()
		n.syncState(ctx)
	} else {
		n.announce(ctx, time.Now())
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.bus.Done():
			return nil
		case frame := <-n.bus.Inbound():
			n.handleFrame(ctx, frame)
		case req := <-n.requests:
			req.reply <- req.fn()
		case out := <-n.turnDone:
			n.finishTurn(out)
		case now := <-ticker.C:
			n.pump(ctx, now)
		}
	}
}

// do runs fn on the loop goroutine.
func (n *Node) do(ctx context.Context, fn func() error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case n.requests <- req:
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) handleFrame(ctx context.Context, frame bus.InboundFrame) {
	env, err := n.bc.Codec().Decode(frame.Payload)
	if err != nil {
		logger.WarnCF("node", "Dropping undecodable frame", map[string]any{
			"transport": frame.Transport,
			"sender_id": frame.SenderID,
			"error":     err.Error(),
		})
		return
	}
	if env.SessionID != n.cfg.SessionID {
		logger.DebugCF("node", "Dropping frame for another session", map[string]any{
			"session": env.SessionID,
			"id":      env.ID,
		})
		return
	}
	if !n.tracker.ShouldProcess(env.ID) {
		if n.host && env.Kind == protocol.KindCommand {
			// The sender is resending, so it may have missed the ack.
			n.acknowledge(ctx, env.ID, n.resolveBy())
		}
		logger.DebugCF("node", "Duplicate envelope ignored", map[string]any{
			"id":   env.ID,
			"kind": string(env.Kind),
		})
		return
	}

	switch env.Kind {
	case protocol.KindChat:
		n.emit(Event{Kind: EventChat, From: env.DisplaySender(), SenderID: env.SenderID, Text: env.Payload})
	case protocol.KindCommand:
		if n.host {
			n.acceptRemoteCommand(ctx, env)
		}
	case protocol.KindJoin:
		if n.host {
			n.acceptJoin(ctx, env)
		}
	case protocol.KindStateSync:
		if !n.host {
			n.adoptSnapshot(env)
		}
	case protocol.KindAck, protocol.KindReject:
		if !n.host {
			n.settleCommand(env)
		}
	}
}

func (n *Node) acceptRemoteCommand(ctx context.Context, env protocol.Envelope) {
	name := n.ensureParticipant(ctx, env.SenderID, env.SenderName)
	cmd := engine.Command{ID: env.ID, IssuerID: env.SenderID, IssuerName: name, Text: env.Payload}
	by := n.resolveBy()
	if err := n.enqueue(ctx, cmd); err != nil {
		// Not accepted, so a later resend must not be taken for a duplicate.
		n.tracker.Forget(env.ID)
		logger.WarnCF("node", "Command rejected", map[string]any{
			"id":        env.ID,
			"sender_id": env.SenderID,
			"error":     err.Error(),
		})
		n.emit(Event{Kind: EventError, Err: fmt.Errorf("command from %s: %w", name, err)})
		n.reply(ctx, protocol.KindReject, env.ID, err.Error())
		return
	}
	n.acknowledge(ctx, env.ID, by)
}

// resolveBy returns the turn by which a command queued now will have been
// handled.
func (n *Node) resolveBy() int {
	by := n.store.Current().Turn + len(n.queue) + 1
	if n.turning {
		by++
	}
	return by
}

func (n *Node) acknowledge(ctx context.Context, id string, by int) {
	n.reply(ctx, protocol.KindAck, id, strconv.Itoa(by))
}

func (n *Node) reply(ctx context.Context, kind protocol.Kind, refID, payload string) {
	env, err := n.bc.Reply(ctx, kind, n.cfg.SessionID, refID, payload)
	n.tracker.ShouldProcess(env.ID)
	if err != nil {
		logger.WarnCF("node", "Reply failed", map[string]any{
			"kind":   string(kind),
			"ref_id": refID,
			"error":  err.Error(),
		})
	}
}

// settleCommand applies the host's ack or rejection of a sent command.
func (n *Node) settleCommand(env protocol.Envelope) {
	p, ok := n.outbox[env.RefID]
	if !ok {
		return
	}
	if cur, loaded := n.Session(); loaded {
		if h, _ := cur.Host(); h == nil || h.ID != env.SenderID {
			logger.WarnCF("node", "Ignoring reply not sent by the host", map[string]any{
				"id":        env.ID,
				"sender_id": env.SenderID,
			})
			return
		}
	}

	if env.Kind == protocol.KindReject {
		delete(n.outbox, env.RefID)
		n.emit(Event{Kind: EventError, Err: fmt.Errorf("host rejected command %q: %s", p.env.Payload, env.Payload)})
		return
	}
	p.acked = true
	if by, err := strconv.Atoi(env.Payload); err == nil && by > p.resolveBy {
		p.resolveBy = by
	}
	logger.DebugCF("node", "Command acknowledged", map[string]any{"id": env.RefID, "resolve_by": p.resolveBy})
}

func (n *Node) acceptJoin(ctx context.Context, env protocol.Envelope) {
	name := strings.TrimSpace(env.Payload)
	if name == "" {
		name = env.SenderName
	}
	n.ensureParticipant(ctx, env.SenderID, name)
	// The peer is waiting for a snapshot whether or not it was new.
	n.syncState(ctx)
}

// ensureParticipant adds an unknown sender to the roster and returns the
// name to show for it.
func (n *Node) ensureParticipant(ctx context.Context, id, name string) string {
	name = strings.TrimSpace(name)
	cur := n.store.Current()
	existing, known := cur.Participant(id)
	if known && (name == "" || existing.IsHost || existing.DisplayName == name) {
		return existing.Name()
	}
	p := session.Participant{ID: id, DisplayName: name}
	if err := n.store.UpsertParticipant(p); err != nil {
		logger.WarnCF("node", "Could not add participant", map[string]any{"id": id, "error": err.Error()})
		return p.Name()
	}
	if !known {
		logger.InfoCF("node", "Participant joined", map[string]any{"id": id, "name": p.Name()})
		n.emit(Event{Kind: EventJoined, SenderID: id, From: p.Name()})
	}
	return p.Name()
}

func (n *Node) adoptSnapshot(env protocol.Envelope) {
	s, err := broadcast.DecodeState(env.Payload)
	if err != nil {
		logger.WarnCF("node", "Dropping unreadable snapshot", map[string]any{"id": env.ID, "error": err.Error()})
		return
	}
	if s.ID != n.cfg.SessionID {
		return
	}
	if h, _ := s.Host(); h == nil || h.ID != env.SenderID {
		logger.WarnCF("node", "Ignoring snapshot not sent by the host", map[string]any{
			"id":        env.ID,
			"sender_id": env.SenderID,
		})
		return
	}
	if err := n.store.Replace(s); err != nil {
		logger.WarnCF("node", "Snapshot rejected", map[string]any{"id": env.ID, "error": err.Error()})
		return
	}
	first := !n.synced
	n.synced = true
	if s.LastCommandID != "" {
		delete(n.outbox, s.LastCommandID)
	}
	for id, p := range n.outbox {
		// Covers a resolving snapshot that was lost and then superseded.
		if p.acked && p.resolveBy > 0 && s.Turn >= p.resolveBy {
			delete(n.outbox, id)
		}
	}
	n.emit(Event{Kind: EventSnapshot, Session: &s, First: first, Turn: s.Turn})
}

func (n *Node) enqueue(ctx context.Context, cmd engine.Command) error {
	if strings.TrimSpace(cmd.Text) == "" {
		return ErrEmptyText
	}
	if len(n.queue) >= n.cfg.MaxQueuedCommands {
		return ErrQueueFull
	}
	n.queue = append(n.queue, cmd)
	n.maybeStartTurn()
	return nil
}

// maybeStartTurn hands the oldest queued command to a worker when no turn is
// in flight. Turns run under the loop's context, not the caller's.
func (n *Node) maybeStartTurn() {
	if n.turning || len(n.queue) == 0 {
		return
	}
	cmd := n.queue[0]
	n.queue = n.queue[1:]
	n.turning = true
	n.stable = n.store.Current()
	n.emit(Event{Kind: EventTurnStarted, From: cmd.IssuerName, SenderID: cmd.IssuerID, Text: cmd.Text})

	n.workers.Add(1)
	go func() {
		defer n.workers.Done()
		res, err := n.eng.Resolve(n.loopCtx, cmd)
		n.turnDone <- turnOutcome{cmd: cmd, result: res, err: err}
	}()
}

func (n *Node) startPrologue() {
	cur := n.store.Current()
	if strings.TrimSpace(cur.Narrative) != "" {
		return
	}
	n.turning = true
	n.stable = cur

	n.workers.Add(1)
	go func() {
		defer n.workers.Done()
		text, err := n.eng.Prologue(n.loopCtx)
		n.turnDone <- turnOutcome{prologue: true, result: &engine.TurnResult{Narration: text}, err: err}
	}()
}

func (n *Node) finishTurn(out turnOutcome) {
	n.turning = false
	switch {
	case out.err != nil && !out.prologue:
		n.emit(Event{Kind: EventError, Err: fmt.Errorf("turn for %q: %w", out.cmd.Text, out.err)})
		if out.cmd.IssuerID != n.cfg.Identity {
			n.reply(n.loopCtx, protocol.KindReject, out.cmd.ID, out.err.Error())
		}
	case out.result != nil && out.result.Narration != "":
		cur := n.store.Current()
		n.emit(Event{
			Kind:    EventNarration,
			Turn:    out.result.Turn,
			Text:    out.result.Narration,
			Result:  out.result,
			Session: &cur,
		})
	}
	n.maybeStartTurn()
}

func (n *Node) syncState(ctx context.Context) {
	if n.turning {
		// The turn in flight broadcasts once it settles.
		return
	}
	if _, err := n.bc.SyncState(ctx, n.store.Current()); err != nil {
		n.emit(Event{Kind: EventError, Err: fmt.Errorf("broadcast state: %w", err)})
	}
}

func (n *Node) announce(ctx context.Context, now time.Time) {
	n.lastJoin = now
	if _, err := n.bc.Send(ctx, protocol.KindJoin, n.cfg.SessionID, n.cfg.DisplayName); err != nil {
		logger.WarnCF("node", "Join announcement failed", map[string]any{"error": err.Error()})
	}
}

func (n *Node) pump(ctx context.Context, now time.Time) {
	if n.host {
		if n.autosave != nil && n.slots != nil && n.autosave.Due(now) {
			if err := n.save(ctx, n.autosave.Slot(), now); err != nil {
				n.emit(Event{Kind: EventError, Err: fmt.Errorf("autosave: %w", err)})
			}
		}
		return
	}

	if !n.synced && now.Sub(n.lastJoin) >= n.cfg.ResendInterval {
		n.announce(ctx, now)
	}
	for id, p := range n.outbox {
		if p.acked || now.Sub(p.sentAt) < n.cfg.ResendInterval {
			continue
		}
		if p.resends >= n.cfg.MaxResends {
			delete(n.outbox, id)
			logger.WarnCF("node", "Command never acknowledged by the host", map[string]any{"id": id})
			n.emit(Event{Kind: EventError, Err: fmt.Errorf("command %q was not acknowledged by the host", p.env.Payload)})
			continue
		}
		p.resends++
		p.sentAt = now
		if err := n.bc.Resend(ctx, p.env); err != nil {
			logger.WarnCF("node", "Command resend failed", map[string]any{"id": id, "error": err.Error()})
		}
	}
}

// IssueCommand submits a player intent for the next turn and returns its id.
// On the host it is queued directly; a peer sends it to the host and keeps
// re-sending it with the same id until the host acknowledges or rejects it.
func (n *Node) IssueCommand(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	var id string
	err := n.do(ctx, func() error {
		if n.host {
			id = uuid.NewString()
			n.tracker.ShouldProcess(id)
			cur := n.store.Current()
			name := n.cfg.DisplayName
			if p, ok := cur.Participant(n.cfg.Identity); ok {
				name = p.Name()
			}
			return n.enqueue(ctx, engine.Command{ID: id, IssuerID: n.cfg.Identity, IssuerName: name, Text: text})
		}

		env := protocol.NewEnvelope(protocol.KindCommand, n.cfg.SessionID, n.cfg.Identity, n.cfg.DisplayName, text)
		id = env.ID
		n.tracker.ShouldProcess(id)
		n.outbox[id] = &pending{env: env, sentAt: time.Now()}
		if err := n.bc.Broadcast(ctx, env); err != nil {
			logger.WarnCF("node", "Command send failed, will retry", map[string]any{"id": id, "error": err.Error()})
		}
		return nil
	})
	return id, err
}

// SendChat broadcasts a chat line. It never affects the session.
func (n *Node) SendChat(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return n.do(ctx, func() error {
		env, err := n.bc.Send(ctx, protocol.KindChat, n.cfg.SessionID, text)
		n.tracker.ShouldProcess(env.ID)
		if err != nil {
			return err
		}
		n.emit(Event{Kind: EventChat, From: env.DisplaySender(), SenderID: env.SenderID, Text: text, Local: true})
		return nil
	})
}

// SpawnAutomated adds an automated participant and returns its identity.
func (n *Node) SpawnAutomated(ctx context.Context, name, persona string) (string, error) {
	if !n.host {
		return "", ErrNotAuthorized
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyText
	}
	id := "ai-" + uuid.NewString()[:8]
	err := n.do(ctx, func() error {
		p := session.Participant{ID: id, DisplayName: name, IsAutomated: true, Persona: strings.TrimSpace(persona)}
		if err := n.store.UpsertParticipant(p); err != nil {
			return err
		}
		logger.InfoCF("node", "Automated participant added", map[string]any{"id": id, "name": name})
		n.emit(Event{Kind: EventJoined, SenderID: id, From: name})
		n.syncState(ctx)
		return nil
	})
	return id, err
}

// Save writes the local session to slot. Any participant may save.
func (n *Node) Save(ctx context.Context, slot string) error {
	return n.do(ctx, func() error { return n.save(ctx, slot, time.Now()) })
}

func (n *Node) save(ctx context.Context, slot string, now time.Time) error {
	if n.slots == nil {
		return ErrNoSlots
	}
	if !n.store.Loaded() {
		return ErrNoSession
	}
	s := n.store.Current()
	if n.turning {
		// Never persist a half-applied turn.
		s = n.stable
	}
	s.LastSavedAt = now.UTC()
	if err := n.slots.Save(ctx, slot, s); err != nil {
		return err
	}
	n.store.MarkSaved(s.LastSavedAt)
	logger.InfoCF("node", "Session saved", map[string]any{"slot": slot, "turn": s.Turn})
	return nil
}

// Load replaces the session with the one saved in slot and broadcasts it.
// Only the host may load, and only a slot it is the host of.
func (n *Node) Load(ctx context.Context, slot string) error {
	if !n.host {
		return ErrNotAuthorized
	}
	if n.slots == nil {
		return ErrNoSlots
	}
	return n.do(ctx, func() error {
		if n.turning {
			return engine.ErrTurnInFlight
		}
		s, ok, err := n.slots.Load(ctx, slot)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", slots.ErrNotFound, slot)
		}
		if h, _ := s.Host(); h == nil || h.ID != n.cfg.Identity {
			return fmt.Errorf("%w: slot %s belongs to another host", ErrNotAuthorized, slot)
		}
		// Peers only listen to this session id.
		s.ID = n.cfg.SessionID
		if err := n.store.Replace(s); err != nil {
			return err
		}
		logger.InfoCF("node", "Session loaded", map[string]any{"slot": slot, "turn": s.Turn})
		for _, cmd := range n.queue {
			if cmd.IssuerID != n.cfg.Identity {
				n.reply(ctx, protocol.KindReject, cmd.ID, "the host loaded a saved session")
			}
		}
		n.queue = nil
		n.syncState(ctx)
		cur := n.store.Current()
		n.emit(Event{Kind: EventSnapshot, Session: &cur, Turn: cur.Turn})
		return nil
	})
}

// Pending returns how many sent commands the host has not yet resolved or
// rejected.
func (n *Node) Pending(ctx context.Context) (int, error) {
	var count int
	err := n.do(ctx, func() error {
		count = len(n.outbox)
		return nil
	})
	return count, err
}
