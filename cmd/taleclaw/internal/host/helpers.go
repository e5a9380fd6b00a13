package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal"
	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal/table"
	"github.com/tinyland-inc/taleclaw/pkg/autosave"
	"github.com/tinyland-inc/taleclaw/pkg/broadcast"
	"github.com/tinyland-inc/taleclaw/pkg/bus"
	"github.com/tinyland-inc/taleclaw/pkg/config"
	"github.com/tinyland-inc/taleclaw/pkg/engine"
	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/node"
	"github.com/tinyland-inc/taleclaw/pkg/protocol"
	"github.com/tinyland-inc/taleclaw/pkg/session"
	"github.com/tinyland-inc/taleclaw/pkg/slots"
)

const defaultSeed = "A small band of travellers shelters from a storm in a roadside inn."

func hostCmd(ctx context.Context, opts options) error {
	internal.SetupLogging(opts.debug)
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	slotStore, err := internal.OpenSlots(cfg)
	if err != nil {
		return fmt.Errorf("error opening save slots: %w", err)
	}
	defer slotStore.Close()

	identity, name := internal.Identity(cfg, opts.identity, opts.name, "host")
	sess, err := startingSession(ctx, slotStore, opts, identity, name)
	if err != nil {
		return err
	}
	if h, ok := sess.Host(); ok {
		identity, name = h.ID, h.Name()
	}

	client, err := internal.CreateClient(ctx, cfg, os.Stdin, os.Stdout)
	if err != nil {
		return fmt.Errorf("error creating narration client: %w", err)
	}

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	tp, group, err := internal.NewTransport(cfg, identity, opts.group, msgBus)
	if err != nil {
		return fmt.Errorf("error creating transport: %w", err)
	}
	bc := broadcast.New(tp, group, protocol.NewCodec(cfg.Transport.MaxPayload), identity, name)

	store := session.NewStore(sess)
	eng := engine.New(store, client, bc, internal.EngineConfig(cfg, identity))
	eng.OnTransition(func(from, to engine.State) {
		logger.DebugCF("engine", "State transition", map[string]any{"from": from.String(), "to": to.String()})
	})

	sched, err := newScheduler(cfg.Autosave)
	if err != nil {
		return err
	}

	ncfg := internal.NodeConfig(cfg, sess.ID)
	ncfg.Identity, ncfg.DisplayName = identity, name
	n, err := node.NewHost(ncfg, node.Deps{
		Bus:         msgBus,
		Broadcaster: bc,
		Store:       store,
		Engine:      eng,
		Slots:       slotStore,
		Autosave:    sched,
	})
	if err != nil {
		return fmt.Errorf("error creating host node: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if err := tp.Start(ctx); err != nil {
		return fmt.Errorf("error starting %s transport: %w", tp.Name(), err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Stop(stopCtx)
	}()

	r := table.NewRenderer(os.Stdout)
	cancelSub := n.Subscribe(r.Render)
	defer cancelSub()
	if strings.TrimSpace(sess.Narrative) != "" {
		r.Prime(*sess)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.Run(runCtx); err != nil {
			logger.ErrorCF("node", "Node stopped", map[string]any{"error": err.Error()})
		}
	}()

	fmt.Printf("%s Hosting session %s in group %s over %s\n", internal.Logo, sess.ID, group, tp.Name())
	fmt.Printf("  Players join with: taleclaw join --session %s --group %s\n", sess.ID, group)
	if sched != nil {
		fmt.Printf("  Autosave: %s to slot %q\n", sched.Expr(), sched.Slot())
	}
	fmt.Println("  Type /help for commands.")
	fmt.Println()

	table.Interactive(ctx, n, r, fmt.Sprintf("%s %s: ", internal.Logo, name))

	if sched != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.Save(saveCtx, sched.Slot()); err != nil && !errors.Is(err, node.ErrStopped) {
			logger.WarnCF("autosave", "Final save failed", map[string]any{"error": err.Error()})
		}
		cancel()
	}
	cancelRun()
	wg.Wait()
	return nil
}

// startingSession loads opts.resume or creates a fresh session owned by the
// local identity.
func startingSession(ctx context.Context, store slots.Store, opts options, identity, name string) (*session.Session, error) {
	if opts.resume != "" {
		s, ok, err := store.Load(ctx, opts.resume)
		if err != nil {
			return nil, fmt.Errorf("error loading slot %s: %w", opts.resume, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", slots.ErrNotFound, opts.resume)
		}
		if opts.identity != "" {
			if h, _ := s.Host(); h == nil || h.ID != opts.identity {
				return nil, fmt.Errorf("slot %s is hosted by someone else", opts.resume)
			}
		}
		if opts.sessionID != "" {
			s.ID = opts.sessionID
		}
		return &s, nil
	}

	id := opts.sessionID
	if id == "" {
		id = uuid.NewString()[:8]
	}
	seed := strings.TrimSpace(opts.seed)
	if seed == "" {
		seed = defaultSeed
	}
	return session.New(id, seed, session.Participant{ID: identity, DisplayName: name}), nil
}

func newScheduler(cfg config.AutosaveConfig) (*autosave.Scheduler, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	sched, err := autosave.New(cfg.Cron, cfg.Slot, time.Now())
	if err != nil {
		return nil, fmt.Errorf("error configuring autosave: %w", err)
	}
	return sched, nil
}
