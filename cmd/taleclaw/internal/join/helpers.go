package join

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal"
	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal/table"
	"github.com/tinyland-inc/taleclaw/pkg/broadcast"
	"github.com/tinyland-inc/taleclaw/pkg/bus"
	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/node"
	"github.com/tinyland-inc/taleclaw/pkg/protocol"
)

func joinCmd(ctx context.Context, opts options) error {
	internal.SetupLogging(opts.debug)
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Transport.Kind == "memory" {
		return errors.New("the memory transport is local to one process; join needs websocket or discord")
	}

	slotStore, err := internal.OpenSlots(cfg)
	if err != nil {
		return fmt.Errorf("error opening save slots: %w", err)
	}
	defer slotStore.Close()

	identity, name := internal.Identity(cfg, opts.identity, opts.name, "peer")

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	tp, group, err := internal.NewTransport(cfg, identity, opts.group, msgBus)
	if err != nil {
		return fmt.Errorf("error creating transport: %w", err)
	}
	bc := broadcast.New(tp, group, protocol.NewCodec(cfg.Transport.MaxPayload), identity, name)

	ncfg := internal.NodeConfig(cfg, opts.sessionID)
	ncfg.Identity, ncfg.DisplayName = identity, name
	n, err := node.NewPeer(ncfg, node.Deps{
		Bus:         msgBus,
		Broadcaster: bc,
		Slots:       slotStore,
	})
	if err != nil {
		return fmt.Errorf("error creating peer node: %w", err)
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

	runCtx, cancelRun := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.Run(runCtx); err != nil {
			logger.ErrorCF("node", "Node stopped", map[string]any{"error": err.Error()})
		}
	}()

	fmt.Printf("%s Joining session %s in group %s as %s\n", internal.Logo, opts.sessionID, group, name)
	fmt.Println("  Waiting for the host's snapshot. Type /help for commands.")
	fmt.Println()

	table.Interactive(ctx, n, r, fmt.Sprintf("%s %s: ", internal.Logo, name))

	pendingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	if count, err := n.Pending(pendingCtx); err == nil && count > 0 {
		fmt.Printf("%d command(s) were not resolved by the host before leaving.\n", count)
	}
	cancel()
	cancelRun()
	wg.Wait()
	return nil
}
