package slots

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal"
	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal/table"
	"github.com/tinyland-inc/taleclaw/pkg/engine"
	"github.com/tinyland-inc/taleclaw/pkg/slots"
)

func NewSlotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect saved sessions",
	}

	cmd.AddCommand(newListCommand(), newShowCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List save slots",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(store slots.Store) error {
				return listSlots(cmd.Context(), store, cmd.OutOrStdout())
			})
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show <slot>",
		Short:   "Show the party and latest narration of a slot",
		Args:    cobra.ExactArgs(1),
		Example: "  taleclaw slots show autosave",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store slots.Store) error {
				return showSlot(cmd.Context(), store, args[0], cmd.OutOrStdout())
			})
		},
	}
}

func withStore(fn func(slots.Store) error) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	store, err := internal.OpenSlots(cfg)
	if err != nil {
		return fmt.Errorf("error opening save slots: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func listSlots(ctx context.Context, store slots.Store, out io.Writer) error {
	infos, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No saved sessions.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSESSION\tTURN\tSAVED")
	for _, info := range infos {
		saved := "-"
		if !info.SavedAt.IsZero() {
			saved = info.SavedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", info.Name, info.SessionID, info.Turn, saved)
	}
	return w.Flush()
}

func showSlot(ctx context.Context, store slots.Store, name string, out io.Writer) error {
	s, ok, err := store.Load(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", slots.ErrNotFound, name)
	}
	table.RenderRoster(out, s)
	if s.Narrative == "" {
		return nil
	}
	latest := s.Narrative
	if i := strings.LastIndex(latest, engine.DefaultSeparator); i >= 0 {
		latest = latest[i+len(engine.DefaultSeparator):]
	}
	fmt.Fprintf(out, "\n%s\n", strings.TrimSpace(latest))
	return nil
}

