// taleclaw - shared story sessions narrated by a language model.
// One player hosts and resolves every turn; everyone else joins over a
// group transport and follows the host's state snapshots.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal"
	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal/host"
	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal/join"
	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal/relay"
	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal/slots"
	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal/version"
)

func NewTaleclawCommand() *cobra.Command {
	short := fmt.Sprintf("%s taleclaw - Shared narrative sessions v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "taleclaw",
		Short:   short,
		Example: "taleclaw host --seed \"A lighthouse on a drowned coast\"",
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", "",
		"Config file (default: ~/.taleclaw/config.json)")

	cmd.AddCommand(
		host.NewHostCommand(),
		join.NewJoinCommand(),
		relay.NewRelayCommand(),
		slots.NewSlotsCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewTaleclawCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
