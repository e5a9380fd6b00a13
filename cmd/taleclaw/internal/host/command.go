package host

import (
	"github.com/spf13/cobra"
)

type options struct {
	debug     bool
	sessionID string
	seed      string
	resume    string
	group     string
	identity  string
	name      string
}

func NewHostCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a shared story session",
		Args:  cobra.NoArgs,
		Example: `  taleclaw host --seed "A lighthouse on a drowned coast"
  taleclaw host --resume autosave
  taleclaw host --group friday --name Hana`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return hostCmd(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "Session id (default: random)")
	cmd.Flags().StringVar(&opts.seed, "seed", "", "World seed the opening narration is written from")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "Start from a saved slot instead of a new session")
	cmd.Flags().StringVarP(&opts.group, "group", "g", "", "Transport group to play in (default: from config)")
	cmd.Flags().StringVar(&opts.identity, "id", "", "Participant identity (default: node.identity)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "Display name (default: node.display_name)")

	return cmd
}
