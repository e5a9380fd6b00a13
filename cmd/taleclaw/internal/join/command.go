package join

import (
	"github.com/spf13/cobra"
)

type options struct {
	debug     bool
	sessionID string
	group     string
	identity  string
	name      string
}

func NewJoinCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:     "join",
		Aliases: []string{"j"},
		Short:   "Join a session someone else is hosting",
		Args:    cobra.NoArgs,
		Example: `  taleclaw join --session 3f2a9c1d --group friday
  taleclaw join -s 3f2a9c1d -g friday --name Pia`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return joinCmd(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "Session id announced by the host")
	cmd.Flags().StringVarP(&opts.group, "group", "g", "", "Transport group the host plays in (default: from config)")
	cmd.Flags().StringVar(&opts.identity, "id", "", "Participant identity (default: node.identity)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "Display name (default: node.display_name)")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}
