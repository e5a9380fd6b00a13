package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/taleclaw/cmd/taleclaw/internal"
	"github.com/tinyland-inc/taleclaw/pkg/transport/websocket"
)

func NewRelayCommand() *cobra.Command {
	var (
		debug bool
		host  string
		port  int
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a websocket relay that players connect through",
		Args:  cobra.NoArgs,
		Example: `  taleclaw relay
  taleclaw relay --host 127.0.0.1 --port 9000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			internal.SetupLogging(debug)
			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if cmd.Flags().Changed("host") {
				cfg.Relay.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Relay.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			addr := net.JoinHostPort(cfg.Relay.Host, strconv.Itoa(cfg.Relay.Port))
			fmt.Printf("%s Relay listening on %s (Ctrl+C to stop)\n", internal.Logo, addr)
			return serve(ctx, websocket.NewHub(cfg.Transport.MaxPayload), addr)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&host, "host", "", "Address to listen on (default: relay.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default: relay.port)")

	return cmd
}

func serve(ctx context.Context, hub *websocket.Hub, addr string) error {
	if err := hub.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	fmt.Println("Relay stopped")
	return nil
}
