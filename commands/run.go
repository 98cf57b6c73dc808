package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"helphub/nearby"
	"helphub/storage"
	"helphub/transport/lan"
)

func runCmd() *cobra.Command {
	var (
		name      string
		serviceID string
		noArchive bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enter offline mode on the local network and open the console",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := env.cfg
			if name == "" {
				name = cfg.DisplayName
			}
			if serviceID == "" {
				serviceID = cfg.ServiceID
			}

			provider, err := lan.NewProvider(lan.Config{
				EndpointID:      cfg.DeviceID,
				ListenAddress:   cfg.LAN.ListenAddress(),
				RefreshInterval: time.Duration(cfg.LAN.RefreshIntervalSeconds) * time.Second,
				DecisionTimeout: time.Duration(cfg.LAN.DecisionTimeoutSeconds) * time.Second,
				Logger:          env.logger,
			})
			if err != nil {
				return fmt.Errorf("create LAN provider: %w", err)
			}
			defer provider.Close()

			options := nearby.Options{
				Provider:    provider,
				DisplayName: name,
				ServiceID:   serviceID,
				Logger:      env.logger,
			}
			if !noArchive {
				store, _, err := storage.Open(env.dataDir)
				if err != nil {
					return fmt.Errorf("open archive: %w", err)
				}
				defer store.Close()
				options.Archive = store
			}

			session, err := nearby.NewSession(options)
			if err != nil {
				return err
			}
			if err := session.Start(); err != nil {
				return err
			}
			defer func() {
				if err := session.Close(); err != nil {
					env.logger.Warn("session close failed", zap.Error(err))
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "offline mode as %q (endpoint %s, session %s)\n", session.DisplayName(), cfg.DeviceID, session.ID())
			if err := session.StartAdvertising(name); err != nil {
				return err
			}
			if err := session.StartDiscovery(); err != nil {
				return err
			}

			fmt.Fprintf(out, "listening on %s\n", provider.Addr())
			return newConsole(session, out, provider.Refresh).Run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name to advertise (default from config)")
	cmd.Flags().StringVar(&serviceID, "service", "", "service id to advertise and discover (default from config)")
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "do not record this session in the local archive")
	return cmd
}

// closeContext bounds shutdown work that should not hang the CLI.
func closeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
