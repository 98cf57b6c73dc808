package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"helphub/storage"
)

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show device identity and file locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := env.cfg
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
			fmt.Fprintf(out, "Display Name:    %s\n", cfg.DisplayName)
			fmt.Fprintf(out, "Service ID:      %s\n", cfg.ServiceID)
			fmt.Fprintf(out, "Port Mode:       %s (%s)\n", cfg.LAN.PortMode, cfg.LAN.ListenAddress())
			fmt.Fprintf(out, "Config File:     %s\n", env.cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", env.dataDir)

			store, dbPath, err := storage.Open(env.dataDir)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer store.Close()
			sessions, err := store.ListSessions(1, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Database File:   %s\n", dbPath)
			if len(sessions) > 0 {
				fmt.Fprintf(out, "Last Session:    %s\n", sessions[0].ID)
			}
			return nil
		},
	}
}
