package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"helphub/nearby"
	"helphub/storage"
	"helphub/transport/memory"
)

func simCmd() *cobra.Command {
	var (
		timeout time.Duration
		archive bool
	)
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a scripted two-device exchange over an in-memory medium",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var sink nearby.Archive
			if archive {
				store, _, err := storage.Open(env.dataDir)
				if err != nil {
					return fmt.Errorf("open archive: %w", err)
				}
				defer store.Close()
				sink = store
			}
			return runSimulation(ctx, cmd.OutOrStdout(), env.logger, sink)
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "record both simulated sessions in the local archive")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up if the script stalls this long")
	return cmd
}

// runSimulation walks a medic and a shelter through discovery, negotiation,
// one request/reply and disconnect.
func runSimulation(ctx context.Context, out io.Writer, logger *zap.Logger, archive nearby.Archive) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	medium := memory.NewMedium(memory.WithLogger(logger), memory.WithDecisionTimeout(5*time.Second))

	medic, err := newSimSession(medium, "field-medic", "Field Medic", logger, archive)
	if err != nil {
		return err
	}
	defer medic.Close()
	shelter, err := newSimSession(medium, "shelter-3", "Shelter 3", logger, archive)
	if err != nil {
		return err
	}
	defer shelter.Close()

	medicOut := newPrinter(out, "medic   | ")
	medicOut.attach(medic)
	defer medicOut.detach()
	shelterOut := newPrinter(out, "shelter | ")
	shelterOut.attach(shelter)
	defer shelterOut.detach()

	discovered := make(chan struct{}, 1)
	connected := make(chan struct{}, 1)
	sent := make(chan struct{}, 1)
	replied := make(chan struct{}, 1)

	for _, session := range []*nearby.Session{medic, shelter} {
		session := session
		nearby.Subscribe(session.Events(), func(e nearby.ConnectionInitiated) {
			if err := session.AcceptConnection(e.EndpointID); err != nil {
				logger.Warn("simulated accept failed", zap.String("endpoint_id", e.EndpointID), zap.Error(err))
			}
		})
	}
	nearby.Subscribe(medic.Events(), func(e nearby.DeviceDiscovered) {
		if e.EndpointID == "shelter-3" {
			notify(discovered)
		}
	})
	nearby.Subscribe(medic.Events(), func(e nearby.ConnectionResolved) {
		if e.Status == nearby.StatusOK {
			notify(connected)
		}
	})
	nearby.Subscribe(medic.Events(), func(nearby.PayloadSent) {
		notify(sent)
	})
	nearby.Subscribe(medic.Events(), func(nearby.PayloadReceived) {
		notify(replied)
	})
	nearby.Subscribe(shelter.Events(), func(e nearby.PayloadReceived) {
		if _, err := shelter.SendPayload(e.EndpointID, "copy, two crates of water on the way"); err != nil {
			logger.Warn("simulated reply failed", zap.Error(err))
		}
	})

	if err := shelter.StartAdvertising(shelter.DisplayName()); err != nil {
		return err
	}
	if err := medic.StartDiscovery(); err != nil {
		return err
	}
	if err := await(ctx, discovered, "discovery"); err != nil {
		return err
	}

	if err := medic.RequestConnection(medic.DisplayName(), "shelter-3"); err != nil {
		return err
	}
	if err := await(ctx, connected, "connection"); err != nil {
		return err
	}

	if _, err := medic.SendPayload("shelter-3", "need water at the north gate"); err != nil {
		return err
	}
	if err := await(ctx, sent, "send confirmation"); err != nil {
		return err
	}
	if err := await(ctx, replied, "reply"); err != nil {
		return err
	}

	medic.Disconnect("shelter-3")
	for _, session := range []*nearby.Session{medic, shelter} {
		syncCtx, cancel := closeContext()
		err := session.Sync(syncCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "transcript:")
	for _, message := range medic.Messages("shelter-3") {
		fmt.Fprintln(out, "  "+formatMessage(message))
	}
	return nil
}

func newSimSession(medium *memory.Medium, id, name string, logger *zap.Logger, archive nearby.Archive) (*nearby.Session, error) {
	device, err := medium.NewDevice(id)
	if err != nil {
		return nil, err
	}
	session, err := nearby.NewSession(nearby.Options{
		Provider:    device,
		DisplayName: name,
		Logger:      logger.Named(id),
		Archive:     archive,
	})
	if err != nil {
		return nil, err
	}
	if err := session.Start(); err != nil {
		return nil, err
	}
	return session, nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func await(ctx context.Context, ch <-chan struct{}, step string) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("simulation stalled waiting for %s", step)
		}
		return ctx.Err()
	}
}
