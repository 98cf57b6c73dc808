package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"helphub/storage"
)

func historyCmd() *cobra.Command {
	var (
		limit  int
		remove bool
	)
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived sessions, or print one session's conversations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := storage.Open(env.dataDir)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer store.Close()

			if len(args) == 0 {
				if remove {
					return errors.New("--delete needs a session id")
				}
				return listSessions(cmd.OutOrStdout(), store, limit)
			}
			if remove {
				if err := store.DeleteSession(args[0]); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("no archived session %q", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted session %s\n", args[0])
				return nil
			}
			return printSession(cmd.OutOrStdout(), store, args[0])
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions to list")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the given session and its messages")
	return cmd
}

func listSessions(out io.Writer, store *storage.Store, limit int) error {
	sessions, err := store.ListSessions(limit, 0)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no archived sessions")
		return nil
	}
	for _, session := range sessions {
		ended := "running"
		if session.EndedAt != nil {
			ended = time.UnixMilli(*session.EndedAt).Format(time.DateTime)
		}
		fmt.Fprintf(out, "%s  %s  %-20s  until %-19s  %d endpoints  %d messages\n",
			session.ID,
			time.UnixMilli(session.StartedAt).Format(time.DateTime),
			session.DisplayName,
			ended,
			session.EndpointCount,
			session.MessageCount,
		)
	}
	return nil
}

func printSession(out io.Writer, store *storage.Store, sessionID string) error {
	session, err := store.GetSession(sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no archived session %q", sessionID)
	}
	if err != nil {
		return err
	}
	endpoints, err := store.ListEndpoints(sessionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "session %s as %q, started %s\n", session.ID, session.DisplayName, time.UnixMilli(session.StartedAt).Format(time.DateTime))
	names := make(map[string]string, len(endpoints))
	for _, endpoint := range endpoints {
		names[endpoint.EndpointID] = endpoint.Name
	}
	for _, endpoint := range endpoints {
		messages, err := store.ListMessages(sessionID, endpoint.EndpointID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s (%s), %d messages\n", endpoint.Name, endpoint.EndpointID, len(messages))
		for _, message := range messages {
			fmt.Fprintln(out, "  "+formatMessage(message))
		}
	}

	// Messages with endpoints never recorded as seen, for example a peer that
	// connected without being discovered first.
	all, err := store.ListMessages(sessionID, "")
	if err != nil {
		return err
	}
	for _, message := range all {
		if _, ok := names[message.EndpointID]; !ok {
			fmt.Fprintf(out, "  %s: %s\n", message.EndpointID, formatMessage(message))
		}
	}
	return nil
}
