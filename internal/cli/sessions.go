package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/turnrouter/internal/repository"
)

func newSessionsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}

	var limit int
	history := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the recent messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(store repository.Store) error {
				msgs, err := store.GetHistory(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, m := range msgs {
					label := string(m.Role)
					if m.Capability != "" {
						label += "/" + m.Capability
					}
					fmt.Fprintf(out, "%4d  %s  %-20s %s\n", m.Seq, m.Timestamp.Format(time.RFC3339), label, m.Content)
				}
				return nil
			})
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent messages, 0 for all")

	var owner string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recently active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(store repository.Store) error {
				recs, err := store.ListSessions(cmd.Context(), owner, listLimit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "only sessions of this owner")
	list.Flags().IntVarP(&listLimit, "limit", "n", repository.DefaultListLimit, "maximum sessions")

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(store repository.Store) error {
				if err := store.DeleteSession(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete sessions inactive for longer than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = root.cfg.RetentionPeriod
			}
			return withStore(cmd, root, func(store repository.Store) error {
				n, err := store.PurgeInactive(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d sessions\n", n)
				return nil
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 0, "inactivity cutoff (defaults to the retention period)")

	cmd.AddCommand(history, list, del, purge)
	return cmd
}

func withStore(cmd *cobra.Command, root *rootOptions, fn func(repository.Store) error) error {
	store, err := openStore(cmd.Context(), root.cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
