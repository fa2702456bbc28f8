package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect recorded Stripe webhook events",
	}
	cmd.AddCommand(eventsListCmd())
	return cmd
}

func eventsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhook events by status, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := parseEventStatus(status)
			if err != nil {
				return err
			}

			st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			events, err := st.ListEvents(cmd.Context(), s, int32(limit))
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no %s events\n", s)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT\tTYPE\tORDER\tATTEMPTS\tCREATED\tERROR")
			for _, e := range events {
				order := "-"
				if e.OrderID.Valid {
					order = e.OrderID.UUID.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.StripeEventID, e.Type, order, e.Attempts,
					e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.Error.String)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "failed", "processing, processed, failed or dropped")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum events to show")
	return cmd
}

func parseEventStatus(s string) (db.WebhookEventStatus, error) {
	switch st := db.WebhookEventStatus(s); st {
	case db.WebhookEventStatusProcessing,
		db.WebhookEventStatusProcessed,
		db.WebhookEventStatusFailed,
		db.WebhookEventStatusDropped:
		return st, nil
	}
	return "", fmt.Errorf("unknown event status %q", s)
}
