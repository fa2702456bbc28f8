package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nyashahama/licensekeys-backend/internal/store"
)

func ordersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect orders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <order-id>",
		Short: "Show an order, its items and assigned licenses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}

			st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			ctx := cmd.Context()
			order, err := st.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			items, err := st.ListOrderItems(ctx, id)
			if err != nil {
				return err
			}
			licenses, err := st.ListActiveLicenses(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Order %s (%s)\n", order.Reference, order.ID)
			fmt.Fprintf(out, "  Email:        %s\n", order.Email)
			fmt.Fprintf(out, "  Status:       %s\n", order.Status)
			fmt.Fprintf(out, "  Total:        %d %s\n", order.TotalAmount, order.Currency)
			fmt.Fprintf(out, "  Fulfillment:  %s\n", order.FulfillmentStatus)
			if order.FulfillmentError.Valid {
				fmt.Fprintf(out, "  Last error:   %s\n", order.FulfillmentError.String)
			}
			fmt.Fprintln(out, "\nItems:")
			for _, it := range items {
				done := "pending"
				if it.FulfilledAt.Valid {
					done = "fulfilled"
				}
				fmt.Fprintf(out, "  %-24s x%-3d %10d  %s\n", it.ProductID, it.Quantity, it.UnitPrice, done)
			}
			fmt.Fprintf(out, "\nActive licenses: %d\n", len(licenses))
			return nil
		},
	})
	return cmd
}

func fulfillmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fulfillment",
		Short: "Manage order fulfillment",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <order-id>",
		Short: "Return a needs_attention order to the retry queue",
		Long: `Moves an order flagged needs_attention back to failed. The running
API's fulfillment worker picks it up on its next poll.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}

			st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			order, err := st.ResetFulfillment(cmd.Context(), id)
			if errors.Is(err, store.ErrStatusConflict) {
				return fmt.Errorf("order %s is not awaiting operator attention", id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "order %s queued for retry (fulfillment=%s)\n",
				order.Reference, order.FulfillmentStatus)
			return nil
		},
	})
	return cmd
}
