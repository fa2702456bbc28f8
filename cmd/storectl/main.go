// Command storectl is the operator CLI: license provisioning, webhook event
// inspection and manual fulfillment retries.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/spf13/cobra"

	"github.com/nyashahama/licensekeys-backend/internal/config"
	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/store"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "storectl",
		Short:         "Operator tooling for the license store",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(licensesCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(fulfillmentCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openStore connects using DATABASE_URL (or .env) and returns the store plus
// a close func.
func openStore(ctx context.Context) (*store.Store, func(), error) {
	dsn, err := config.LoadDatabaseURL()
	if err != nil {
		return nil, nil, err
	}
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	pool.SetMaxOpenConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return store.New(pool, db.New(pool)), func() { pool.Close() }, nil
}
