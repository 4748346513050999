// Package cli implements ledgerctl, the operator tool for the invoice
// registry.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage-paywall/config"
	"github.com/sage-x-project/sage-paywall/internal/bootstrap"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/store"
	"github.com/sage-x-project/sage-paywall/types"
)

var version = "dev"

// deps resolves what a command needs. Production loads everything from the
// environment; tests inject an in-memory runtime.
type deps struct {
	runtime func(ctx context.Context) (*bootstrap.Runtime, error)
	store   func(ctx context.Context) (store.Store, error)
	listing func() (types.SellerListing, error)
	log     *logger.Logger
}

func envDeps() *deps {
	var env *config.EnvConfig
	loadEnv := func() (*config.EnvConfig, error) {
		if env != nil {
			return env, nil
		}
		cfg, err := config.LoadEnv()
		if err != nil {
			return nil, err
		}
		if err := logger.Configure(cfg.LogLevel, cfg.LogFormat, "ledgerctl"); err != nil {
			return nil, err
		}
		env = cfg
		return env, nil
	}
	d := &deps{log: logger.GetLogger()}
	d.runtime = func(ctx context.Context) (*bootstrap.Runtime, error) {
		cfg, err := loadEnv()
		if err != nil {
			return nil, err
		}
		return bootstrap.Open(ctx, cfg, d.log)
	}
	d.store = func(ctx context.Context) (store.Store, error) {
		cfg, err := loadEnv()
		if err != nil {
			return nil, err
		}
		return store.Open(ctx, cfg.StoreConfig(), d.log)
	}
	d.listing = func() (types.SellerListing, error) {
		cfg, err := loadEnv()
		if err != nil {
			return types.SellerListing{}, err
		}
		listings, err := config.LoadListings(cfg.ListingsFile)
		if err != nil {
			return types.SellerListing{}, err
		}
		if cfg.SellerID == "" && len(listings) == 1 {
			return listings[0], nil
		}
		return config.FindListing(listings, cfg.SellerID)
	}
	return d
}

func newRootCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and operate the pay-gated invoice registry",
		Long:          "ledgerctl reads invoices from the registry, withdraws seller earnings, reports balances, funds agent accounts with gas and follows the activity feed.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newStatusCmd(d))
	cmd.AddCommand(newBalanceCmd(d))
	cmd.AddCommand(newWithdrawCmd(d))
	cmd.AddCommand(newFundCmd(d))
	cmd.AddCommand(newWatchCmd(d))
	return cmd
}

// Execute runs ledgerctl with the process arguments.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := newRootCmd(envDeps()).ExecuteContext(ctx)
	if err != nil {
		logger.GetLogger().Error("ledgerctl failed", err)
	}
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
