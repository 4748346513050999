package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage-paywall/internal/bootstrap"
	"github.com/sage-x-project/sage-paywall/ledger"
	"github.com/sage-x-project/sage-paywall/store"
	"github.com/sage-x-project/sage-paywall/types"
)

// hardhatAccount0 is the well-known first development account of a local
// hardhat or anvil node.
const hardhatAccount0 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type statusOutput struct {
	ID        string         `json:"id"`
	Ledger    string         `json:"ledger"`
	Seller    string         `json:"seller"`
	Token     string         `json:"token"`
	Amount    string         `json:"amount"`
	Paid      bool           `json:"paid"`
	Withdrawn bool           `json:"withdrawn"`
	Local     *types.Invoice `json:"local,omitempty"`
}

func newStatusCmd(d *deps) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "status <invoice-id>",
		Short: "Show an invoice as the registry sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			if err := types.ValidateInvoiceID(id); err != nil {
				return err
			}
			rt, err := d.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.Ledger.GetInvoice(ctx, id)
			if err != nil {
				return err
			}
			out := statusOutput{
				ID:        id,
				Ledger:    rt.Ledger.Reference(),
				Seller:    rec.Seller,
				Token:     rec.Token,
				Amount:    rec.Amount.String(),
				Paid:      rec.Paid,
				Withdrawn: rec.Withdrawn(),
			}
			if local {
				s, err := d.store(ctx)
				if err != nil {
					return err
				}
				defer s.Close(ctx)
				inv, err := s.Get(ctx, id)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				out.Local = inv
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Include the record from the seller's invoice store")
	return cmd
}

type balanceRow struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
	Native  string `json:"native,omitempty"`
}

func newBalanceCmd(d *deps) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "balance [address...]",
		Short: "Show token balances (defaults to the configured seller and buyer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := d.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			addrs := args
			if len(addrs) == 0 {
				for _, role := range []bootstrap.Role{bootstrap.RoleSeller, bootstrap.RoleBuyer} {
					if s, err := rt.Signer(role); err == nil {
						addrs = append(addrs, s.Hex())
					}
				}
			}
			if len(addrs) == 0 {
				return fmt.Errorf("no address given and no agent keys configured")
			}
			if token == "" {
				token = rt.Token
			}

			rows := make([]balanceRow, 0, len(addrs))
			for _, addr := range addrs {
				bal, err := rt.Ledger.TokenBalance(ctx, token, addr)
				if err != nil {
					return err
				}
				row := balanceRow{Address: addr, Token: token, Balance: bal.String()}
				if rt.EVM != nil {
					wei, err := rt.EVM.NativeBalance(ctx, addr)
					if err != nil {
						return err
					}
					row.Native = ledger.FromBaseUnits(wei).String()
				}
				rows = append(rows, row)
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Token address (defaults to TOKEN_ADDRESS)")
	return cmd
}

type fundRow struct {
	Address string `json:"address"`
	Sent    string `json:"sent,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
	Skipped string `json:"skipped,omitempty"`
}

func newFundCmd(d *deps) *cobra.Command {
	var (
		amount string
		key    string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "fund [address...]",
		Short: "Send native gas to agent accounts (defaults to the configured seller and buyer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			value, err := decimal.NewFromString(amount)
			if err != nil || !value.IsPositive() {
				return types.ValidationError("invalid --amount %q", amount)
			}
			rt, err := d.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.EVM == nil {
				return fmt.Errorf("fund needs an EVM ledger (LEDGER=evm)")
			}

			if key == "" {
				key = os.Getenv("FUNDING_PRIVATE_KEY")
			}
			if key == "" {
				if rt.Network == nil || rt.Network.Name != "local" {
					return fmt.Errorf("FUNDING_PRIVATE_KEY not set")
				}
				d.log.Warn("using the default hardhat account #0 for funding")
				key = hardhatAccount0
			}
			funder, err := ledger.LoadSigner(key)
			if err != nil {
				return err
			}

			addrs := args
			if len(addrs) == 0 {
				for _, role := range []bootstrap.Role{bootstrap.RoleSeller, bootstrap.RoleBuyer} {
					if s, err := rt.Signer(role); err == nil {
						addrs = append(addrs, s.Hex())
					}
				}
			}

			rows := make([]fundRow, 0, len(addrs))
			for _, addr := range addrs {
				if strings.EqualFold(addr, funder.Hex()) {
					rows = append(rows, fundRow{Address: addr, Skipped: "funding account"})
					continue
				}
				if dryRun {
					rows = append(rows, fundRow{Address: addr, Skipped: "dry run"})
					continue
				}
				tx, err := rt.EVM.SendNative(ctx, funder, addr, ledger.ToBaseUnits(value))
				if err != nil {
					return fmt.Errorf("fund %s: %w", addr, err)
				}
				d.log.WithField("tx_hash", tx.Hash).Infof("sent %s to %s", value, addr)
				rows = append(rows, fundRow{Address: addr, Sent: value.String(), TxHash: tx.Hash})
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "0.1", "Amount of native currency to send to each account")
	cmd.Flags().StringVar(&key, "key", "", "Funding account private key (defaults to FUNDING_PRIVATE_KEY)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be sent without sending")
	return cmd
}
