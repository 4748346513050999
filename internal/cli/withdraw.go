package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage-paywall/events"
	"github.com/sage-x-project/sage-paywall/gateway"
	"github.com/sage-x-project/sage-paywall/internal/bootstrap"
	"github.com/sage-x-project/sage-paywall/types"
)

func newWithdrawCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw [invoice-id...]",
		Short: "Withdraw seller earnings from paid invoices",
		Long:  "Without arguments every paid invoice in the seller's store that has not been withdrawn is released. With arguments only those invoices are.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := d.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			signer, err := rt.Signer(bootstrap.RoleSeller)
			if err != nil {
				return err
			}
			listing, err := d.listing()
			if err != nil {
				return err
			}
			s, err := d.store(ctx)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			gw, err := gateway.New(listing, rt.Ledger, s, signer, gateway.GeneratorFunc(noGeneration),
				gateway.WithLogger(d.log), gateway.WithSink(events.LogSink{Log: d.log}))
			if err != nil {
				return err
			}

			if len(args) == 0 {
				report, err := gw.WithdrawEarnings(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if len(report.Failed) > 0 {
					return fmt.Errorf("%d withdrawal(s) failed", len(report.Failed))
				}
				return nil
			}

			report := &gateway.WithdrawReport{Skipped: map[string]string{}, Failed: map[string]string{}}
			for _, id := range args {
				amount, err := gw.WithdrawInvoice(ctx, id)
				switch {
				case err != nil:
					report.Failed[id] = err.Error()
				case amount.IsZero():
					report.Skipped[id] = "nothing to withdraw"
				default:
					report.Withdrawn = append(report.Withdrawn, id)
					report.Total = report.Total.Add(amount)
				}
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d withdrawal(s) failed", len(report.Failed))
			}
			return nil
		},
	}
	return cmd
}

func noGeneration(context.Context, *types.Invoice, map[string]interface{}) (string, error) {
	return "", fmt.Errorf("ledgerctl does not deliver content")
}
