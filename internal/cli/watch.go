package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage-paywall/types"
	"github.com/sage-x-project/sage-paywall/websocket"
)

func newWatchCmd(d *deps) *cobra.Command {
	var (
		maxAttempts int
		invoiceID   string
	)
	cmd := &cobra.Command{
		Use:   "watch [ws-url]",
		Short: "Follow a seller's activity feed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := "ws://localhost:8085/ws"
			if len(args) == 1 {
				url = args[0]
			}
			out := cmd.OutOrStdout()
			f, err := websocket.NewFollower(url, func(ev types.ActivityEvent) {
				if invoiceID != "" && ev.InvoiceID != invoiceID {
					return
				}
				fmt.Fprintf(out, "%s  %-5s %-20s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Level, ev.Type, ev.Message)
			}, d.log)
			if err != nil {
				return err
			}
			f.SetMaxAttempts(maxAttempts)
			err = f.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Give up after this many failed connection attempts (0 retries forever)")
	cmd.Flags().StringVar(&invoiceID, "invoice", "", "Only show events for this invoice")
	return cmd
}
