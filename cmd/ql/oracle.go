package main

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/app"
	"questline/internal/domain"
)

var requestIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func oracleCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "oracle",
		Short: "Answer asynchronous mission requests",
	}
	o.AddCommand(oraclePendingCmd())
	o.AddCommand(oracleFulfilCmd())
	o.AddCommand(oracleSweepCmd())
	return o
}

func oraclePendingCmd() *cobra.Command {
	var responderFlag string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List open requests addressed to a responder",
		RunE: func(cmd *cobra.Command, args []string) error {
			var responder common.Address
			var err error
			if responderFlag != "" {
				responder, err = parseAddress("--responder", responderFlag)
			} else {
				responder, err = caller()
			}
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Gateway.Pending(ctx, responder)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printRequests(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&responderFlag, "responder", "", "responder address (default --as)")
	return cmd
}

func printRequests(items []domain.PendingRequest) {
	tw := newTable("Request", "Quest", "Participant", "Node", "Issued", "Expires")
	for _, r := range items {
		tw.AppendRow([]any{r.ID.Hex(), r.QuestID, r.Participant.Hex(), r.NodeID, r.IssuedAt, r.ExpiresAt})
	}
	tw.Render()
}

func oracleFulfilCmd() *cobra.Command {
	var done bool
	cmd := &cobra.Command{
		Use:   "fulfil <request-id>",
		Short: "Deliver the result of a request as its responder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller()
			if err != nil {
				return err
			}
			if !requestIDPattern.MatchString(args[0]) {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			id := common.HexToHash(args[0])
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Gateway.Request(ctx, id)
				if err != nil {
					return err
				}
				if err := a.Gateway.Fulfill(ctx, who, id, done); err != nil {
					return err
				}
				p, err := a.Engine.Progress(ctx, req.QuestID, req.Participant)
				if err != nil {
					return err
				}
				return printProgress(p)
			})
		},
	}
	cmd.Flags().BoolVar(&done, "done", true, "mission result")
	return cmd
}

func oracleSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Drop expired requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Gateway.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"evicted": n})
				}
				fmt.Printf("evicted %d expired requests\n", n)
				return nil
			})
		},
	}
}
