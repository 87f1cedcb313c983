package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/app"
	"questline/internal/domain"
	"questline/internal/engine"
)

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <quest>",
		Short: "Enroll the --as address in an active quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := resolveQuest(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				p, err := a.Engine.Join(ctx, who, q.ID)
				if err != nil {
					return err
				}
				return printProgress(p)
			})
		},
	}
}

func validateCmd() *cobra.Command {
	var node string
	cmd := &cobra.Command{
		Use:   "validate <quest> [participant]",
		Short: "Run mission handlers for a participant",
		Long: `Without --node every open mission of the quest is validated and the formula
is re-evaluated. Oracle missions answer later; their request ids are printed.
The participant defaults to --as; relayers may validate for others.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller()
			if err != nil {
				return err
			}
			participant, err := participantArg(args, 1)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := resolveQuest(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				if node != "" {
					id, err := parseNodeID(node)
					if err != nil {
						return err
					}
					out, err := a.Engine.ValidateMission(ctx, who, q.ID, participant, id)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(out)
					}
					printLeaves([]engine.LeafOutcome{out})
					return nil
				}
				report, err := a.Engine.ValidateQuest(ctx, who, q.ID, participant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printLeaves(report.Leaves)
				fmt.Printf("%s: %s\n", report.Participant.Hex(), report.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "validate only this mission node")
	return cmd
}

func printLeaves(leaves []engine.LeafOutcome) {
	tw := newTable("Node", "Handler", "Done", "Note")
	for _, l := range leaves {
		note := ""
		switch {
		case l.Skipped:
			note = "already done"
		case l.Pending && l.RequestID != nil:
			note = "pending " + l.RequestID.Hex()
		case l.Pending:
			note = "pending"
		}
		tw.AppendRow([]any{l.NodeID, l.Handler.Hex(), l.Done, note})
	}
	tw.Render()
}

func recordCmd() *cobra.Command {
	var done bool
	cmd := &cobra.Command{
		Use:   "record <quest> <participant> <node>",
		Short: "Record a mission result as its handler",
		Long:  "Only the handler address of the mission (given with --as) may record its result.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller()
			if err != nil {
				return err
			}
			participant, err := parseAddress("participant", args[1])
			if err != nil {
				return err
			}
			id, err := parseNodeID(args[2])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := resolveQuest(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				if err := a.Engine.RecordLeafResult(ctx, who, q.ID, participant, id, done); err != nil {
					return err
				}
				p, err := a.Engine.Progress(ctx, q.ID, participant)
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

func executeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <quest> [participant]",
		Short: "Pay the outcomes to a completed participant",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller()
			if err != nil {
				return err
			}
			participant, err := participantArg(args, 1)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := resolveQuest(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				transfers, err := a.Engine.ExecuteOutcome(ctx, who, q.ID, participant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(transfers)
				}
				tw := newTable("Outcome", "Recipient", "Asset", "Amount / Call")
				for _, t := range transfers {
					if t.Native {
						tw.AppendRow([]any{t.OutcomeIndex, t.Recipient.Hex(), "native", t.Amount})
						continue
					}
					tw.AppendRow([]any{t.OutcomeIndex, t.Recipient.Hex(), t.Asset.Hex(), t.CallData.String()})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <quest> [participant]",
		Short: "Show a participant's status and missions",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			participant, err := participantArg(args, 1)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := resolveQuest(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				p, err := a.Engine.Progress(ctx, q.ID, participant)
				if err != nil {
					return err
				}
				return printProgress(p)
			})
		},
	}
}

func printProgress(p domain.Progress) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("%s in %s: %s\n", p.Participant.Hex(), p.QuestID, p.Status)
	if len(p.Missions) == 0 {
		return nil
	}
	ids := make([]uint32, 0, len(p.Missions))
	for id := range p.Missions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	tw := newTable("Node", "Done")
	for _, id := range ids {
		tw.AppendRow([]any{id, p.Missions[id]})
	}
	tw.Render()
	return nil
}
