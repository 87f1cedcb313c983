package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/app"
	"questline/internal/definition"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/repo"
)

func questCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "quest",
		Short: "Create and manage quests",
		Long:  "Quests are defined in YAML, JSON or CUE files (see internal/definition/testdata for examples). Refer to a quest by id or by #index.",
	}
	q.AddCommand(questCreateCmd())
	q.AddCommand(questListCmd())
	q.AddCommand(questShowCmd())
	q.AddCommand(questSummaryCmd())
	q.AddCommand(questPauseCmd(true))
	q.AddCommand(questPauseCmd(false))
	q.AddCommand(questReplaceCmd("formula"))
	q.AddCommand(questReplaceCmd("outcomes"))
	q.AddCommand(questCheckCmd())
	return q
}

func loadDefinition(path string, now time.Time) (engine.QuestSpec, error) {
	if path == "" {
		return engine.QuestSpec{}, fmt.Errorf("--file required")
	}
	return definition.LoadFile(path, now)
}

func questCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a quest from a definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := caller()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				spec, err := loadDefinition(file, time.Now())
				if err != nil {
					return err
				}
				q, err := a.Engine.CreateQuest(ctx, owner, spec)
				if err != nil {
					return err
				}
				return printQuest(a.Engine, q)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file (.yaml, .json, .cue)")
	return cmd
}

func questCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a definition file without creating the quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadDefinition(args[0], time.Now())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err), "spec": spec})
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s OK: %d nodes, %d outcomes\n", args[0], len(spec.Formula), len(spec.Outcomes))
			return nil
		},
	}
	return cmd
}

func questListCmd() *cobra.Command {
	var ownerFlag string
	var limit int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quests in factory order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.QuestFilters{Limit: limit, Cursor: cursor}
			if ownerFlag != "" {
				owner, err := parseAddress("--owner", ownerFlag)
				if err != nil {
					return err
				}
				f.Owner = &owner
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListQuests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("#", "ID", "Title", "Owner", "State", "Start", "End")
				for _, q := range items {
					tw.AppendRow([]any{q.Index, q.ID, q.Title, q.Owner.Hex(), a.Engine.QuestState(q), unixStamp(q.Start), unixStamp(q.End)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ownerFlag, "owner", "", "only quests owned by this address")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of quests")
	cmd.Flags().Int64Var(&cursor, "from", 0, "first factory index")
	return cmd
}

func questShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <quest>",
		Short: "Show a quest with its formula and outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := resolveQuest(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printQuest(a.Engine, q)
			})
		},
	}
}

func questSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <quest>",
		Short: "Participant counts and remaining capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := resolveQuest(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				s, err := a.Engine.Summary(ctx, q.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("%s (%s)\n", s.Quest.ID, s.State)
				st := newTable("Status", "Participants")
				for _, name := range []domain.ParticipantStatus{domain.InProgress, domain.Completed, domain.Rewarded} {
					st.AppendRow([]any{name.String(), s.Statuses[name.String()]})
				}
				st.Render()
				ct := newTable("Outcome", "Limited", "Remaining", "Paid")
				for _, c := range s.Capacity {
					ct.AppendRow([]any{c.OutcomeIndex, c.Limited, c.Remaining, c.Paid})
				}
				ct.Render()
				return nil
			})
		},
	}
}

func questPauseCmd(pause bool) *cobra.Command {
	use, short := "resume <quest>", "Resume a paused quest"
	if pause {
		use, short = "pause <quest>", "Pause an active quest"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
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
				if pause {
					q, err = a.Engine.Pause(ctx, who, q.ID)
				} else {
					q, err = a.Engine.Resume(ctx, who, q.ID)
				}
				if err != nil {
					return err
				}
				return printQuest(a.Engine, q)
			})
		},
	}
}

// questReplaceCmd replaces the formula or the outcomes of a quest with the
// ones read from a definition file.
func questReplaceCmd(part string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   part + " <quest>",
		Short: "Replace the " + part + " before the quest starts",
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
				spec, err := loadDefinition(file, time.Now())
				if err != nil {
					return err
				}
				if part == "formula" {
					q, err = a.Engine.SetFormula(ctx, who, q.ID, spec.Formula)
				} else {
					q, err = a.Engine.SetOutcomes(ctx, who, q.ID, spec.Outcomes)
				}
				if err != nil {
					return err
				}
				return printQuest(a.Engine, q)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file holding the new "+part)
	return cmd
}

func printQuest(e engine.Engine, q domain.Quest) error {
	if viper.GetBool("json") {
		return printJSON(struct {
			domain.Quest
			State domain.QuestState `json:"state"`
		}{q, e.QuestState(q)})
	}
	fmt.Printf("%s  #%d  %s\nowner %s  state %s  %s -> %s\n",
		q.ID, q.Index, q.Title, q.Owner.Hex(), e.QuestState(q), unixStamp(q.Start), unixStamp(q.End))
	nt := newTable("Node", "Kind", "Handler / Operator", "Left", "Right", "Data")
	for _, n := range q.Formula {
		if n.Leaf {
			nt.AppendRow([]any{n.ID, "mission", n.Handler.Hex(), "", "", len(n.Data)})
			continue
		}
		nt.AppendRow([]any{n.ID, "node", n.Operator.String(), n.Left, n.Right, ""})
	}
	nt.Render()
	ot := newTable("Outcome", "Asset", "Amount / Call", "Capacity")
	for i, o := range q.Outcomes {
		capacity := "unlimited"
		if o.Limited {
			capacity = fmt.Sprint(o.Capacity)
		}
		if o.Native {
			ot.AppendRow([]any{i, "native", o.NativeAmount, capacity})
			continue
		}
		ot.AppendRow([]any{i, o.Asset.Hex(), o.Selector.String(), capacity})
	}
	ot.Render()
	return nil
}

func unixStamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func participantArg(args []string, i int) (common.Address, error) {
	if len(args) > i {
		return parseAddress("participant", args[i])
	}
	return caller()
}
