package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/app"
	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Questline CLI",
	Long: `Questline runs quests: a formula of missions, participants that join and
validate them, and outcomes paid out of a per-quest escrow.
- Quest: formula tree of AND/OR nodes over missions, outcomes, and a start/end window.
- Mission: a formula leaf judged by a handler (allowlist, holder, oracle) declared in questline.yml.
- Participant: NotEnrolled -> InProgress -> Completed -> Rewarded, never backwards.
- Oracle: async missions open a request that only the configured responder may fulfil.
- Asset book: local ledger of native, fungible and NFT balances that outcomes are paid from.
Every command acts as the address given with --as (or QUESTLINE_AS).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if code := engine.CodeOf(err); code != engine.CodeInternal && code != "" {
			fmt.Fprintln(os.Stderr, "category:", code)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("db", "", "database path (default <workspace>/.questline/questline.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "address acting as the caller")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(questCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(oracleCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create questline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace, Path: viper.GetString("db")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path, "migrations": applied})
			}
			fmt.Printf("wrote %s, applied %d migrations\n", path, applied)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing questline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect questline.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate questline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		DBPath:    viper.GetString("db"),
		LogOutput: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func caller() (common.Address, error) {
	as := strings.TrimSpace(viper.GetString("as"))
	if as == "" {
		return common.Address{}, fmt.Errorf("--as (or QUESTLINE_AS) is required")
	}
	return parseAddress("--as", as)
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(name, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", name, s)
	}
	return n, nil
}

func parseNodeID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return uint32(n), nil
}

// resolveQuest accepts a quest id or "#<index>".
func resolveQuest(ctx context.Context, e engine.Engine, ref string) (domain.Quest, error) {
	if idx, ok := strings.CutPrefix(ref, "#"); ok {
		n, err := strconv.ParseInt(idx, 10, 64)
		if err != nil {
			return domain.Quest{}, fmt.Errorf("invalid quest index %q", ref)
		}
		return e.QuestByIndex(ctx, n)
	}
	return e.GetQuest(ctx, ref)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
