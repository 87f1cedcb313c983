package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/app"
	"questline/internal/asset"
)

func assetCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "asset",
		Short: "Fund escrows and inspect the local asset book",
		Long: `The asset book is the ledger outcomes are paid from. Each quest pays out of
its own escrow account; fund it natively, approve it as a token spender, or
make it an NFT operator before participants execute their outcomes.`,
	}
	a.AddCommand(assetMintCmd())
	a.AddCommand(assetApproveCmd())
	a.AddCommand(assetFundCmd())
	a.AddCommand(assetNFTMintCmd())
	a.AddCommand(assetOperatorCmd())
	a.AddCommand(assetBalanceCmd())
	a.AddCommand(assetEscrowCmd())
	return a
}

// spenderFlags resolves --spender or, when --quest is given, that quest's escrow.
type spenderFlags struct {
	spender string
	quest   string
}

func (s *spenderFlags) bind(cmd *cobra.Command, name string) {
	cmd.Flags().StringVar(&s.spender, name, "", name+" address")
	cmd.Flags().StringVar(&s.quest, "quest", "", "use this quest's escrow as "+name)
}

func (s spenderFlags) resolve(ctx context.Context, a *app.App, name string) (common.Address, error) {
	if s.quest != "" {
		q, err := resolveQuest(ctx, a.Engine, s.quest)
		if err != nil {
			return common.Address{}, err
		}
		return asset.EscrowAccount(q.ID), nil
	}
	if s.spender == "" {
		return common.Address{}, fmt.Errorf("--%s or --quest required", name)
	}
	return parseAddress("--"+name, s.spender)
}

func assetMintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mint <token> <account> <amount>",
		Short: "Credit a fungible balance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := parseAddress("token", args[0])
			if err != nil {
				return err
			}
			account, err := parseAddress("account", args[1])
			if err != nil {
				return err
			}
			amount, err := parseAmount("amount", args[2])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Book.Mint(ctx, nil, token, account, amount); err != nil {
					return err
				}
				return printBalance(ctx, a, token, account)
			})
		},
	}
}

func assetApproveCmd() *cobra.Command {
	var sf spenderFlags
	cmd := &cobra.Command{
		Use:   "approve <token> <amount>",
		Short: "Let a spender move the --as account's tokens",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := caller()
			if err != nil {
				return err
			}
			token, err := parseAddress("token", args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				spender, err := sf.resolve(ctx, a, "spender")
				if err != nil {
					return err
				}
				if err := a.Book.Approve(ctx, nil, token, owner, spender, amount); err != nil {
					return err
				}
				allowance, err := a.Book.Allowance(ctx, nil, token, owner, spender)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"token": token, "owner": owner, "spender": spender, "allowance": allowance.String()})
				}
				fmt.Printf("%s may spend %s of %s held by %s\n", spender.Hex(), allowance, token.Hex(), owner.Hex())
				return nil
			})
		},
	}
	sf.bind(cmd, "spender")
	return cmd
}

func assetFundCmd() *cobra.Command {
	var sf spenderFlags
	cmd := &cobra.Command{
		Use:   "fund <amount>",
		Short: "Credit a native balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				account, err := sf.resolve(ctx, a, "account")
				if err != nil {
					return err
				}
				if err := a.Book.FundNative(ctx, nil, account, amount); err != nil {
					return err
				}
				return printNative(ctx, a, account)
			})
		},
	}
	sf.bind(cmd, "account")
	return cmd
}

func assetNFTMintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nft-mint <collection> <token-id> <owner>",
		Short: "Mint a non-fungible token",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := parseAddress("collection", args[0])
			if err != nil {
				return err
			}
			tokenID, err := parseAmount("token-id", args[1])
			if err != nil {
				return err
			}
			owner, err := parseAddress("owner", args[2])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Book.MintNFT(ctx, nil, collection, tokenID, owner); err != nil {
					return err
				}
				got, err := a.Book.OwnerOf(ctx, nil, collection, tokenID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"collection": collection, "token_id": tokenID.String(), "owner": got})
				}
				fmt.Printf("%s #%s owned by %s\n", collection.Hex(), tokenID, got.Hex())
				return nil
			})
		},
	}
}

func assetOperatorCmd() *cobra.Command {
	var sf spenderFlags
	var revoke bool
	cmd := &cobra.Command{
		Use:   "operator <collection>",
		Short: "Let an operator move every token the --as account holds in a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := caller()
			if err != nil {
				return err
			}
			collection, err := parseAddress("collection", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				operator, err := sf.resolve(ctx, a, "operator")
				if err != nil {
					return err
				}
				if err := a.Book.SetOperator(ctx, nil, collection, owner, operator, !revoke); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"collection": collection, "owner": owner, "operator": operator, "approved": !revoke})
				}
				fmt.Printf("operator %s on %s for %s: %t\n", operator.Hex(), collection.Hex(), owner.Hex(), !revoke)
				return nil
			})
		},
	}
	sf.bind(cmd, "operator")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke instead of approve")
	return cmd
}

func assetBalanceCmd() *cobra.Command {
	var native bool
	var tokenFlag string
	var nft bool
	cmd := &cobra.Command{
		Use:   "balance <account>",
		Short: "Show a native, fungible or NFT balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := parseAddress("account", args[0])
			if err != nil {
				return err
			}
			if !native && tokenFlag == "" {
				return fmt.Errorf("--native or --token required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if native {
					return printNative(ctx, a, account)
				}
				token, err := parseAddress("--token", tokenFlag)
				if err != nil {
					return err
				}
				if !nft {
					return printBalance(ctx, a, token, account)
				}
				ids, err := a.Book.TokensOf(ctx, nil, token, account)
				if err != nil {
					return err
				}
				out := make([]string, 0, len(ids))
				for _, id := range ids {
					out = append(out, id.String())
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"collection": token, "owner": account, "tokens": out})
				}
				tw := newTable("Collection", "Token")
				for _, id := range out {
					tw.AppendRow([]any{token.Hex(), id})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&native, "native", false, "native balance")
	cmd.Flags().StringVar(&tokenFlag, "token", "", "token or collection address")
	cmd.Flags().BoolVar(&nft, "nft", false, "list token ids held in --token")
	return cmd
}

func assetEscrowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escrow <quest>",
		Short: "Print a quest's escrow account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := resolveQuest(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printNative(ctx, a, asset.EscrowAccount(q.ID))
			})
		},
	}
}

func printBalance(ctx context.Context, a *app.App, token, account common.Address) error {
	bal, err := a.Book.Balance(ctx, nil, token, account)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"token": token, "account": account, "balance": bal.String()})
	}
	fmt.Printf("%s holds %s of %s\n", account.Hex(), bal, token.Hex())
	return nil
}

func printNative(ctx context.Context, a *app.App, account common.Address) error {
	bal, err := a.Book.NativeBalance(ctx, nil, account)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"account": account, "native": bal.String()})
	}
	fmt.Printf("%s native balance %s\n", account.Hex(), bal)
	return nil
}
