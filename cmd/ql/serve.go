package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/app"
	"questline/internal/domain"
	"questline/internal/repo"
	"questline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("QUESTLINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Gateway:  a.Gateway,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, AllowDevLogin: devLogin, Log: a.Log},
					Log:      a.Log,
				})
				if err != nil {
					return err
				}
				go server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Log).Run(ctx)
				if sweepEvery > 0 {
					go sweepLoop(ctx, a, sweepEvery)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info().Str("addr", addr).Str("base_path", basePath).Bool("dev_login", devLogin).Msg("serving")
				fmt.Printf("Serving Questline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local testing only)")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", time.Minute, "drop expired oracle requests this often (0 disables)")
	return cmd
}

func sweepLoop(ctx context.Context, a *app.App, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Gateway.Sweep(ctx)
			if err != nil {
				a.Log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				a.Log.Info().Int64("evicted", n).Msg("swept expired requests")
			}
		}
	}
}

func tokenCmd() *cobra.Command {
	var address string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller()
			if address != "" {
				who, err = parseAddress("--address", address)
			}
			if err != nil {
				return err
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), who, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok, "address": who, "expires_in": int64(ttl.Seconds())})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "token subject (default --as)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the --as address",
	}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key := "ql_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				rec := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: who.Hex(),
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": rec.ID, "actor_id": rec.ActorID, "name": name, "key": key})
				}
				fmt.Printf("id:  %s\nkey: %s\n", rec.ID, key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, who.Hex())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Created")
				for _, key := range keys {
					tw.AppendRow([]any{key.ID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return k
}

func eventsCmd() *cobra.Command {
	var questRef, evtType, entityKind string
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.EventFilters{Type: evtType, EntityKind: entityKind, Limit: n}
				if questRef != "" {
					q, err := resolveQuest(ctx, a.Engine, questRef)
					if err != nil {
						return err
					}
					f.QuestID = q.ID
				}
				items, err := a.Engine.EventLog(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, evt := range items {
					tw.AppendRow([]any{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&questRef, "quest", "", "only events of this quest")
	cmd.Flags().StringVar(&evtType, "type", "", "event type")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "quest, participant or request")
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	return cmd
}
