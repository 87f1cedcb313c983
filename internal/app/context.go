// Package app assembles a workspace: database, config, asset book, mission
// handlers, gateway and engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"questline/internal/asset"
	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/engine"
	"questline/internal/engine/auth"
	"questline/internal/events"
	"questline/internal/gateway"
	"questline/internal/logging"
	"questline/internal/migrate"
	"questline/internal/mission"
	"questline/internal/repo"
)

// App is an opened workspace.
type App struct {
	DB      *sql.DB
	Config  *config.Config
	Book    asset.Book
	Gateway *gateway.Gateway
	Engine  engine.Engine
	Log     zerolog.Logger
}

type Options struct {
	Workspace string
	// DBPath overrides <workspace>/.questline/questline.db.
	DBPath string
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Open migrates the workspace database and wires every component. A missing
// questline.yml falls back to the default config.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log, err := logging.New(out, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a, err := Wire(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// Wire builds the components over an already migrated database.
func Wire(conn *sql.DB, cfg *config.Config, log zerolog.Logger) (*App, error) {
	book := asset.Book{DB: conn}
	gw := &gateway.Gateway{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{},
		Policy: auth.NewPolicy(cfg.RelayerAddresses()),
		Log:    log.With().Str("component", "gateway").Logger(),
	}
	registry, err := BuildRegistry(cfg, book, gw)
	if err != nil {
		return nil, err
	}
	eng := engine.New(conn, cfg, registry, book, log)
	gw.Recorder = eng
	return &App{DB: conn, Config: cfg, Book: book, Gateway: gw, Engine: eng, Log: log}, nil
}

// BuildRegistry instantiates the handlers declared in cfg.
func BuildRegistry(cfg *config.Config, holdings mission.Holdings, issuer mission.Issuer) (*mission.Registry, error) {
	registry, err := mission.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, hc := range cfg.Handlers {
		var h mission.Handler
		switch hc.Kind {
		case mission.KindHolder:
			h = mission.Holder{Addr: hc.HandlerAddress(), Holdings: holdings}
		case mission.KindAllowlist:
			h = mission.Allowlist{Addr: hc.HandlerAddress()}
		case mission.KindOracle:
			h = mission.Oracle{Addr: hc.HandlerAddress(), Responder: hc.ResponderAddress(), Timeout: hc.Timeout(), Issuer: issuer}
		default:
			return nil, fmt.Errorf("handler %s: unknown kind %q", hc.Name, hc.Kind)
		}
		if err := registry.Register(h); err != nil {
			return nil, fmt.Errorf("handler %s: %w", hc.Name, err)
		}
	}
	return registry, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
