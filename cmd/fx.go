package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/arborlabs/arbor/config"
	"github.com/arborlabs/arbor/internal/actor"
	"github.com/arborlabs/arbor/internal/script"
)

// configPath carries the config file location through the fx graph so
// the env watcher can re-read it.
type configPath string

// NewApp assembles the node's dependency graph.
func NewApp(node *config.Node, path string) *fx.App {
	return fx.New(
		fx.NopLogger,
		fx.Provide(
			func() *config.Node { return node },
			func() configPath { return configPath(path) },
			ProvideLogger,
			ProvideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// ProvideLogger builds the node logger: JSON to stdout, duplicated into
// the configured log file (with #sid/#date expanded) when one is set.
func ProvideLogger(node *config.Node) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(node.LogLevel)); err != nil {
		return nil, fmt.Errorf("bad loglevel %q: %w", node.LogLevel, err)
	}

	var w io.Writer = os.Stdout
	if node.Log != "" {
		path := config.ExpandLogPath(node.Log, node.SID, time.Now())
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log %s: %w", path, err)
		}
		w = io.MultiWriter(os.Stdout, f)
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

// ProvideServer builds the actor server and registers the built-in
// service types.
func ProvideServer(node *config.Node, logger *slog.Logger) *actor.Server {
	srv := actor.NewServer(node, logger)
	srv.RegisterType("script", script.NewFactory(logger))
	return srv
}

func registerLifecycle(lc fx.Lifecycle, srv *actor.Server, node *config.Node, path configPath, logger *slog.Logger) {
	var stopWatch func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := srv.Start(ctx); err != nil {
				return err
			}
			var err error
			stopWatch, err = config.WatchEnv(string(path), node.SID, logger, srv.Router().ApplyEnv)
			if err != nil {
				logger.Warn("env hot-reload unavailable", "error", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if stopWatch != nil {
				stopWatch()
			}
			return srv.Stop(ctx)
		},
	})
}
