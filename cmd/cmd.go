// Package cmd wires the CLI: the `server` command boots a node from its
// config, the `top` command renders a live view of a running node.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/arborlabs/arbor/config"
)

const serviceName = "arbor"

var (
	version    = "0.0.0"
	commit     = "hash"
	branch     = "branch"
	buildStamp = ""
)

// Run is the CLI entrypoint.
func Run() error {
	app := &cli.App{
		Name:    serviceName,
		Usage:   "Multi-threaded actor runtime",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
			topCmd(),
		},
	}
	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run one node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the node configuration file",
				Required: true,
			},
			&cli.UintFlag{
				Name:  "sid",
				Usage: "Node sid to select from the configuration",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.String("config")
			node, err := config.Load(path, uint16(c.Uint("sid")))
			if err != nil {
				return err
			}
			app := NewApp(node, path)

			if err := app.Start(c.Context); err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down...")
			return app.Stop(context.Background())
		},
	}
}
