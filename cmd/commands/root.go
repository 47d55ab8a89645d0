// Package commands wires the supplybot CLI.
package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "supplybot",
		Usage: "Automated supply window booking for the Ozon seller API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewRunCommand(),
			NewTasksCommand(),
			NewStatusCommand(),
		},
	}
}
