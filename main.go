package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/testground/hostsync/pkg/cmd"
	"github.com/testground/hostsync/pkg/logging"
)

func main() {
	app := cli.NewApp()
	app.Name = "hostsync"
	app.Usage = "synchronise test execution across hosts"
	app.Description = "hostsync provides barriers and data exchange between " +
		"processes running on hosts that share nothing but a network."
	app.Commands = cmd.RootCommands
	app.Flags = cmd.RootFlags
	// Disable the built-in -v flag (version), to avoid collisions with the
	// verbosity flags.
	app.HideVersion = true
	app.Before = func(c *cli.Context) error {
		return configureLogging(c)
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configureLogging(c *cli.Context) error {
	switch {
	case c.Bool("vv"):
		logging.DevelopmentMode()
	case logging.IsTerminal(os.Stderr):
		logging.ConsoleMode()
	default:
		logging.ProductionMode()
	}

	// The LOG_LEVEL environment variable takes precedence.
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		logging.SetLevel(l)
		return nil
	}

	// Apply verbosity flags.
	if c.Bool("v") || c.Bool("vv") {
		logging.SetLevel(zapcore.DebugLevel)
	}
	return nil
}
