package cmd

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/testground/hostsync/pkg/config"
	"github.com/testground/hostsync/pkg/logging"
	"github.com/testground/hostsync/pkg/syncdata"
)

var SyncCommand = cli.Command{
	Name:      "sync",
	Usage:     "exchange data with a group of hosts and print the merged result",
	ArgsUsage: "DATA",
	Action:    syncCommand,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "master",
			Usage:    "identity of the host running the listen server",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "id",
			Usage: "identity of this host, `HOST[#TAG]`; defaults to the hostname",
		},
		&cli.StringSliceFlag{
			Name:     "hosts",
			Usage:    "identities of every host taking part, this one included",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "session",
			Usage:    "session id; every host must use the same",
			EnvVars:  []string{"HOSTSYNC_SESSION"},
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long to wait for the other hosts",
			Value: 60 * time.Second,
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "listen server port (overrides .env.toml)",
		},
	},
}

func syncCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one DATA argument")
	}

	cfg := &config.EnvConfig{}
	if err := cfg.Load(); err != nil {
		return err
	}

	id, err := hostID(c)
	if err != nil {
		return err
	}

	port := cfg.SyncData.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}

	opts := []syncdata.Option{
		syncdata.WithSessionID(c.String("session")),
		syncdata.WithLogger(logging.S()),
	}
	if id == c.String("master") {
		ls, err := syncdata.NewListenServer("", port,
			syncdata.WithIOTimeout(cfg.SyncData.IOTimeout.D()),
			syncdata.WithSweepInterval(cfg.SyncData.SweepInterval.D()),
		)
		if err != nil {
			return err
		}
		defer ls.Close()
		opts = append(opts, syncdata.WithListenServer(ls))
	} else {
		opts = append(opts, syncdata.WithPort(port))
	}

	s, err := syncdata.New(c.String("master"), id, c.StringSlice("hosts"), opts...)
	if err != nil {
		return err
	}

	res, err := s.OneSync(ProcessContext(), parseData(c.Args().First()), c.Duration("timeout"))
	if err != nil {
		newPrinter(os.Stderr).fail("session %s: %s", c.String("session"), err)
		return err
	}
	return newPrinter(os.Stdout).result(res)
}

// parseData interprets the argument as JSON, falling back to the plain
// string when it is not valid JSON.
func parseData(arg string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}
