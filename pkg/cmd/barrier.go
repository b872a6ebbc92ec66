package cmd

import (
	"errors"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/testground/hostsync/pkg/barrier"
	"github.com/testground/hostsync/pkg/config"
	"github.com/testground/hostsync/pkg/logging"
	"github.com/testground/hostsync/pkg/syncerr"
)

var BarrierCommand = cli.Command{
	Name:      "barrier",
	Usage:     "block until every member arrives at the barrier",
	ArgsUsage: "MEMBER [MEMBER...]",
	Action:    barrierCommand,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "tag",
			Usage:    "name of the rendezvous point; every member must use the same",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "id",
			Usage: "identity of this member, `HOST[#TAG]`; defaults to the hostname",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long to wait for the other members; negative waits forever",
			Value: 60 * time.Second,
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "barrier port (overrides .env.toml)",
		},
		&cli.BoolFlag{
			Name:  "abort",
			Usage: "join the barrier only to abort it",
		},
		&cli.StringFlag{
			Name:  "servers",
			Usage: "reverse the connection direction: every member listens and `MASTER` connects to them",
		},
	},
}

func barrierCommand(c *cli.Context) error {
	members := c.Args().Slice()
	if len(members) == 0 {
		return errors.New("no members specified")
	}

	cfg := &config.EnvConfig{}
	if err := cfg.Load(); err != nil {
		return err
	}

	id, err := hostID(c)
	if err != nil {
		return err
	}

	port := cfg.Barrier.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}

	timeout := c.Duration("timeout")
	if timeout < 0 {
		timeout = barrier.NoTimeout
	}

	b, err := barrier.New(id, c.String("tag"), timeout,
		barrier.WithPort(port),
		barrier.WithConnectTimeout(cfg.Barrier.ConnectTimeout.D()),
		barrier.WithRetryBackoff(cfg.Barrier.RetryBackoff.D()),
		barrier.WithLogger(logging.S()),
	)
	if err != nil {
		return err
	}

	ctx := ProcessContext()
	switch {
	case c.IsSet("servers") && c.Bool("abort"):
		err = b.AbortServers(ctx, c.String("servers"), members...)
	case c.IsSet("servers"):
		err = b.RendezvousServers(ctx, c.String("servers"), members...)
	case c.Bool("abort"):
		err = b.Abort(ctx, members...)
	default:
		err = b.Rendezvous(ctx, members...)
	}

	p := newPrinter(os.Stdout)
	var aerr *syncerr.AbortError
	switch {
	case err == nil:
		p.ok("barrier %s released", b.Tag())
	case c.Bool("abort") && errors.As(err, &aerr):
		// aborting was the point.
		p.ok("barrier %s aborted", b.Tag())
		return nil
	default:
		p.fail("barrier %s: %s", b.Tag(), err)
	}
	return err
}

// hostID returns the --id flag, falling back to the hostname.
func hostID(c *cli.Context) (string, error) {
	if id := c.String("id"); id != "" {
		return id, nil
	}
	return os.Hostname()
}
