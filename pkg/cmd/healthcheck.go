package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/testground/hostsync/pkg/barrier"
	"github.com/testground/hostsync/pkg/config"
	"github.com/testground/hostsync/pkg/healthcheck"
)

var HealthcheckCommand = cli.Command{
	Name:   "healthcheck",
	Usage:  "check the preconditions for taking part in barriers and sync sessions on this host",
	Action: healthcheckCommand,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "fix",
			Usage: "try to fix failed checks",
		},
		&cli.StringFlag{
			Name:  "master",
			Usage: "also check that the barrier and sync ports of `MASTER` are reachable",
		},
	},
}

func healthcheckCommand(c *cli.Context) error {
	cfg := &config.EnvConfig{}
	if err := cfg.Load(); err != nil {
		return err
	}

	h, err := enlistChecks(cfg, c.String("master"))
	if err != nil {
		return err
	}

	report := h.RunChecks(c.Bool("fix"))
	fmt.Fprint(os.Stdout, report)

	p := newPrinter(os.Stdout)
	switch {
	case report.ChecksSucceeded():
		p.ok("all checks passed")
	case c.Bool("fix") && report.FixesSucceeded():
		p.ok("fixes applied")
	default:
		p.fail("some checks failed")
		return errors.New("healthcheck failed")
	}
	return nil
}

func enlistChecks(cfg *config.EnvConfig, master string) (*healthcheck.Helper, error) {
	var h healthcheck.Helper
	h.Enlist("home-dir", healthcheck.DirExistsChecker(cfg.Home()), healthcheck.DirExistsFixer(cfg.Home()))
	h.Enlist("barrier-port", healthcheck.PortBindableChecker(cfg.Barrier.Port), nil)
	h.Enlist("syncdata-port", healthcheck.PortBindableChecker(cfg.SyncData.Port), nil)

	if master != "" {
		host, err := barrier.HostFromID(master)
		if err != nil {
			return nil, err
		}
		timeout := 2 * time.Second
		h.Enlist("master-syncdata",
			healthcheck.DialableChecker(net.JoinHostPort(host, strconv.Itoa(cfg.SyncData.Port)), timeout), nil)
	}
	return &h, nil
}
