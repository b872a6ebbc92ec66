package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/testground/hostsync/pkg/config"
	"github.com/testground/hostsync/pkg/daemon"
	"github.com/testground/hostsync/pkg/logging"
	"github.com/testground/hostsync/pkg/syncdata"
)

var ServeCommand = cli.Command{
	Name:   "serve",
	Usage:  "run a standalone sync listen server, with an HTTP status endpoint",
	Action: serveCommand,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "port",
			Usage: "listen server port (overrides .env.toml)",
		},
		&cli.StringFlag{
			Name:  "http",
			Usage: "`ADDR` of the status endpoint (overrides .env.toml); \"off\" disables it",
		},
	},
}

func serveCommand(c *cli.Context) error {
	cfg := &config.EnvConfig{}
	if err := cfg.Load(); err != nil {
		return err
	}

	port := cfg.SyncData.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}
	listen := cfg.Daemon.Listen
	if c.IsSet("http") {
		listen = c.String("http")
	}

	return serve(ProcessContext(), cfg, port, listen)
}

func serve(ctx context.Context, cfg *config.EnvConfig, port int, listen string) error {
	ls, err := syncdata.NewListenServer("", port,
		syncdata.WithIOTimeout(cfg.SyncData.IOTimeout.D()),
		syncdata.WithSweepInterval(cfg.SyncData.SweepInterval.D()),
	)
	if err != nil {
		return err
	}
	logging.S().Infow("sync listen server listening", "addr", ls.Addr())

	var srv *daemon.Daemon
	if listen != "off" {
		if srv, err = daemon.New(listen, ls); err != nil {
			_ = ls.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logging.S().Infow("shutting down sync listen server")

		err := ls.Close()
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := srv.Shutdown(sctx); err == nil {
				err = serr
			}
		}
		return err
	})
	return g.Wait()
}
