package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/testground/hostsync/pkg/logging"
	"github.com/testground/hostsync/pkg/syncdata"
)

// SessionLister is implemented by *syncdata.ListenServer.
type SessionLister interface {
	Sessions() []syncdata.SessionInfo
}

type Daemon struct {
	server *http.Server
	l      net.Listener
	doneCh chan struct{}
}

// New creates a new Daemon and attaches the following handlers:
//
// * GET /sessions: lists the sessions held by the listen server, as JSON.
// * GET /metrics: prometheus metrics.
// * GET /healthcheck: answers 200 while the daemon is serving.
func New(listenAddr string, sessions SessionLister) (srv *Daemon, err error) {
	srv = new(Daemon)

	r := mux.NewRouter()

	// Set a unique request ID.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()[:8]
			r.Header.Set("X-Request-ID", id)
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/sessions", srv.sessionsHandler(sessions)).Methods("GET")
	r.HandleFunc("/healthcheck", srv.healthcheckHandler()).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv.doneCh = make(chan struct{})
	srv.server = &http.Server{
		Handler:      r,
		WriteTimeout: 30 * time.Second,
		ReadTimeout:  30 * time.Second,
	}

	srv.l, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	return srv, nil
}

// Serve starts the server and blocks until the server is closed, either
// explicitly via Shutdown, or due to a fault condition. It propagates the
// non-nil err return value from http.Serve.
func (s *Daemon) Serve() error {
	select {
	case <-s.doneCh:
		return fmt.Errorf("tried to reuse a stopped server")
	default:
	}

	logging.S().Infow("daemon listening", "addr", s.Addr())
	return s.server.Serve(s.l)
}

func (s *Daemon) Addr() string {
	return s.l.Addr().String()
}

func (s *Daemon) Port() int {
	return s.l.Addr().(*net.TCPAddr).Port
}

func (s *Daemon) Shutdown(ctx context.Context) error {
	defer close(s.doneCh)
	return s.server.Shutdown(ctx)
}
