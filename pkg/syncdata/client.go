package syncdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testground/hostsync/pkg/barrier"
	"github.com/testground/hostsync/pkg/logging"
	"github.com/testground/hostsync/pkg/syncerr"
	"github.com/testground/hostsync/pkg/wire"
)

// DefaultRetryBackoff is the pause between two attempts to reach the master.
const DefaultRetryBackoff = 1 * time.Second

// Option configures a SyncData.
type Option func(*SyncData)

// WithSessionID sets the session used by Sync. Every participant of an
// exchange must use the same session id; defaults to a random one, which is
// only useful when the caller passes ids to SyncSession.
func WithSessionID(id string) Option {
	return func(s *SyncData) { s.sessionID = id }
}

// WithListenServer makes the master use an existing listen server instead of
// starting its own. The port is taken from the server.
func WithListenServer(ls *ListenServer) Option {
	return func(s *SyncData) { s.server = ls }
}

// WithPort sets the port of the master's listen server.
func WithPort(port int) Option {
	return func(s *SyncData) { s.port = port }
}

// WithRetryBackoff sets the pause between connection attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *SyncData) { s.retryBackoff = d }
}

// WithLogger sets the logger; defaults to the global logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *SyncData) { s.log = log }
}

// SyncData exchanges data among a fixed group of hosts. Each host submits a
// value and receives the values of every host in the group, keyed by host id.
//
// The master host runs the ListenServer that merges submissions; the other
// hosts connect to it. Several hosts may share one machine by using
// identities of the form "host#n".
type SyncData struct {
	masterid  string
	hostid    string
	hosts     []string
	sessionID string
	port      int

	retryBackoff time.Duration
	log          *zap.SugaredLogger

	server *ListenServer
	owned  bool
}

// New creates a SyncData for hostid. When hostid is the master and no listen
// server was supplied, one is started immediately so that it is ready before
// any other host connects; it is owned and stopped by Close.
func New(masterid, hostid string, hosts []string, opts ...Option) (*SyncData, error) {
	s := &SyncData{
		masterid:     masterid,
		hostid:       hostid,
		hosts:        append([]string(nil), hosts...),
		sessionID:    uuid.NewString(),
		port:         DefaultPort,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.S()
	}

	if _, err := barrier.HostFromID(masterid); err != nil {
		return nil, err
	}
	if !contains(s.hosts, hostid) {
		return nil, fmt.Errorf("host %s is not part of %v", hostid, s.hosts)
	}
	s.log = s.log.With("host", hostid, "master", masterid)

	if s.server != nil {
		s.port = s.server.Port()
	} else if hostid == masterid {
		ls, err := NewListenServer("", s.port, WithServerLogger(s.log))
		if err != nil {
			return nil, err
		}
		s.server, s.owned = ls, true
		s.port = ls.Port()
	}
	return s, nil
}

// Server returns the listen server used by this host, if it is the master.
func (s *SyncData) Server() *ListenServer {
	return s.server
}

// SessionID returns the session used by Sync.
func (s *SyncData) SessionID() string {
	return s.sessionID
}

// Sync submits data to the configured session and waits for the merged
// result. The timeout bounds the whole exchange; a timeout of zero expires
// immediately.
func (s *SyncData) Sync(ctx context.Context, data interface{}, timeout time.Duration) (Result, error) {
	return s.SyncSession(ctx, s.sessionID, data, timeout)
}

// SyncSession is Sync with an explicit session id, allowing several
// independent exchanges with the same group.
func (s *SyncData) SyncSession(ctx context.Context, sessionID string, data interface{}, timeout time.Duration) (Result, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	log := s.log.With("session", sessionID)

	timeoutErr := func() error {
		return &syncerr.TimeoutError{Op: "during data sync", Tag: sessionID, Elapsed: time.Since(start)}
	}
	if timeout <= 0 {
		return nil, timeoutErr()
	}

	payload, err := encode(data)
	if err != nil {
		return nil, err
	}

	conn, err := s.dial(ctx, deadline)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutErr()
		}
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	fail := func(err error) (Result, error) {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, wire.ErrIncompleteFrame):
			// the master answered, the transport failed.
			return nil, err
		case wire.IsTimeout(err):
			return nil, timeoutErr()
		default:
			return nil, err
		}
	}

	hs := handshake{SessionID: sessionID, Hosts: s.hosts, Timeout: time.Until(deadline), Host: s.hostid}
	if err := wire.Send(conn, hs, deadline); err != nil {
		return fail(err)
	}
	if err := wire.WriteFrame(conn, payload, deadline); err != nil {
		return fail(err)
	}
	log.Debugw("payload submitted, waiting for the other hosts")

	var res Result
	if err := wire.Recv(conn, &res, deadline); err != nil {
		return fail(err)
	}
	if err := wire.Send(conn, ack, time.Now().Add(DefaultIOTimeout)); err != nil {
		log.Debugw("failed to acknowledge merged data", "error", err)
	}

	log.Debugw("data synchronized", "hosts", res.Hosts(), "elapsed", syncerr.Elapsed(time.Since(start)))
	return res, nil
}

// OneSync performs a single Sync and releases every resource of s, whatever
// the outcome.
func (s *SyncData) OneSync(ctx context.Context, data interface{}, timeout time.Duration) (Result, error) {
	defer s.Close()
	return s.Sync(ctx, data, timeout)
}

// Close stops the listen server if this SyncData started it. It is safe to
// call more than once.
func (s *SyncData) Close() error {
	if !s.owned {
		return nil
	}
	return s.server.Close()
}

// dial connects to the master's listen server, retrying refused or timed out
// attempts until the deadline.
func (s *SyncData) dial(ctx context.Context, deadline time.Time) (net.Conn, error) {
	host, err := barrier.HostFromID(s.masterid)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.port))

	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var dialer net.Dialer
	attempt := func() (net.Conn, error) {
		conn, err := dialer.DialContext(dctx, "tcp", addr)
		switch {
		case err == nil:
			return conn, nil
		case dctx.Err() != nil, errors.Is(err, syscall.ECONNREFUSED), wire.IsTimeout(err):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	conn, err := backoff.Retry(dctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.retryBackoff)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Debugw("master not reachable, retrying", "addr", addr, "error", err, "next", next)
		}),
	)
	switch {
	case err == nil:
		return conn, nil
	case dctx.Err() != nil:
		return nil, dctx.Err()
	default:
		return nil, &syncerr.NetworkError{Op: "connect", Peer: addr, Err: err}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
