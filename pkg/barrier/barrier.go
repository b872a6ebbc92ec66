// Package barrier provides a multi-machine barrier.
//
// Execution stops until all members arrive at the barrier. When a barrier is
// forming, the master (first member in sort order) accepts connections from
// every other member. As they arrive they state the barrier they are joining
// and their identity, and are asked to wait. Once everyone is present the
// master checks that each member is still responding via a ping/pong
// exchange, and then tells everyone they may continue.
//
// For a three member barrier called "TAG":
//
//	MASTER                        CLIENT1         CLIENT2
//	  <-------------TAG C1-------------
//	  --------------wait-------------->
//	                [...]
//	  <-------------TAG C2-----------------------------
//	  --------------wait------------------------------>
//	                [...]
//	  --------------ping-------------->
//	  <-------------pong---------------
//	  --------------ping------------------------------>
//	  <-------------pong-------------------------------
//	          ----- BARRIER conditions MET -----
//	  --------------rlse-------------->
//	  --------------rlse------------------------------>
//
// Once the last member has answered its ping the barrier is deemed
// satisfied. Failing to deliver a release does not fail the barrier for the
// others: the member that missed it has broken right at the beginning of the
// post-barrier window, and finds out through its own connection.
//
// RendezvousServers inverts the connection direction for networks where only
// the master can initiate connections.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/testground/hostsync/pkg/logging"
	"github.com/testground/hostsync/pkg/syncerr"
)

const (
	// DefaultPort is the port barriers listen on unless configured otherwise.
	DefaultPort = 63000

	// NoTimeout makes a barrier wait until its context is cancelled.
	NoTimeout time.Duration = -1

	// DefaultConnectTimeout bounds a single connection attempt to a member.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultRetryBackoff is the pause between two connection attempts.
	DefaultRetryBackoff = 1 * time.Second

	handshakeTimeout = 5 * time.Second
	pingTimeout      = 5 * time.Second
	acceptPoll       = 1 * time.Second

	// the ping/pong/rlse cycle gets releaseGrace plus releaseGrace per
	// member to complete, counted from the moment a slave is pinged.
	releaseGrace = 10 * time.Second
)

// Option configures a Barrier.
type Option func(*options)

type options struct {
	port           int
	server         *ListenServer
	connectTimeout time.Duration
	retryBackoff   time.Duration
	log            *zap.SugaredLogger
}

// WithPort sets the port the master listens on and slaves connect to.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithListenServer makes the barrier accept connections on an existing
// ListenServer instead of binding its own socket. It is mutually exclusive
// with WithPort.
func WithListenServer(ls *ListenServer) Option {
	return func(o *options) { o.server = ls }
}

// WithConnectTimeout bounds every individual connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithRetryBackoff sets the fixed delay between connection attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) { o.retryBackoff = d }
}

// WithLogger sets the logger; defaults to the global logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// Barrier is a rendezvous point for a named set of members. A Barrier is not
// safe for concurrent use; each participant creates its own.
type Barrier struct {
	hostid  string
	tag     string
	timeout time.Duration
	port    int
	server  *ListenServer

	connectTimeout time.Duration
	retryBackoff   time.Duration

	log *zap.SugaredLogger

	// state of the rendezvous in progress.
	start    time.Time
	deadline time.Time // zero when unbounded.
	masterid string
	members  []string // sorted, master excluded.
	abort    bool
	seen     int
	waiting  map[string]net.Conn
}

// New creates a barrier for the member hostid (a host name or address,
// optionally suffixed with #tag) at the rendezvous point named tag. The
// timeout bounds a whole rendezvous.
func New(hostid, tag string, timeout time.Duration, opts ...Option) (*Barrier, error) {
	o := options{
		connectTimeout: DefaultConnectTimeout,
		retryBackoff:   DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.server != nil && o.port != 0 {
		return nil, fmt.Errorf("port and listen server are mutually exclusive")
	}
	if _, err := HostFromID(hostid); err != nil {
		return nil, err
	}
	if tag == "" || strings.ContainsAny(tag, " \r\n") {
		return nil, fmt.Errorf("invalid barrier tag %q", tag)
	}

	port := o.port
	switch {
	case o.server != nil:
		port = o.server.Port
	case port == 0:
		port = DefaultPort
	}

	if o.log == nil {
		o.log = logging.S()
	}

	b := &Barrier{
		hostid:         hostid,
		tag:            tag,
		timeout:        timeout,
		port:           port,
		server:         o.server,
		connectTimeout: o.connectTimeout,
		retryBackoff:   o.retryBackoff,
		log:            o.log.With("tag", tag, "host", hostid),
	}
	b.log.Debugw("barrier created", "port", port, "timeout", timeout)
	return b, nil
}

// HostID returns the identity of this member.
func (b *Barrier) HostID() string { return b.hostid }

// Tag returns the name of the rendezvous point.
func (b *Barrier) Tag() string { return b.tag }

// Port returns the port used by the barrier.
func (b *Barrier) Port() int { return b.port }

// HostFromID strips the optional #tag suffix of a member identity, which
// allows several members to share one host.
func HostFromID(id string) (string, error) {
	if id == "" || strings.HasPrefix(id, "#") {
		return "", &syncerr.ProtocolError{
			Peer:   id,
			Reason: "invalid host id: host address must be specified",
			Err:    syncerr.ErrMalformed,
		}
	}
	return strings.SplitN(id, "#", 2)[0], nil
}

// Rendezvous blocks until every member has arrived at the barrier and been
// released by the master, which is the smallest member identity in sort
// order. The list must include this barrier's own identity.
func (b *Barrier) Rendezvous(ctx context.Context, members ...string) error {
	return b.rendezvous(ctx, false, members)
}

// Abort joins the rendezvous like Rendezvous, but requests that the barrier
// is aborted. Every member then fails with a *syncerr.AbortError.
func (b *Barrier) Abort(ctx context.Context, members ...string) error {
	return b.rendezvous(ctx, true, members)
}

func (b *Barrier) rendezvous(ctx context.Context, abort bool, members []string) error {
	sorted, err := b.reset(abort, members)
	if err != nil {
		return err
	}

	if !contains(sorted, b.hostid) {
		return fmt.Errorf("host %s is not a member of barrier %s: %v", b.hostid, b.tag, sorted)
	}

	b.masterid, b.members = sorted[0], sorted[1:]
	b.log.Debugw("rendezvous", "master", b.masterid, "members", b.members, "abort", abort)

	if len(b.members) == 0 {
		b.log.Debugw("no other members listed")
		return nil
	}

	if b.hostid == b.masterid {
		b.log.Debugw("selected as master")
		return b.runServer(ctx, true)
	}
	b.log.Debugw("selected as slave")
	return b.runClient(ctx, false)
}

// RendezvousServers is a rendezvous in which the connection direction is
// reversed: every member listens and the given master connects to each of
// them. This allows barriers between machines with one-way connection
// initiation.
func (b *Barrier) RendezvousServers(ctx context.Context, masterid string, members ...string) error {
	return b.rendezvousServers(ctx, false, masterid, members)
}

// AbortServers joins the rendezvous like RendezvousServers, but requests that
// the barrier is aborted. Every member then fails with a *syncerr.AbortError.
func (b *Barrier) AbortServers(ctx context.Context, masterid string, members ...string) error {
	return b.rendezvousServers(ctx, true, masterid, members)
}

func (b *Barrier) rendezvousServers(ctx context.Context, abort bool, masterid string, members []string) error {
	sorted, err := b.reset(abort, members)
	if err != nil {
		return err
	}
	if _, err := HostFromID(masterid); err != nil {
		return err
	}

	b.masterid, b.members = masterid, sorted
	b.log.Debugw("rendezvous servers", "master", b.masterid, "members", b.members, "abort", abort)

	if len(b.members) == 0 {
		b.log.Debugw("no other members listed")
		return nil
	}

	if b.hostid == b.masterid {
		b.log.Debugw("selected as master")
		return b.runClient(ctx, true)
	}
	if !contains(sorted, b.hostid) {
		return fmt.Errorf("host %s is not a member of barrier %s: %v", b.hostid, b.tag, sorted)
	}
	b.log.Debugw("selected as slave")
	return b.runServer(ctx, false)
}

// reset starts the clock for a new rendezvous and returns the sorted,
// validated member list.
func (b *Barrier) reset(abort bool, members []string) ([]string, error) {
	b.start = time.Now()
	b.deadline = time.Time{}
	if b.timeout >= 0 {
		b.deadline = b.start.Add(b.timeout)
	}
	b.abort = abort
	b.seen = 0
	b.waiting = make(map[string]net.Conn)

	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	for i, m := range sorted {
		if _, err := HostFromID(m); err != nil {
			return nil, err
		}
		if i > 0 && sorted[i-1] == m {
			return nil, &syncerr.ProtocolError{
				Tag:    b.tag,
				Peer:   m,
				Reason: "member listed more than once",
				Err:    syncerr.ErrDuplicateClient,
			}
		}
	}
	return sorted, nil
}

// ioDeadline returns the deadline for the next blocking operation of this
// rendezvous, or a *syncerr.TimeoutError if it has already passed.
func (b *Barrier) ioDeadline(op string) (time.Time, error) {
	if b.deadline.IsZero() {
		return time.Time{}, nil
	}
	if !time.Now().Before(b.deadline) {
		return time.Time{}, b.timeoutError(op)
	}
	return b.deadline, nil
}

// extendDeadline grants d more time from now, unless the barrier is
// unbounded.
func (b *Barrier) extendDeadline(d time.Duration) {
	if b.deadline.IsZero() {
		return
	}
	b.deadline = time.Now().Add(d)
}

func (b *Barrier) releaseWindow() time.Duration {
	return releaseGrace + releaseGrace*time.Duration(len(b.members))
}

func (b *Barrier) timeoutError(op string) error {
	return &syncerr.TimeoutError{
		Op:      op,
		Tag:     b.tag,
		Elapsed: time.Since(b.start),
	}
}

// closeWaiting closes every connection registered during this rendezvous.
// If the members have not been released yet, they take it as an abort.
func (b *Barrier) closeWaiting() {
	var merr *multierror.Error
	for name, conn := range b.waiting {
		b.log.Debugw("closing client", "client", name)
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
		}
	}
	b.waiting = nil
	if err := merr.ErrorOrNil(); err != nil {
		b.log.Debugw("errors while closing clients", "error", err)
	}
}

func contains(list []string, s string) bool {
	i := sort.SearchStrings(list, s)
	return i < len(list) && list[i] == s
}
