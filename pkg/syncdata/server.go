package syncdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/xid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/testground/hostsync/pkg/logging"
	"github.com/testground/hostsync/pkg/wire"
)

const (
	// DefaultPort is the port sync listen servers bind unless configured
	// otherwise.
	DefaultPort = 13234

	// DefaultIOTimeout bounds every exchange between the listener and a
	// participant, and is the idle accept timeout between sweeps.
	DefaultIOTimeout = 10 * time.Second
)

// ServerOption configures a ListenServer.
type ServerOption func(*ListenServer)

// WithIOTimeout bounds the handshake, payload, broadcast, and acknowledgement
// exchanges with each participant.
func WithIOTimeout(d time.Duration) ServerOption {
	return func(s *ListenServer) { s.ioTimeout = d }
}

// WithSweepInterval sets how long the listener waits for a connection before
// sweeping stale sessions.
func WithSweepInterval(d time.Duration) ServerOption {
	return func(s *ListenServer) { s.sweepInterval = d }
}

// WithServerLogger sets the logger; defaults to the global logger.
func WithServerLogger(log *zap.SugaredLogger) ServerOption {
	return func(s *ListenServer) { s.log = log }
}

// ListenServer multiplexes any number of concurrent sync sessions behind one
// listening socket. It runs detached from its creator until Close is called.
type ListenServer struct {
	l *net.TCPListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ioTimeout     time.Duration
	sweepInterval time.Duration
	log           *zap.SugaredLogger

	lk       sync.Mutex
	sessions map[string]*Session
	conns    map[net.Conn]struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewListenServer binds address:port and starts serving sync sessions in the
// background. Port 0 picks a free port.
func NewListenServer(address string, port int, opts ...ServerOption) (*ListenServer, error) {
	s := &ListenServer{
		ioTimeout:     DefaultIOTimeout,
		sweepInterval: DefaultIOTimeout,
		sessions:      make(map[string]*Session),
		conns:         make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.S()
	}

	l, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to start sync listen server: %w", err)
	}
	s.l = l.(*net.TCPListener)
	s.log = s.log.With("listener", s.l.Addr().String())

	// the worker is not tied to any caller context; only Close stops it.
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.serve()

	s.log.Debugw("sync listen server started")
	return s, nil
}

// Addr returns the listening address.
func (s *ListenServer) Addr() string {
	return s.l.Addr().String()
}

// Port returns the listening port.
func (s *ListenServer) Port() int {
	return s.l.Addr().(*net.TCPAddr).Port
}

// Sessions returns a snapshot of the sessions currently held. Sessions that
// are busy at the time of the call are reported with their ID only.
func (s *ListenServer) Sessions() []SessionInfo {
	s.lk.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.lk.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info, ok := sess.Info()
		if !ok {
			info = SessionInfo{ID: sess.ID, Hosts: sess.Hosts, Remaining: sess.Remaining()}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close stops the listener, closes every connection, waits for in-flight
// handlers to settle, and discards all sessions. It is safe to call more
// than once.
func (s *ListenServer) Close() error {
	s.closeOnce.Do(func() {
		var merr *multierror.Error

		s.cancel()
		if err := s.l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			merr = multierror.Append(merr, err)
		}

		s.lk.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.lk.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * s.ioTimeout):
			s.log.Warnw("sync handlers did not settle in time")
		}

		s.lk.Lock()
		for id, sess := range s.sessions {
			if !sess.Finished() {
				s.log.Debugw("discarding unfinished session on close", "session", id)
			}
			delete(s.sessions, id)
			activeSessions.Dec()
		}
		s.lk.Unlock()

		s.closeErr = merr.ErrorOrNil()
		s.log.Debugw("sync listen server closed")
	})
	return s.closeErr
}

// serve is the accept loop. An idle accept timeout triggers a sweep of stale
// sessions.
func (s *ListenServer) serve() {
	defer s.wg.Done()

	for {
		_ = s.l.SetDeadline(time.Now().Add(s.sweepInterval))
		conn, err := s.l.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if !wire.IsTimeout(err) {
				s.log.Warnw("accept failed", "error", err)
			}
			s.sweep()
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// track registers a live connection so that Close can interrupt it. It
// returns false once the server is closing.
func (s *ListenServer) track(conn net.Conn) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *ListenServer) release(conn net.Conn) {
	_ = conn.Close()
	s.lk.Lock()
	delete(s.conns, conn)
	s.lk.Unlock()
}

// handle serves one participant: handshake, payload, and, if it is the last
// one to arrive, the broadcast of the merged result.
func (s *ListenServer) handle(conn net.Conn) {
	defer s.wg.Done()

	log := s.log.With("conn", xid.New().String(), "remote", conn.RemoteAddr().String())
	log.Debugw("client connected")

	var hs handshake
	if err := wire.Recv(conn, &hs, time.Now().Add(s.ioTimeout)); err != nil {
		log.Debugw("failed to receive handshake", "error", err)
		s.release(conn)
		s.sweep()
		return
	}
	log = log.With("session", hs.SessionID, "host", hs.Host)

	if err := hs.validate(); err != nil {
		log.Warnw("rejecting client", "error", err)
		s.release(conn)
		return
	}

	s.sweep()
	sess := s.session(hs)

	payload, err := wire.ReadFrame(conn, time.Now().Add(s.ioTimeout))
	if err != nil {
		log.Warnw("failed to communicate with client; synchronization of data is not possible", "error", err)
		s.release(conn)
		return
	}
	if len(payload) == 0 {
		payload, _ = msgpack.Marshal(nil)
	}
	payloadBytes.Observe(float64(len(payload)))
	log.Debugw("received payload", "size", humanize.Bytes(uint64(len(payload))))

	if failed := s.record(log, sess, hs.Host, conn, payload); failed {
		log.Warnw("merged data was not delivered to every host", "session", sess.ID)
	}
	s.sweep()
}

func (hs *handshake) validate() error {
	if len(hs.Hosts) == 0 {
		return fmt.Errorf("empty host list")
	}
	seen := make(map[string]struct{}, len(hs.Hosts))
	for _, h := range hs.Hosts {
		if _, dup := seen[h]; dup {
			return fmt.Errorf("host %s listed more than once", h)
		}
		seen[h] = struct{}{}
	}
	if _, ok := seen[hs.Host]; !ok {
		return fmt.Errorf("host %s is not part of %v", hs.Host, hs.Hosts)
	}
	if hs.Timeout <= 0 {
		return fmt.Errorf("no time left for session")
	}
	return nil
}

// session looks up the live session for the handshake, creating it if this
// is the first contact. Finished sessions are never reused.
func (s *ListenServer) session(hs handshake) *Session {
	s.lk.Lock()
	defer s.lk.Unlock()

	if sess, ok := s.sessions[hs.SessionID]; ok && !sess.Finished() {
		return sess
	} else if ok {
		activeSessions.Dec()
	}

	s.log.Debugw("adding new session", "session", hs.SessionID, "hosts", hs.Hosts, "timeout", hs.Timeout)
	sess := newSession(hs.SessionID, hs.Hosts, hs.Timeout)
	s.sessions[hs.SessionID] = sess
	sessionsStarted.Inc()
	activeSessions.Inc()
	return sess
}

// record stores the payload of host and, once every expected host has
// submitted before the deadline, sends the merged result to all of them. It
// returns true if delivering the result failed for any participant.
func (s *ListenServer) record(log *zap.SugaredLogger, sess *Session, host string, conn net.Conn, payload msgpack.RawMessage) (broadcastFailed bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed || sess.Finished() {
		log.Warnw("session already closed; dropping client")
		s.release(conn)
		return false
	}
	if !sess.expects(host) {
		log.Warnw("host not expected in session", "hosts", sess.Hosts)
		s.release(conn)
		return false
	}

	if old, ok := sess.conns[host]; ok && old != conn {
		log.Warnw("host submitted twice; replacing previous submission")
		s.release(old)
	}
	sess.conns[host] = conn
	sess.payloads[host] = payload

	if !sess.complete() {
		log.Debugw("waiting for remaining hosts", "received", len(sess.payloads), "expected", len(sess.Hosts))
		return false
	}
	if sess.Expired() {
		log.Warnw("session complete past its deadline; not broadcasting")
		return false
	}

	for h, c := range sess.conns {
		deadline := time.Now().Add(s.ioTimeout)
		if err := wire.Send(c, sess.payloads, deadline); err != nil {
			log.Warnw("failed to send merged data", "to", h, "error", err)
			broadcastFailed = true
			continue
		}
		var bye string
		if err := wire.Recv(c, &bye, deadline); err != nil || bye != ack {
			log.Warnw("missing acknowledgement", "from", h, "error", err)
			broadcastFailed = true
		}
	}

	sess.finished.Store(true)
	sessionsFinished.Inc()
	for h, c := range sess.conns {
		s.release(c)
		delete(sess.conns, h)
	}
	log.Debugw("session finished", "hosts", sess.Hosts)
	return broadcastFailed
}

// sweep discards finished and expired sessions, closing their connections.
// Sessions locked by a handler are skipped and looked at again on the next
// sweep.
func (s *ListenServer) sweep() {
	s.lk.Lock()
	defer s.lk.Unlock()

	for id, sess := range s.sessions {
		if !sess.mu.TryLock() {
			s.log.Debugw("session busy; deferring cleanup", "session", id)
			continue
		}

		finished := sess.Finished()
		if finished || sess.Expired() {
			if !finished {
				s.log.Warnw("sync session timed out and will be closed and deleted",
					"session", id, "hosts", sess.Hosts, "received", sess.received())
				sessionsExpired.Inc()
			}
			for _, conn := range sess.conns {
				_ = conn.Close()
				delete(s.conns, conn)
			}
			sess.closed = true
			delete(s.sessions, id)
			activeSessions.Dec()
		}
		sess.mu.Unlock()
	}
}
