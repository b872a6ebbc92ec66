package syncdata

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// handshake is the first frame every participant sends to the listener.
type handshake struct {
	SessionID string        `msgpack:"session_id"`
	Hosts     []string      `msgpack:"hosts"`
	Timeout   time.Duration `msgpack:"timeout"`
	Host      string        `msgpack:"host"`
}

// ack is the terminal acknowledgement a participant sends once it has read
// the merged result.
const ack = "BYE"

// Session tracks one exchange: the hosts expected to take part, the payloads
// they submitted, and the connections to send the merged result to.
//
// All mutable state is guarded by mu. A session becomes finished exactly
// once and is never reused.
type Session struct {
	ID       string
	Hosts    []string
	Deadline time.Time

	mu       sync.Mutex
	payloads map[string]msgpack.RawMessage
	conns    map[string]net.Conn
	finished atomic.Bool
	closed   bool
}

func newSession(id string, hosts []string, timeout time.Duration) *Session {
	hosts = append([]string(nil), hosts...)
	sort.Strings(hosts)
	return &Session{
		ID:       id,
		Hosts:    hosts,
		Deadline: time.Now().Add(timeout),
		payloads: make(map[string]msgpack.RawMessage, len(hosts)),
		conns:    make(map[string]net.Conn, len(hosts)),
	}
}

// Remaining returns the time left before the session expires, never negative.
func (s *Session) Remaining() time.Duration {
	if d := time.Until(s.Deadline); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the session deadline has passed.
func (s *Session) Expired() bool {
	return s.Remaining() == 0
}

// Finished reports whether the merged result has been delivered.
func (s *Session) Finished() bool {
	return s.finished.Load()
}

func (s *Session) expects(host string) bool {
	i := sort.SearchStrings(s.Hosts, host)
	return i < len(s.Hosts) && s.Hosts[i] == host
}

// complete reports whether every expected host submitted its payload. The
// caller must hold mu.
func (s *Session) complete() bool {
	return len(s.payloads) == len(s.Hosts)
}

// received returns the hosts that submitted a payload. The caller must hold
// mu.
func (s *Session) received() []string {
	hosts := make([]string, 0, len(s.payloads))
	for h := range s.payloads {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// SessionInfo is a point in time view of a session.
type SessionInfo struct {
	ID        string        `json:"id"`
	Hosts     []string      `json:"hosts"`
	Received  []string      `json:"received"`
	Finished  bool          `json:"finished"`
	Remaining time.Duration `json:"remaining"`
}

// Info snapshots the session. It returns false if the session is currently
// locked by a handler.
func (s *Session) Info() (SessionInfo, bool) {
	if !s.mu.TryLock() {
		return SessionInfo{}, false
	}
	defer s.mu.Unlock()

	return SessionInfo{
		ID:        s.ID,
		Hosts:     s.Hosts,
		Received:  s.received(),
		Finished:  s.Finished(),
		Remaining: s.Remaining(),
	}, true
}
