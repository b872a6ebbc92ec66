package barrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/testground/hostsync/pkg/syncerr"
	"github.com/testground/hostsync/pkg/wire"
)

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func randomTag() string {
	return "tag-" + uuid.New().String()[:8]
}

func newTestBarrier(t *testing.T, hostid, tag string, timeout time.Duration, port int) *Barrier {
	t.Helper()
	b, err := New(hostid, tag, timeout, WithPort(port), WithRetryBackoff(100*time.Millisecond))
	require.NoError(t, err)
	return b
}

// dialMaster connects to the master as a hand-driven client, retrying while
// the master is not listening yet.
func dialMaster(port int) (net.Conn, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	var err error
	for i := 0; i < 100; i++ {
		var conn net.Conn
		if conn, err = net.Dial("tcp", addr); err == nil {
			return conn, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, err
}

func TestHostFromID(t *testing.T) {
	h, err := HostFromID("my_host")
	require.NoError(t, err)
	assert.Equal(t, "my_host", h)

	h, err = HostFromID("my_host#")
	require.NoError(t, err)
	assert.Equal(t, "my_host", h)

	h, err = HostFromID("10.0.0.1#worker#2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", h)

	_, err = HostFromID("#my_host")
	assert.True(t, errors.Is(err, syncerr.ErrProtocol))
}

func TestNew(t *testing.T) {
	b, err := New("127.0.0.1#", "testtag", 100*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1#", b.HostID())
	assert.Equal(t, "testtag", b.Tag())
	assert.Equal(t, DefaultPort, b.Port())

	b, err = New("127.0.0.1#", "testtag", 100*time.Second, WithPort(11921))
	require.NoError(t, err)
	assert.Equal(t, 11921, b.Port())

	_, err = New("127.0.0.1", "two words", time.Second)
	assert.Error(t, err)

	_, err = New("#nohost", "testtag", time.Second)
	assert.Error(t, err)
}

func TestPortAndListenServerAreExclusive(t *testing.T) {
	ls, err := NewListenServer("127.0.0.1", 0)
	require.NoError(t, err)
	defer ls.Close()

	_, err = New("127.0.0.1", "tag", time.Second, WithPort(1234), WithListenServer(ls))
	assert.Error(t, err)

	b, err := New("127.0.0.1", "tag", time.Second, WithListenServer(ls))
	require.NoError(t, err)
	assert.Equal(t, ls.Port, b.Port())
}

func TestRendezvousSingleMember(t *testing.T) {
	b := newTestBarrier(t, "127.0.0.1", randomTag(), time.Second, freePort(t))
	assert.NoError(t, b.Rendezvous(context.Background(), "127.0.0.1"))
}

func TestRendezvousRejectsBadMemberLists(t *testing.T) {
	b := newTestBarrier(t, "127.0.0.1#1", randomTag(), time.Second, freePort(t))

	err := b.Rendezvous(context.Background(), "127.0.0.1#2", "127.0.0.1#3")
	assert.Error(t, err, "host is not a member")

	err = b.Rendezvous(context.Background(), "127.0.0.1#1", "127.0.0.1#2", "127.0.0.1#2")
	assert.True(t, errors.Is(err, syncerr.ErrDuplicateClient))

	err = b.Rendezvous(context.Background(), "127.0.0.1#1", "#2")
	assert.True(t, errors.Is(err, syncerr.ErrProtocol))
}

// Three members sharing one host through distinct #tags.
func TestRendezvousSameHost(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = "meeting"
		members = []string{"127.0.0.1#3", "127.0.0.1#1", "127.0.0.1#2"}
		start   = time.Now()
	)

	var g errgroup.Group
	for _, m := range members {
		b := newTestBarrier(t, m, tag, 10*time.Second, port)
		g.Go(func() error {
			return b.Rendezvous(context.Background(), members...)
		})
	}
	require.NoError(t, g.Wait())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRendezvousMasterArrivesLast(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = randomTag()
		members = []string{"127.0.0.1#a", "127.0.0.1#b", "127.0.0.1#c"}
	)

	var g errgroup.Group
	for _, m := range members[1:] {
		b := newTestBarrier(t, m, tag, 10*time.Second, port)
		g.Go(func() error {
			return b.Rendezvous(context.Background(), members...)
		})
	}

	time.Sleep(500 * time.Millisecond)
	master := newTestBarrier(t, members[0], tag, 10*time.Second, port)
	g.Go(func() error {
		return master.Rendezvous(context.Background(), members...)
	})

	require.NoError(t, g.Wait())
}

func TestRendezvousIsReusable(t *testing.T) {
	ls, err := NewListenServer("", 0)
	require.NoError(t, err)
	defer ls.Close()

	members := []string{"127.0.0.1#1", "127.0.0.1#2"}
	master, err := New(members[0], "reuse", 10*time.Second, WithListenServer(ls))
	require.NoError(t, err)
	slave := newTestBarrier(t, members[1], "reuse", 10*time.Second, ls.Port)

	for i := 0; i < 3; i++ {
		var g errgroup.Group
		g.Go(func() error { return master.Rendezvous(context.Background(), members...) })
		g.Go(func() error { return slave.Rendezvous(context.Background(), members...) })
		require.NoError(t, g.Wait(), "round %d", i)
	}

	assert.NoError(t, ls.Close())
	assert.NoError(t, ls.Close())
}

func TestRendezvousZeroTimeout(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = randomTag()
		members = []string{"127.0.0.1#1", "127.0.0.1#2"}
	)

	var g errgroup.Group
	for _, m := range members {
		b := newTestBarrier(t, m, tag, 0, port)
		g.Go(func() error {
			err := b.Rendezvous(context.Background(), members...)
			if !errors.Is(err, syncerr.ErrTimeout) {
				return fmt.Errorf("%s: expected timeout, got %v", b.HostID(), err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestMasterTimesOutWithoutMembers(t *testing.T) {
	timeout := 700 * time.Millisecond
	b := newTestBarrier(t, "127.0.0.1#1", randomTag(), timeout, freePort(t))

	start := time.Now()
	err := b.Rendezvous(context.Background(), "127.0.0.1#1", "127.0.0.1#2")

	var terr *syncerr.TimeoutError
	require.True(t, errors.As(err, &terr), "expected timeout, got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.GreaterOrEqual(t, terr.Elapsed, timeout)
}

// A slave pointed at an unreachable master gives up after its timeout, and
// never earlier.
func TestSlaveTimesOutOnUnreachableMaster(t *testing.T) {
	timeout := 1500 * time.Millisecond
	b := newTestBarrier(t, "127.0.0.1#2", randomTag(), timeout, freePort(t))

	start := time.Now()
	err := b.Rendezvous(context.Background(), "127.0.0.1#1", "127.0.0.1#2")
	elapsed := time.Since(start)

	assert.True(t, errors.Is(err, syncerr.ErrTimeout), "expected timeout, got %v", err)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+2*time.Second)
}

func TestTagMismatch(t *testing.T) {
	var (
		port    = freePort(t)
		members = []string{"127.0.0.1#1", "127.0.0.1#2"}
	)

	master := newTestBarrier(t, members[0], "first", time.Second, port)
	slave := newTestBarrier(t, members[1], "second", 5*time.Second, port)

	var g errgroup.Group
	g.Go(func() error {
		err := master.Rendezvous(context.Background(), members...)
		if !errors.Is(err, syncerr.ErrTimeout) {
			return fmt.Errorf("master: expected timeout, got %v", err)
		}
		return nil
	})

	err := slave.Rendezvous(context.Background(), members...)
	assert.True(t, errors.Is(err, syncerr.ErrTagMismatch), "expected tag mismatch, got %v", err)
	assert.True(t, errors.Is(err, syncerr.ErrProtocol))

	require.NoError(t, g.Wait())
}

func TestDuplicateClient(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = randomTag()
		members = []string{"127.0.0.1#1", "127.0.0.1#2", "127.0.0.1#3"}
	)

	master := newTestBarrier(t, members[0], tag, 2*time.Second, port)

	var g errgroup.Group
	g.Go(func() error {
		err := master.Rendezvous(context.Background(), members...)
		if !errors.Is(err, syncerr.ErrTimeout) {
			return fmt.Errorf("master: expected timeout, got %v", err)
		}
		return nil
	})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		b := newTestBarrier(t, members[1], tag, 5*time.Second, port)
		go func() {
			errs <- b.Rendezvous(context.Background(), members...)
		}()
	}

	var dups, lost int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case errors.Is(err, syncerr.ErrDuplicateClient):
			dups++
		case errors.Is(err, syncerr.ErrPeerLost):
			// the registered one sees the master give up.
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, dups)
	assert.Equal(t, 1, lost)

	require.NoError(t, g.Wait())
}

func TestSlaveAbort(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = randomTag()
		members = []string{"127.0.0.1#1", "127.0.0.1#2", "127.0.0.1#3"}
	)

	var g errgroup.Group
	for i, m := range members {
		b := newTestBarrier(t, m, tag, 10*time.Second, port)
		abort := i == 2
		g.Go(func() error {
			var err error
			if abort {
				err = b.Abort(context.Background(), members...)
			} else {
				err = b.Rendezvous(context.Background(), members...)
			}
			var aerr *syncerr.AbortError
			if !errors.As(err, &aerr) {
				return fmt.Errorf("%s: expected abort, got %v", b.HostID(), err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestMasterAbort(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = randomTag()
		members = []string{"127.0.0.1#1", "127.0.0.1#2"}
	)

	var g errgroup.Group
	for i, m := range members {
		b := newTestBarrier(t, m, tag, 10*time.Second, port)
		abort := i == 0
		g.Go(func() error {
			var err error
			if abort {
				err = b.Abort(context.Background(), members...)
			} else {
				err = b.Rendezvous(context.Background(), members...)
			}
			if !errors.Is(err, syncerr.ErrAbort) {
				return fmt.Errorf("%s: expected abort, got %v", b.HostID(), err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestRendezvousServers(t *testing.T) {
	var (
		port   = freePort(t)
		tag    = randomTag()
		master = "127.0.0.1#m"
		slave  = "127.0.0.1#s"
	)

	var g errgroup.Group
	for _, id := range []string{master, slave} {
		b := newTestBarrier(t, id, tag, 10*time.Second, port)
		g.Go(func() error {
			return b.RendezvousServers(context.Background(), master, slave)
		})
	}
	require.NoError(t, g.Wait())
}

func TestRendezvousServersTimeout(t *testing.T) {
	b := newTestBarrier(t, "127.0.0.1#m", randomTag(), 500*time.Millisecond, freePort(t))
	err := b.RendezvousServers(context.Background(), "127.0.0.1#m", "127.0.0.1#s")
	assert.True(t, errors.Is(err, syncerr.ErrTimeout), "expected timeout, got %v", err)
}

func TestAbortServers(t *testing.T) {
	for _, aborter := range []string{"127.0.0.1#m", "127.0.0.1#s"} {
		t.Run(aborter, func(t *testing.T) {
			var (
				port   = freePort(t)
				tag    = randomTag()
				master = "127.0.0.1#m"
				slave  = "127.0.0.1#s"
			)

			var g errgroup.Group
			for _, id := range []string{master, slave} {
				b := newTestBarrier(t, id, tag, 10*time.Second, port)
				abort := id == aborter
				g.Go(func() error {
					var err error
					if abort {
						err = b.AbortServers(context.Background(), master, slave)
					} else {
						err = b.RendezvousServers(context.Background(), master, slave)
					}
					if !errors.Is(err, syncerr.ErrAbort) {
						return fmt.Errorf("%s: expected abort, got %v", b.HostID(), err)
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
		})
	}
}

// A client with the right tag but an unknown identity does not count towards
// the members the master waits for.
func TestMasterIgnoresStranger(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = randomTag()
		members = []string{"127.0.0.1#1", "127.0.0.1#2"}
	)

	master := newTestBarrier(t, members[0], tag, 10*time.Second, port)

	var g errgroup.Group
	g.Go(func() error { return master.Rendezvous(context.Background(), members...) })

	conn, err := dialMaster(port)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.WriteHello(conn, wire.Hello{Tag: tag, Name: "127.0.0.1#9"}, time.Now().Add(5*time.Second)))

	// no wait, no ping, no release: the master hangs up.
	tok, err := wire.ReadToken(conn, time.Now().Add(5*time.Second))
	assert.Error(t, err, "stranger got %v", tok)

	slave := newTestBarrier(t, members[1], tag, 10*time.Second, port)
	require.NoError(t, slave.Rendezvous(context.Background(), members...))
	require.NoError(t, g.Wait())
}

func TestMasterIgnoresGarbage(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = randomTag()
		members = []string{"127.0.0.1#1", "127.0.0.1#2"}
	)

	master := newTestBarrier(t, members[0], tag, 10*time.Second, port)

	var g errgroup.Group
	g.Go(func() error { return master.Rendezvous(context.Background(), members...) })

	conn, err := dialMaster(port)
	require.NoError(t, err)
	_, err = conn.Write([]byte("GET /foobar?p=-1 HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	// the master drops us.
	_, err = wire.ReadToken(conn, time.Now().Add(5*time.Second))
	assert.Error(t, err)
	_ = conn.Close()

	slave := newTestBarrier(t, members[1], tag, 10*time.Second, port)
	require.NoError(t, slave.Rendezvous(context.Background(), members...))
	require.NoError(t, g.Wait())
}

// A member that disappears before answering its ping fails the barrier for
// everyone, and nobody is released.
func TestPeerLostDuringPing(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = randomTag()
		members = []string{"127.0.0.1#1", "127.0.0.1#2", "127.0.0.1#3"}
	)

	master := newTestBarrier(t, members[0], tag, 10*time.Second, port)
	live := newTestBarrier(t, members[1], tag, 10*time.Second, port)

	var g errgroup.Group
	g.Go(func() error {
		err := master.Rendezvous(context.Background(), members...)
		var perr *syncerr.PeerLostError
		if !errors.As(err, &perr) {
			return fmt.Errorf("master: expected peer lost, got %v", err)
		}
		if len(perr.Peers) != 1 || perr.Peers[0] != members[2] {
			return fmt.Errorf("master: unexpected lost peers %v", perr.Peers)
		}
		return nil
	})
	g.Go(func() error {
		err := live.Rendezvous(context.Background(), members...)
		if !errors.Is(err, syncerr.ErrPeerLost) {
			return fmt.Errorf("live slave: expected peer lost, got %v", err)
		}
		return nil
	})

	// the flaky member joins, waits for the ping, and vanishes.
	g.Go(func() error {
		conn, err := dialMaster(port)
		if err != nil {
			return err
		}
		defer conn.Close()

		deadline := time.Now().Add(10 * time.Second)
		if err := wire.WriteHello(conn, wire.Hello{Tag: tag, Name: members[2]}, deadline); err != nil {
			return err
		}
		for {
			tok, err := wire.ReadToken(conn, deadline)
			if err != nil {
				return fmt.Errorf("flaky slave: %w", err)
			}
			if tok == wire.Release {
				return fmt.Errorf("flaky slave: released without answering ping")
			}
			if tok == wire.Ping {
				return nil
			}
		}
	})

	require.NoError(t, g.Wait())
}

func TestSlaveHonoursContextCancellation(t *testing.T) {
	var (
		port    = freePort(t)
		tag     = randomTag()
		members = []string{"127.0.0.1#1", "127.0.0.1#2"}
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the master waits for a member that never comes; the slave joins and
	// then gives up.
	master := newTestBarrier(t, members[0], tag, 3*time.Second, port)
	go func() { _ = master.Rendezvous(context.Background(), members[0], members[1], "127.0.0.1#3") }()

	slave := newTestBarrier(t, members[1], tag, NoTimeout, port)
	time.AfterFunc(time.Second, cancel)

	err := slave.Rendezvous(ctx, members[0], members[1], "127.0.0.1#3")
	assert.ErrorIs(t, err, context.Canceled)
}
