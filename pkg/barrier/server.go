package barrier

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/testground/hostsync/pkg/syncerr"
	"github.com/testground/hostsync/pkg/wire"
)

// runServer accepts connections until the rendezvous completes. The master
// welcomes every member; a slave (only in RendezvousServers) waits for the
// master to call.
func (b *Barrier) runServer(ctx context.Context, master bool) error {
	ls := b.server
	if ls == nil {
		var err error
		if ls, err = NewListenServer("", b.port); err != nil {
			return &syncerr.NetworkError{Op: "listen", Err: err}
		}
		defer ls.Close()
	}
	defer b.closeWaiting()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deadline, err := b.ioDeadline("waiting for barrier members")
		if err != nil {
			b.log.Warnw("timeout waiting for remaining clients", "seen", b.seen, "expected", len(b.members))
			return err
		}
		if poll := time.Now().Add(acceptPoll); deadline.IsZero() || poll.Before(deadline) {
			deadline = poll
		}

		conn, err := ls.accept(deadline)
		switch {
		case err == nil && master:
			b.masterWelcome(conn)
		case err == nil:
			if err := b.slaveHello(conn); err != nil {
				b.log.Warnw("failed to greet master", "remote", conn.RemoteAddr(), "error", err)
				_ = conn.Close()
				continue
			}
			b.log.Debugw("slave connected to master")
			return b.slaveWait(ctx, conn)
		case wire.IsTimeout(err):
		default:
			return &syncerr.NetworkError{Op: "accept", Err: err}
		}

		if master {
			b.log.Debugw("master seen", "seen", b.seen, "expected", len(b.members))
			if b.seen == len(b.members) {
				return b.masterRelease()
			}
		}
	}
}

// masterWelcome reads the handshake of a connecting member and registers it.
// A bad handshake is logged and dropped without failing the barrier; the
// normal timeout takes care of members that never show up.
func (b *Barrier) masterWelcome(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	deadline := time.Now().Add(handshakeTimeout)

	hello, err := wire.ReadHello(conn, deadline)
	if err != nil {
		b.log.Warnw("ignoring invalid client handshake", "remote", remote, "error", err)
		_ = conn.Close()
		return
	}

	b.log.Debugw("new client", "client_tag", hello.Tag, "client", hello.Name, "remote", remote)

	// A stranger must not take the place of a member that has yet to arrive.
	if hello.Tag == b.tag && !contains(b.members, hello.Name) {
		b.log.Warnw("ignoring client that is not a member", "client", hello.Name, "members", b.members)
		_ = conn.Close()
		return
	}

	// Confirm that they are coming to the same meeting. Everyone must use a
	// unique identity; a duplicate means something bad happened, so drop it.
	var reject wire.Token
	switch _, dup := b.waiting[hello.Name]; {
	case hello.Tag != b.tag:
		b.log.Warnw("client arriving for the wrong barrier", "client", hello.Name, "client_tag", hello.Tag)
		reject = wire.BadTag
	case dup:
		b.log.Warnw("duplicate client", "client", hello.Name)
		reject = wire.Duplicate
	}
	if reject != wire.Invalid {
		_ = wire.WriteToken(conn, reject, deadline)
		_ = conn.Close()
		return
	}

	if err := wire.WriteToken(conn, wire.Wait, deadline); err != nil {
		b.log.Warnw("failed to acknowledge client", "client", hello.Name, "error", err)
		_ = conn.Close()
		return
	}

	b.log.Debugw("client now waiting", "client", hello.Name, "remote", remote)
	b.waiting[hello.Name] = conn
	b.seen++
}

// masterRelease checks that every waiting member is still alive and releases
// them all. Nobody is released unless everyone answers the ping.
func (b *Barrier) masterRelease() error {
	names := make([]string, 0, len(b.waiting))
	for name := range b.waiting {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		lost    []string
		abortBy string
	)
	if b.abort {
		abortBy = b.hostid
	}

	for _, name := range names {
		conn := b.waiting[name]
		deadline := time.Now().Add(pingTimeout)

		b.log.Debugw("checking client present", "client", name)
		reply, err := b.ping(conn, deadline)
		switch {
		case err != nil:
			b.log.Warnw("ping/pong failed", "client", name, "error", err)
			lost = append(lost, name)
		case reply == wire.Abort:
			b.log.Warnw("client requested abort", "client", name)
			if abortBy == "" {
				abortBy = name
			}
		case reply != wire.Pong:
			b.log.Warnw("unexpected ping reply", "client", name, "reply", reply)
			lost = append(lost, name)
		}
	}

	if len(lost) > 0 {
		return &syncerr.PeerLostError{Tag: b.tag, Peers: lost, Elapsed: time.Since(b.start)}
	}

	msg := wire.Release
	if abortBy != "" {
		b.log.Infow("aborting the clients", "requested_by", abortBy)
		msg = wire.Abort
	} else {
		b.log.Debugw("releasing clients")
	}

	// Everyone checked in, so the barrier is met. A failed release only
	// affects that member.
	for _, name := range names {
		if err := wire.WriteToken(b.waiting[name], msg, time.Now().Add(pingTimeout)); err != nil {
			b.log.Warnw("release failed", "client", name, "error", err)
		}
	}

	if abortBy != "" {
		return &syncerr.AbortError{Tag: b.tag, Peer: abortBy}
	}
	b.log.Debugw("barrier released", "elapsed", syncerr.Elapsed(time.Since(b.start)))
	return nil
}

func (b *Barrier) ping(conn net.Conn, deadline time.Time) (wire.Token, error) {
	if err := wire.WriteToken(conn, wire.Ping, deadline); err != nil {
		return wire.Invalid, err
	}
	reply, err := wire.ReadToken(conn, deadline)
	if err != nil {
		return wire.Invalid, fmt.Errorf("no pong: %w", err)
	}
	return reply, nil
}
