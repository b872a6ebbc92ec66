package barrier

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/testground/hostsync/pkg/syncerr"
	"github.com/testground/hostsync/pkg/wire"
)

// runClient connects out until the rendezvous completes. A slave calls the
// master; a master (only in RendezvousServers) calls every member in turn.
func (b *Barrier) runClient(ctx context.Context, master bool) error {
	defer b.closeWaiting()

	for {
		target := b.masterid
		if master {
			target = b.members[b.seen]
		}

		conn, err := b.dial(ctx, target)
		if err != nil {
			return err
		}

		if master {
			seen := b.seen
			b.masterWelcome(conn)
			if b.seen == len(b.members) {
				return b.masterRelease()
			}
			if b.seen == seen {
				if err := b.pause(ctx); err != nil {
					return err
				}
			}
			continue
		}

		if err := b.slaveHello(conn); err != nil {
			b.log.Warnw("failed to greet master, retrying", "master", b.masterid, "error", err)
			_ = conn.Close()
			if err := b.pause(ctx); err != nil {
				return err
			}
			continue
		}
		return b.slaveWait(ctx, conn)
	}
}

// dial connects to the host of the given member, retrying with a fixed
// backoff until the barrier deadline. Refused connections and timed out
// attempts are retried; other errors are fatal.
func (b *Barrier) dial(ctx context.Context, id string) (net.Conn, error) {
	host, err := HostFromID(id)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(b.port))

	dctx, cancel := ctx, context.CancelFunc(func() {})
	if !b.deadline.IsZero() {
		dctx, cancel = context.WithDeadline(ctx, b.deadline)
	}
	defer cancel()

	dialer := &net.Dialer{Timeout: b.connectTimeout}
	attempt := func() (net.Conn, error) {
		b.log.Debugw("calling host", "member", id, "addr", addr)
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
		backoff.WithBackOff(backoff.NewConstantBackOff(b.retryBackoff)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.log.Debugw("connection attempt failed, retrying", "addr", addr, "error", err, "next", next)
		}),
	)
	switch {
	case err == nil:
		return conn, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case dctx.Err() != nil:
		return nil, b.timeoutError("connecting to " + id)
	default:
		return nil, &syncerr.NetworkError{Op: "connect", Peer: addr, Err: err}
	}
}

// pause sleeps for the retry backoff, bounded by the barrier deadline.
func (b *Barrier) pause(ctx context.Context) error {
	wait := b.retryBackoff
	if !b.deadline.IsZero() {
		if left := time.Until(b.deadline); left < wait {
			wait = left
		}
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := b.ioDeadline("connecting to " + b.masterid)
	return err
}

// slaveHello introduces this member to the master.
func (b *Barrier) slaveHello(conn net.Conn) error {
	return wire.WriteHello(conn, wire.Hello{Tag: b.tag, Name: b.hostid}, time.Now().Add(handshakeTimeout))
}

// slaveWait follows the master's control messages until it is released. The
// connection is registered so that it is closed when the rendezvous ends.
func (b *Barrier) slaveWait(ctx context.Context, conn net.Conn) error {
	b.waiting[b.masterid] = conn
	b.seen = 1

	// unblock pending reads when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	last := wire.Invalid
	for {
		deadline, err := b.ioDeadline("waiting for barrier release")
		if err != nil {
			return err
		}

		tok, err := wire.ReadToken(conn, deadline)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return b.slaveReadError(last, err)
		}

		b.log.Debugw("master said", "token", tok)
		last = tok

		switch tok {
		case wire.Wait:
		case wire.Ping:
			// make sure the ping/pong/rlse cycle has time to complete for
			// every member.
			b.extendDeadline(b.releaseWindow())

			reply := wire.Pong
			if b.abort {
				reply = wire.Abort
			}
			deadline, err := b.ioDeadline("answering ping")
			if err != nil {
				return err
			}
			if err := wire.WriteToken(conn, reply, deadline); err != nil {
				return &syncerr.NetworkError{Op: "answering ping", Peer: b.masterid, Err: err}
			}
		case wire.Release:
			b.extendDeadline(b.releaseWindow())
			b.log.Debugw("released", "elapsed", syncerr.Elapsed(time.Since(b.start)))
			return nil
		case wire.Abort:
			return &syncerr.AbortError{Tag: b.tag, Peer: b.masterid}
		case wire.BadTag:
			return &syncerr.ProtocolError{Tag: b.tag, Peer: b.masterid, Reason: "master abort", Err: syncerr.ErrTagMismatch}
		case wire.Duplicate:
			return &syncerr.ProtocolError{Tag: b.tag, Peer: b.masterid, Reason: "master abort", Err: syncerr.ErrDuplicateClient}
		default:
			return &syncerr.ProtocolError{Tag: b.tag, Peer: b.masterid, Reason: "master handshake failure: unexpected " + tok.String()}
		}
	}
}

// slaveReadError classifies a failed read from the master, given the last
// token received.
func (b *Barrier) slaveReadError(last wire.Token, err error) error {
	var perr *syncerr.ProtocolError
	switch {
	case wire.IsTimeout(err):
		return b.timeoutError("waiting for barrier release")
	case errors.As(err, &perr):
		perr.Tag, perr.Peer = b.tag, b.masterid
		perr.Reason = "master handshake failure"
		return perr
	case last == wire.Wait || last == wire.Ping:
		// the master gave up on the barrier: it either timed out waiting for
		// members or lost one during the liveness check.
		b.log.Warnw("master closed connection", "last", last, "error", err)
		return &syncerr.PeerLostError{Tag: b.tag, Peers: []string{b.masterid}, Elapsed: time.Since(b.start)}
	case errors.Is(err, io.EOF):
		return &syncerr.ProtocolError{Tag: b.tag, Peer: b.masterid, Reason: "master handshake failure: connection closed", Err: syncerr.ErrMalformed}
	default:
		return &syncerr.NetworkError{Op: "waiting for barrier release", Peer: b.masterid, Err: err}
	}
}
