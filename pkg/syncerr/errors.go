// Package syncerr contains the error types returned by the barrier and syncdata
// packages.
//
// Callers are expected to match on them with errors.As, or on the sentinel
// values with errors.Is:
//
//	var perr *syncerr.PeerLostError
//	if errors.As(err, &perr) {
//		...
//	}
//	if errors.Is(err, syncerr.ErrTimeout) {
//		...
//	}
package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// ErrProtocol matches any *ProtocolError.
	ErrProtocol = errors.New("protocol error")
	// ErrTimeout matches any *TimeoutError.
	ErrTimeout = errors.New("timeout")
	// ErrPeerLost matches any *PeerLostError.
	ErrPeerLost = errors.New("peer lost")
	// ErrNetwork matches any *NetworkError.
	ErrNetwork = errors.New("network communication error")
	// ErrAbort matches any *AbortError.
	ErrAbort = errors.New("abort requested")

	// ErrTagMismatch is wrapped by a ProtocolError when the master rejects a
	// client that arrived for a different barrier.
	ErrTagMismatch = errors.New("incorrect tag")
	// ErrDuplicateClient is wrapped by a ProtocolError when the master already
	// registered a client with the same identity.
	ErrDuplicateClient = errors.New("duplicate client")
	// ErrMalformed is wrapped by a ProtocolError on unparseable control data.
	ErrMalformed = errors.New("malformed message")
)

// ProtocolError signals a violation of the synchronisation protocol: tag
// mismatch, duplicate registration, or a malformed/empty control message.
type ProtocolError struct {
	Peer   string
	Tag    string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("protocol error")
	if e.Tag != "" {
		fmt.Fprintf(&b, " on %q", e.Tag)
	}
	if e.Peer != "" {
		fmt.Fprintf(&b, " with %s", e.Peer)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error        { return e.Err }
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// TimeoutError is returned when a deadline expires while waiting for peers or
// for data.
type TimeoutError struct {
	Op      string
	Tag     string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timeout %s", e.Op)
	if e.Tag != "" {
		msg += fmt.Sprintf(": %s", e.Tag)
	}
	if e.Elapsed > 0 {
		msg += fmt.Sprintf(" (elapsed %s)", Elapsed(e.Elapsed))
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout allows TimeoutError to satisfy net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// PeerLostError is returned when one or more registered peers fail their
// liveness check, or the master disappears before releasing.
type PeerLostError struct {
	Tag     string
	Peers   []string
	Elapsed time.Duration
}

func (e *PeerLostError) Error() string {
	msg := "lost peer"
	if len(e.Peers) != 1 {
		msg += "s"
	}
	msg += " " + strings.Join(e.Peers, ", ")
	if e.Tag != "" {
		msg += fmt.Sprintf(" at %q", e.Tag)
	}
	if e.Elapsed > 0 {
		msg += fmt.Sprintf(" (elapsed %s)", Elapsed(e.Elapsed))
	}
	return msg
}

func (e *PeerLostError) Is(target error) bool { return target == ErrPeerLost }

// NetworkError is a transport failure distinct from a synchronisation
// deadline, e.g. a truncated frame.
type NetworkError struct {
	Op   string
	Peer string
	Err  error
}

func (e *NetworkError) Error() string {
	msg := "network error during " + e.Op
	if e.Peer != "" {
		msg += " with " + e.Peer
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error        { return e.Err }
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// AbortError is returned by every participant of a barrier in which some
// member requested an abort.
type AbortError struct {
	Tag  string
	Peer string
}

func (e *AbortError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("barrier %q aborted by %s", e.Tag, e.Peer)
	}
	return fmt.Sprintf("barrier %q aborted", e.Tag)
}

func (e *AbortError) Is(target error) bool { return target == ErrAbort }

// Elapsed renders a duration the way errors and logs in this module print it.
func Elapsed(d time.Duration) string {
	return humanize.FtoaWithDigits(d.Seconds(), 2) + "s"
}
