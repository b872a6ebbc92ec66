package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/testground/hostsync/pkg/syncerr"
)

const (
	// HeaderSize is the width of the ASCII decimal length prefix of a frame.
	HeaderSize = 10

	// MaxFrameSize is the largest payload a receiver accepts.
	MaxFrameSize = 64 << 20
)

// WriteFrame sends payload preceded by its length as a right-aligned,
// HeaderSize-wide decimal number.
func WriteFrame(conn net.Conn, payload []byte, deadline time.Time) error {
	if len(payload) > MaxFrameSize {
		return &syncerr.NetworkError{
			Op:   "send frame",
			Peer: remote(conn),
			Err:  fmt.Errorf("payload of %d bytes exceeds maximum frame size", len(payload)),
		}
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return &syncerr.NetworkError{Op: "send frame", Peer: remote(conn), Err: err}
	}

	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, fmt.Sprintf("%*d", HeaderSize, len(payload))...)
	buf = append(buf, payload...)
	if _, err := conn.Write(buf); err != nil {
		return &syncerr.NetworkError{Op: "send frame", Peer: remote(conn), Err: err}
	}
	return nil
}

// ErrIncompleteFrame is wrapped by the error of ReadFrame when a frame
// started arriving but was cut short. Such an error never reports itself as a
// timeout, even if the deadline ended the read.
var ErrIncompleteFrame = errors.New("incomplete frame")

// ReadFrame accumulates one frame, failing with a *syncerr.NetworkError if it
// is not complete by the deadline.
func ReadFrame(conn net.Conn, deadline time.Time) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		return nil, &syncerr.NetworkError{Op: "receive frame", Peer: remote(conn), Err: err}
	}
	incomplete := func(got, want int, err error) ([]byte, error) {
		return fail(fmt.Errorf("%w: got %d of %d bytes: %v", ErrIncompleteFrame, got, want, err))
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return fail(err)
	}

	hdr := make([]byte, HeaderSize)
	if got, err := io.ReadFull(conn, hdr); err != nil {
		if got == 0 {
			return fail(err)
		}
		return incomplete(got, HeaderSize, err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(hdr)))
	if err != nil {
		return fail(fmt.Errorf("invalid frame header %q", hdr))
	}
	if n < 0 || n > MaxFrameSize {
		return fail(fmt.Errorf("invalid frame length %d", n))
	}

	payload := make([]byte, n)
	if got, err := io.ReadFull(conn, payload); err != nil {
		return incomplete(HeaderSize+got, HeaderSize+n, err)
	}
	return payload, nil
}

// Send serializes v with msgpack and writes it as one frame.
func Send(conn net.Conn, v interface{}, deadline time.Time) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed while serializing payload: %w", err)
	}
	return WriteFrame(conn, b, deadline)
}

// Recv reads one frame and deserializes it into v.
func Recv(conn net.Conn, v interface{}, deadline time.Time) error {
	b, err := ReadFrame(conn, deadline)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		return &syncerr.NetworkError{Op: "decode frame", Peer: remote(conn), Err: err}
	}
	return nil
}
