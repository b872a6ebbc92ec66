package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/testground/hostsync/pkg/syncerr"
)

// TokenSize is the width of every barrier control message on the wire.
const TokenSize = 4

// Token is a barrier control message. Each token travels as exactly
// TokenSize ASCII bytes with no header, so the receiver always reads a fixed
// amount.
type Token int

const (
	Invalid Token = iota
	Wait
	Ping
	Pong
	Release
	Abort
	BadTag
	Duplicate
)

var tokenText = [...]string{
	Invalid:   "????",
	Wait:      "wait",
	Ping:      "ping",
	Pong:      "pong",
	Release:   "rlse",
	Abort:     "abrt",
	BadTag:    "!tag",
	Duplicate: "!dup",
}

func (t Token) String() string {
	if t < 0 || int(t) >= len(tokenText) {
		return tokenText[Invalid]
	}
	return tokenText[t]
}

// ParseToken maps raw wire bytes to a Token, returning Invalid for anything
// that is not a known control message.
func ParseToken(b []byte) Token {
	s := string(b)
	for t := Wait; int(t) < len(tokenText); t++ {
		if tokenText[t] == s {
			return t
		}
	}
	return Invalid
}

// WriteToken sends a single control token, failing if it cannot be written
// before the deadline. A zero deadline means no deadline.
func WriteToken(conn net.Conn, t Token, deadline time.Time) error {
	if t == Invalid {
		return fmt.Errorf("refusing to send invalid token")
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := io.WriteString(conn, t.String())
	return err
}

// ReadToken reads exactly one control token. It returns io.EOF if the peer
// closed the connection before sending anything, the raw deadline error on
// timeout, and a *syncerr.ProtocolError for unknown or truncated tokens.
func ReadToken(conn net.Conn, deadline time.Time) (Token, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Invalid, err
	}

	buf := make([]byte, TokenSize)
	n, err := io.ReadFull(conn, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return Invalid, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Invalid, &syncerr.ProtocolError{
			Peer:   remote(conn),
			Reason: fmt.Sprintf("truncated control message %q", buf[:n]),
			Err:    syncerr.ErrMalformed,
		}
	default:
		return Invalid, err
	}

	t := ParseToken(buf)
	if t == Invalid {
		return Invalid, &syncerr.ProtocolError{
			Peer:   remote(conn),
			Reason: fmt.Sprintf("unexpected control message %q", buf),
			Err:    syncerr.ErrMalformed,
		}
	}
	return t, nil
}

// IsTimeout reports whether err was caused by an expired I/O deadline.
func IsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func remote(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
