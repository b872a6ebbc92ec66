package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/testground/hostsync/pkg/syncerr"
)

// MaxHelloSize bounds the barrier handshake line.
const MaxHelloSize = 1024

// Hello is the barrier handshake a client sends when it joins: the barrier tag
// and the client's member identity.
type Hello struct {
	Tag  string
	Name string
}

func (h Hello) String() string {
	return h.Tag + " " + h.Name
}

// WriteHello sends the handshake line "<tag> <name>\n".
func WriteHello(conn net.Conn, h Hello, deadline time.Time) error {
	if strings.ContainsAny(h.Tag, " \r\n") || strings.ContainsAny(h.Name, " \r\n") {
		return &syncerr.ProtocolError{
			Tag:    h.Tag,
			Peer:   h.Name,
			Reason: "tag and identity must not contain whitespace",
			Err:    syncerr.ErrMalformed,
		}
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := io.WriteString(conn, h.String()+"\n")
	return err
}

// ReadHello reads one handshake line. The line is read byte by byte so that
// nothing past the newline is consumed from the connection.
func ReadHello(conn net.Conn, deadline time.Time) (Hello, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Hello{}, err
	}

	var (
		line = make([]byte, 0, 64)
		b    = make([]byte, 1)
	)
	for {
		_, err := conn.Read(b)
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				break
			}
			return Hello{}, err
		}
		if b[0] == '\n' {
			break
		}
		if len(line) >= MaxHelloSize {
			return Hello{}, &syncerr.ProtocolError{
				Peer:   remote(conn),
				Reason: fmt.Sprintf("handshake exceeds %d bytes", MaxHelloSize),
				Err:    syncerr.ErrMalformed,
			}
		}
		line = append(line, b[0])
	}

	parts := strings.Split(strings.TrimRight(string(line), "\r"), " ")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Hello{}, &syncerr.ProtocolError{
			Peer:   remote(conn),
			Reason: fmt.Sprintf("invalid handshake %q", line),
			Err:    syncerr.ErrMalformed,
		}
	}
	return Hello{Tag: parts[0], Name: parts[1]}, nil
}
