package barrier

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// ListenServer manages a listening socket for barriers.
//
// It can be shared by consecutive Barrier instances that listen on the same
// port, so that the barrier code does not try to quickly re-bind the port
// while packets from a previous barrier are still in transit.
type ListenServer struct {
	Address string
	Port    int

	l    *net.TCPListener
	once sync.Once
	err  error
}

// NewListenServer binds a listening socket on address:port. An empty address
// listens on all interfaces; port 0 picks a free port, which is then
// available as Port.
func NewListenServer(address string, port int) (*ListenServer, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s:%d: %w", address, port, err)
	}

	tl := l.(*net.TCPListener)
	return &ListenServer{
		Address: address,
		Port:    tl.Addr().(*net.TCPAddr).Port,
		l:       tl,
	}, nil
}

// accept waits for one connection until the deadline.
func (ls *ListenServer) accept(deadline time.Time) (net.Conn, error) {
	if err := ls.l.SetDeadline(deadline); err != nil {
		return nil, err
	}
	return ls.l.Accept()
}

// Close closes the listening socket. It is safe to call more than once.
func (ls *ListenServer) Close() error {
	ls.once.Do(func() {
		ls.err = ls.l.Close()
	})
	return ls.err
}
