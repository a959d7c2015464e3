package redistest

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mna/rediscache/redistest/resp"
	"github.com/stretchr/testify/require"
)

// Hangup is returned by a MockServer handler to close the client's
// connection instead of replying.
var Hangup = hangup{}

type hangup struct{}

// HandlerFunc handles a command received by a MockServer and returns the
// reply, in a form accepted by resp.Append, or Hangup.
type HandlerFunc func(cmd string, args ...string) interface{}

// MockServer is a mock redis server listening on a local port.
type MockServer struct {
	Addr string

	done chan struct{}
	wg   sync.WaitGroup
	h    HandlerFunc
	t    testing.TB
	l    net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// StartMockServer creates and starts a mock redis server. The handler is
// called for each command received by the server, possibly concurrently
// for different connections. The caller should close the server after
// use.
func StartMockServer(t testing.TB, handler HandlerFunc) *MockServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "net.Listen")

	s := &MockServer{
		Addr:  l.Addr().String(),
		done:  make(chan struct{}),
		h:     handler,
		t:     t,
		l:     l,
		conns: make(map[net.Conn]struct{}),
	}
	go s.serve()
	return s
}

// Close stops the server and closes all its connections. Clients get an
// error on their next command. It is safe to call more than once.
func (s *MockServer) Close() {
	select {
	case <-s.done:
		return
	default:
	}

	require.NoError(s.t, s.l.Close(), "Close listener")
	<-s.done
	s.CloseConns()

	exit := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(exit)
	}()

	// wait for a few seconds for connections to finish, otherwise fail
	select {
	case <-exit:
	case <-time.After(5 * time.Second):
		s.t.Fatal("failed to cleanly stop the mock server")
	}
}

// CloseConns closes the established connections but keeps accepting new
// ones.
func (s *MockServer) CloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *MockServer) serve() {
	defer close(s.done)
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *MockServer) serveConn(c net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
		s.wg.Done()
	}()

	br := bufio.NewReader(c)
	for {
		req, err := resp.ReadRequest(br)
		if err != nil {
			return
		}

		v := s.h(req[0], req[1:]...)
		if v == Hangup {
			return
		}
		if err := resp.Write(c, v); err != nil {
			s.t.Errorf("mock server: write reply to %s: %v", req[0], err)
			return
		}
	}
}
