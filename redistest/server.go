// Package redistest provides test helpers to run the cache client against
// a real redis-server, a mock server driven by a handler function, or an
// in-memory fake redis.
package redistest

import (
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// StartServer starts a redis-server instance on a free port. It returns
// the started *exec.Cmd and the port used. The caller should make sure to
// stop the command. If the redis-server command is not found in the PATH,
// the test is skipped.
//
// If w is not nil, both stdout and stderr of the server are written to
// it. The extra arguments are passed to the server, e.g. "--save", "".
func StartServer(t testing.TB, w io.Writer, args ...string) (*exec.Cmd, string) {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not found in $PATH")
	}

	port := getFreePort(t)
	return startServer(t, port, w, args...), port
}

// StartPrimaryReplica starts a primary redis-server and a replica of it,
// and waits for the replication link to be up. It returns the cleanup
// function to call after use and the ports of the primary and of the
// replica. If readOnly is false, the replica accepts writes.
func StartPrimaryReplica(t testing.TB, w io.Writer, readOnly bool) (func(), []string) {
	primary, pport := StartServer(t, w, "--save", "", "--appendonly", "no")

	ro := "no"
	if readOnly {
		ro = "yes"
	}
	rport := getFreePort(t)
	replica := startServer(t, rport, w,
		"--save", "", "--appendonly", "no",
		"--replicaof", "127.0.0.1", pport,
		"--replica-read-only", ro)

	cleanup := func() {
		_ = replica.Process.Kill()
		_ = primary.Process.Kill()
	}
	if !waitForReplication(t, rport, 10*time.Second) {
		cleanup()
		t.Fatal("replica did not connect to the primary")
	}
	return cleanup, []string{pport, rport}
}

func waitForReplication(t testing.TB, port string, timeout time.Duration) bool {
	conn, err := redis.Dial("tcp", "127.0.0.1:"+port)
	require.NoError(t, err, "Dial replica")
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info, err := redis.String(conn.Do("INFO", "replication"))
		require.NoError(t, err, "INFO replication")
		if strings.Contains(info, "master_link_status:up") {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func startServer(t testing.TB, port string, w io.Writer, args ...string) *exec.Cmd {
	c := exec.Command("redis-server", append([]string{"--port", port}, args...)...)
	c.Dir = os.TempDir()
	if w != nil {
		c.Stderr = w
		c.Stdout = w
	}

	require.NoError(t, c.Start(), "start redis-server")
	require.True(t, waitForPort(port, 10*time.Second), "wait for redis-server")

	t.Logf("redis-server started on port %s", port)
	return c
}

func waitForPort(port string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+port, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func getFreePort(t testing.TB) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen on port 0")
	defer l.Close()
	_, p, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err, "parse host and port")
	return p
}

// ClosedAddr returns the address of a local port on which nothing
// listens, so that connections to it are refused.
func ClosedAddr(t testing.TB) string {
	return "127.0.0.1:" + getFreePort(t)
}
