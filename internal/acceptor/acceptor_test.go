package acceptor

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_AcceptsAndDispatches(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	var mu sync.Mutex
	var connIDs []string

	s := New([]string{net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}, func(conn net.Conn, connID string) {
		defer conn.Close()
		mu.Lock()
		connIDs = append(connIDs, connID)
		mu.Unlock()
	})
	require.NoError(t, s.Start())
	defer s.Shutdown()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connIDs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServer_HandlerPanicDoesNotKillAcceptLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	var mu sync.Mutex
	calls := 0

	s := New([]string{net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}, func(conn net.Conn, connID string) {
		defer conn.Close()
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
	})
	require.NoError(t, s.Start())
	defer s.Shutdown()

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		require.NoError(t, err)
		conn.Close()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 10*time.Millisecond)
}

func TestServer_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := New([]string{net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}, func(conn net.Conn, connID string) {
		conn.Close()
	})
	require.NoError(t, s.Start())
	s.Shutdown()

	_, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	assert.Error(t, err)
}
