package client

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/smukkama/ccdispatch/internal/wire"
)

// RemoteLogger ships best-effort log lines to a worker's log acceptor
// (internal/worker's handleLogConn) once a dispatch attempt knows which
// worker it's talking to. A logging failure never fails the dispatch:
// every error here is swallowed. A line whose dial or send fails is
// dropped, and the next Log call dials again.
type RemoteLogger struct {
	addr        wire.Address
	dialTimeout time.Duration

	mu sync.Mutex
	pc *wire.PacketConn
}

func NewRemoteLogger(addr wire.Address, dialTimeout time.Duration) *RemoteLogger {
	return &RemoteLogger{addr: addr, dialTimeout: dialTimeout}
}

func (r *RemoteLogger) Log(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pc == nil {
		hostport := net.JoinHostPort(r.addr.Host, strconv.Itoa(int(r.addr.Port)))
		conn, err := net.DialTimeout("tcp", hostport, r.dialTimeout)
		if err != nil {
			return
		}
		pc, err := wire.Dial(conn)
		if err != nil {
			conn.Close()
			return
		}
		r.pc = pc
	}

	if err := r.pc.SendString(line); err != nil {
		r.pc.Nuke()
		r.pc = nil
	}
}

func (r *RemoteLogger) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pc != nil {
		r.pc.Nuke()
		r.pc = nil
	}
}
