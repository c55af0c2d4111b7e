// Package jobserver implements the matchmaker: the central job-server
// role that holds a per-key job queue, a per-key available-worker set,
// and assigns workers to jobs by weighted-random selection.
package jobserver

import (
	"github.com/smukkama/ccdispatch/internal/wire"
)

// worker is the server-side record for one connected worker.
type worker struct {
	id         uint64
	pconn      *wire.PacketConn
	hostname   string
	keys       []wire.Key
	addrs      []wire.Address
	maxSlots   uint64
	availSlots float64
	active     bool
}

func (w *worker) descriptor() wire.WorkerAssignment {
	return wire.WorkerAssignment{Hostname: w.hostname, Addrs: w.addrs}
}

// job is the server-side record for one registered job. id is monotonic
// across every job this server has ever seen and doubles as FIFO order.
type job struct {
	id       uint64
	pconn    *wire.PacketConn
	hostname string
	key      wire.Key
	active   bool
}
