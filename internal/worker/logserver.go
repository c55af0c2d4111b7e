package worker

import (
	"log"
	"net"

	"github.com/smukkama/ccdispatch/internal/wire"
)

// handleLogConn serves the log acceptor: a dispatched job's client-side
// RemoteLogger ships framed text lines here for centralized visibility
// during a dispatch.
func (w *Worker) handleLogConn(conn net.Conn, connID string) {
	pc, err := wire.Accept(conn)
	if err != nil {
		return
	}
	defer pc.Nuke()

	for {
		line, err := pc.RecvString()
		if err != nil {
			return
		}
		log.Printf("remote[%s]: %s", connID, line)
	}
}
