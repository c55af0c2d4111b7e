package jobserver

import "fmt"

// ProtocolError marks a malformed frame or unrecognized role/command
// tag: abortive close, no retry.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jobserver: protocol error: %s", e.Detail)
}

// ErrNoWorkerForKey is surfaced when a job's key has no connected workers
// at all and the job is closed rather than left to starve forever. It is
// not returned across the wire; the client simply observes its server
// pconn die.
var ErrNoWorkerForKey = fmt.Errorf("jobserver: no worker connected for key")
