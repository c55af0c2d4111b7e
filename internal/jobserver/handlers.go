package jobserver

import (
	"fmt"
	"log"
	"net"

	"github.com/smukkama/ccdispatch/internal/wire"
)

const (
	roleJob    = "job"
	roleWorker = "worker"

	cmdJobWorkers    = "job_workers"
	cmdRequestWorker = "request_worker"
	cmdKarma         = "karma"
	cmdFailed        = "failed"
)

// HandleConnection is an acceptor.Handler: it performs the PacketConn
// handshake, reads the role tag, and dispatches to the job or worker
// handler. Any other tag is a protocol error and an abortive close.
func (m *Matchmaker) HandleConnection(conn net.Conn, connID string) {
	pc, err := wire.Accept(conn)
	if err != nil {
		log.Printf("jobserver[%s]: handshake: %v", connID, err)
		return
	}

	roleFrame, err := pc.Recv()
	if err != nil {
		log.Printf("jobserver[%s]: recv role: %v", connID, err)
		pc.Nuke()
		return
	}

	switch string(roleFrame) {
	case roleJob:
		m.handleJob(pc, connID)
	case roleWorker:
		m.handleWorker(pc, connID)
	default:
		log.Printf("jobserver[%s]: %v", connID, &ProtocolError{Detail: fmt.Sprintf("unknown role tag %q", roleFrame)})
		pc.Nuke()
	}
}

// handleWorker registers the advertised worker, then loops consuming
// avail-slot reports until the connection dies. On disconnect the worker
// is fully unregistered and any jobs left worker-less are closed.
func (m *Matchmaker) handleWorker(pc *wire.PacketConn, connID string) {
	advertFrame, err := pc.Recv()
	if err != nil {
		log.Printf("jobserver[%s]: recv WorkerAdvert: %v", connID, err)
		pc.Nuke()
		return
	}
	advert, err := wire.DecodeWorkerAdvert(advertFrame)
	if err != nil {
		log.Printf("jobserver[%s]: decode WorkerAdvert: %v", connID, err)
		pc.Nuke()
		return
	}

	w := &worker{
		pconn:    pc,
		hostname: advert.Hostname,
		keys:     advert.Keys,
		addrs:    advert.Addrs,
		maxSlots: advert.MaxSlots,
	}

	m.mu.Lock()
	m.registerWorkerLocked(w)
	m.mu.Unlock()
	m.recordAudit("worker_connected", map[string]string{"hostname": w.hostname, "conn_id": connID})
	m.markStatsDirty()

	defer func() {
		m.mu.Lock()
		orphaned := m.unregisterWorkerLocked(w)
		m.cond.Broadcast()
		m.mu.Unlock()
		pc.Nuke()
		for _, j := range orphaned {
			log.Printf("jobserver: closing job %d: %v", j.id, ErrNoWorkerForKey)
			j.pconn.Nuke()
		}
		m.alertKeyExhaustion(orphaned)
		m.recordAudit("worker_disconnected", map[string]string{"hostname": w.hostname, "conn_id": connID})
		m.markStatsDirty()
	}()

	for {
		avail, err := pc.RecvFloat64()
		if err != nil {
			return
		}
		m.mu.Lock()
		w.availSlots = avail
		m.setWorkerActiveLocked(w, avail > 0)
		m.cond.Broadcast()
		m.mu.Unlock()
		m.markStatsDirty()
	}
}

// handleJob registers the job, then loops on command frames until the
// connection dies or an unknown command arrives.
func (m *Matchmaker) handleJob(pc *wire.PacketConn, connID string) {
	hostname, err := pc.RecvString()
	if err != nil {
		pc.Nuke()
		return
	}
	keyFrame, err := pc.Recv()
	if err != nil {
		pc.Nuke()
		return
	}
	key := wire.Key(keyFrame)

	j := &job{pconn: pc, hostname: hostname, key: key}
	m.mu.Lock()
	m.registerJobLocked(j)
	m.mu.Unlock()
	m.recordAudit("job_connected", map[string]string{"hostname": hostname, "key": key.String(), "conn_id": connID})

	defer func() {
		m.mu.Lock()
		if j.active {
			m.setJobActiveLocked(j, false)
		}
		m.mu.Unlock()
		pc.Nuke()
		m.recordAudit("job_disconnected", map[string]string{"hostname": hostname, "key": key.String(), "conn_id": connID})
	}()

	for {
		cmdFrame, err := pc.Recv()
		if err != nil {
			return
		}
		switch string(cmdFrame) {
		case cmdJobWorkers:
			info := m.jobWorkersInfo(hostname)
			if err := pc.Send(info.Encode()); err != nil {
				return
			}
		case cmdRequestWorker:
			m.mu.Lock()
			m.setJobActiveLocked(j, true)
			m.cond.Broadcast()
			m.mu.Unlock()
			m.recordAudit("job_requested_worker", map[string]string{"hostname": hostname, "key": key.String()})
		case cmdFailed:
			// The client's dispatch attempt did not pan out (worker connect
			// failure or a nil module result). Purely informational: the job
			// was already set inactive by the assignment send in
			// tryMatchOnePassLocked, and the client's own loop re-arms it
			// with the next request_worker.
			m.recordAudit("job_attempt_failed", map[string]string{"hostname": hostname, "key": key.String()})
		case cmdKarma:
			toHostname, err := pc.RecvString()
			if err != nil {
				return
			}
			points, err := pc.RecvFloat64()
			if err != nil {
				return
			}
			m.adjustKarma(hostname, toHostname, points)
		default:
			log.Printf("jobserver[%s]: %v", connID, &ProtocolError{Detail: fmt.Sprintf("unknown job command %q", cmdFrame)})
			return
		}
	}
}

// jobWorkersInfo answers the job_workers query: capacity local to the
// job's hostname versus everything else.
func (m *Matchmaker) jobWorkersInfo(jobHostname string) wire.JobWorkersInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var info wire.JobWorkersInfo
	for _, w := range m.connectedWorkers {
		if w.hostname == jobHostname {
			info.LocalSlots += w.maxSlots
		} else {
			info.RemoteSlots += w.maxSlots
		}
	}
	return info
}

// alertKeyExhaustion pages an operator once per key that just lost its
// last worker while jobs were still queued under it.
func (m *Matchmaker) alertKeyExhaustion(orphaned []*job) {
	if m.opts.OpsAlert == nil || len(orphaned) == 0 {
		return
	}
	counts := make(map[string]int)
	for _, j := range orphaned {
		counts[j.key.String()]++
	}
	for key, count := range counts {
		m.opts.OpsAlert.KeyExhausted(key, count)
	}
}

func (m *Matchmaker) recordAudit(kind string, detail map[string]string) {
	if m.opts.AuditSink != nil {
		m.opts.AuditSink.RecordEvent(kind, detail)
	}
}
