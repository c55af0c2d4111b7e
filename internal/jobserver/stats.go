package jobserver

import (
	"log"
	"time"
)

// statsInterval bounds how often a snapshot is printed.
const statsInterval = 300 * time.Millisecond

// markStatsDirty and markStatsDirtyLocked flag that state changed since
// the last stats snapshot, waking the stats reporter's own condvar.
// The reporter gets a second condvar so waiting for changes never
// competes with the matchmaker loop for m.mu; only taking a snapshot
// locks m.mu.
func (m *Matchmaker) markStatsDirty() {
	m.statsMu.Lock()
	m.statsDirty = true
	m.statsCond.Broadcast()
	m.statsMu.Unlock()
}

func (m *Matchmaker) markStatsDirtyLocked() {
	m.statsMu.Lock()
	m.statsDirty = true
	m.statsCond.Broadcast()
	m.statsMu.Unlock()
}

func (m *Matchmaker) runStatsReporter() {
	for {
		m.statsMu.Lock()
		for !m.statsDirty {
			select {
			case <-m.stopCh:
				m.statsMu.Unlock()
				return
			default:
			}
			m.statsCond.Wait()
		}
		m.statsDirty = false
		m.statsMu.Unlock()

		select {
		case <-m.stopCh:
			return
		default:
		}

		snap := m.snapshot()
		log.Printf("jobserver: stats: jobs_queued=%d workers_connected=%d workers_available=%d keys=%d",
			snap.QueuedJobs, snap.ConnectedWorkers, snap.AvailableWorkers, snap.DistinctKeys)
		if m.opts.StatsPublisher != nil {
			m.opts.StatsPublisher.Publish(snap)
		}

		time.Sleep(statsInterval)
	}
}

func (m *Matchmaker) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := 0
	for _, q := range m.jobQueueByKey {
		queued += len(q)
	}
	available := 0
	for _, ws := range m.availableWorkersByKey {
		available += len(ws)
	}

	return Stats{
		Time:             time.Now(),
		QueuedJobs:       queued,
		ConnectedWorkers: len(m.connectedWorkers),
		AvailableWorkers: available,
		DistinctKeys:     len(m.connectedWorkersByKey),
	}
}
