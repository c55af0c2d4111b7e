package jobserver

import (
	"log"
	"sort"
)

// matchmakerLoop tries one matching pass, and if nothing matched, waits
// on the condvar for state to change.
func (m *Matchmaker) matchmakerLoop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.stopped {
			return
		}
		if !m.tryMatchOnePassLocked() {
			if m.stopped {
				return
			}
			m.cond.Wait()
		}
	}
}

// tryMatchOnePassLocked performs at most one assignment per call; one
// assignment per pass maximizes fairness under churn. It is the one
// place in this package that performs blocking I/O (the assignment
// send) while holding m.mu; a failure there nukes the offending job and
// is not fatal to matchmaking.
func (m *Matchmaker) tryMatchOnePassLocked() bool {
	candidates := m.candidateJobsLocked()
	for _, j := range candidates {
		ks := j.key.String()
		workers := m.availableWorkersByKey[ks]
		if len(workers) == 0 {
			continue
		}

		w := m.chooseWorkerLocked(workers, j.hostname)

		m.setJobActiveLocked(j, false)
		m.setWorkerActiveLocked(w, false)

		assignment := w.descriptor()
		if err := j.pconn.Send(assignment.Encode()); err != nil {
			log.Printf("jobserver: assignment send to job %d failed, nuking: %v", j.id, err)
			j.pconn.Nuke()
		}
		m.markStatsDirtyLocked()
		return true
	}
	return false
}

// candidateJobsLocked builds the head-of-each-queue candidate set,
// sorted by ascending job id for global FIFO fairness across keys.
func (m *Matchmaker) candidateJobsLocked() []*job {
	candidates := make([]*job, 0, len(m.jobQueueByKey))
	for _, queue := range m.jobQueueByKey {
		if len(queue) > 0 {
			candidates = append(candidates, queue[0])
		}
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].id < candidates[b].id })
	return candidates
}

// chooseWorkerLocked picks one worker via cumulative-weight random
// selection, weighted by avail_slots; ties fall to the RNG, never to
// worker id. When karma weighting is enabled, each worker's weight is
// additionally scaled by (1 + karma) for its hostname, clamped so a
// negative karma can shrink but never invert a worker's share.
func (m *Matchmaker) chooseWorkerLocked(workers []*worker, jobHostname string) *worker {
	weights := make([]float64, len(workers))
	var total float64
	for i, w := range workers {
		weight := w.availSlots
		if m.opts.KarmaWeightingEnabled {
			weight *= karmaMultiplier(m.karmaByHostname[w.hostname])
		}
		if weight < 0 {
			weight = 0
		}
		weights[i] = weight
		total += weight
	}

	if total <= 0 {
		return workers[0]
	}

	draw := m.rng.Float64() * total
	var cumulative float64
	for i, weight := range weights {
		cumulative += weight
		if draw < cumulative {
			return workers[i]
		}
	}
	return workers[len(workers)-1]
}

// karmaMultiplier turns an unbounded karma value into a weight
// multiplier no lower than 0.1, so karma can meaningfully penalize a
// host without ever fully starving it.
func karmaMultiplier(karma float64) float64 {
	m := 1 + karma
	if m < 0.1 {
		return 0.1
	}
	return m
}
