package jobserver

import "sort"

// The methods in this file all assume m.mu is already held; none of them
// perform I/O.

// registerWorkerLocked assigns a worker its id and adds it to
// connectedWorkers/connectedWorkersByKey. It does not make the worker
// active; that happens on its first positive avail_slots report.
func (m *Matchmaker) registerWorkerLocked(w *worker) {
	m.nextWorkerID++
	w.id = m.nextWorkerID
	m.connectedWorkers[w.id] = w
	for _, k := range w.keys {
		ks := k.String()
		set, ok := m.connectedWorkersByKey[ks]
		if !ok {
			set = make(map[uint64]*worker)
			m.connectedWorkersByKey[ks] = set
		}
		set[w.id] = w
	}
}

// unregisterWorkerLocked removes a worker from every bookkeeping
// structure and returns any jobs that must now be nuked because their
// key lost its last worker. The caller nukes those pconns after
// releasing m.mu.
func (m *Matchmaker) unregisterWorkerLocked(w *worker) []*job {
	if w.active {
		m.setWorkerActiveLocked(w, false)
	}
	delete(m.connectedWorkers, w.id)

	var orphaned []*job
	for _, k := range w.keys {
		ks := k.String()
		set, ok := m.connectedWorkersByKey[ks]
		if !ok {
			continue
		}
		delete(set, w.id)
		if len(set) == 0 {
			delete(m.connectedWorkersByKey, ks)
			orphaned = append(orphaned, m.drainQueueLocked(ks)...)
		}
	}
	return orphaned
}

// drainQueueLocked removes and returns every queued job for a key whose
// last worker just disconnected, deactivating each.
func (m *Matchmaker) drainQueueLocked(keyStr string) []*job {
	jobs := m.jobQueueByKey[keyStr]
	delete(m.jobQueueByKey, keyStr)
	for _, j := range jobs {
		j.active = false
	}
	return jobs
}

// setWorkerActiveLocked toggles a worker's membership in
// availableWorkersByKey for every key it serves.
func (m *Matchmaker) setWorkerActiveLocked(w *worker, active bool) {
	if w.active == active {
		return
	}
	w.active = active
	for _, k := range w.keys {
		ks := k.String()
		if active {
			m.availableWorkersByKey[ks] = append(m.availableWorkersByKey[ks], w)
		} else {
			m.removeWorkerFromKeyLocked(ks, w)
		}
	}
}

func (m *Matchmaker) removeWorkerFromKeyLocked(keyStr string, w *worker) {
	list := m.availableWorkersByKey[keyStr]
	for i, cand := range list {
		if cand == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.availableWorkersByKey, keyStr)
	} else {
		m.availableWorkersByKey[keyStr] = list
	}
}

// registerJobLocked assigns a job its monotonic id. The job is not yet
// in any queue; it joins jobQueueByKey only once it goes active via a
// request_worker command.
func (m *Matchmaker) registerJobLocked(j *job) {
	m.nextJobID++
	j.id = m.nextJobID
}

// setJobActiveLocked toggles a job's membership in jobQueueByKey,
// keeping the queue sorted by ascending id.
func (m *Matchmaker) setJobActiveLocked(j *job, active bool) {
	if j.active == active {
		return
	}
	j.active = active
	ks := j.key.String()
	if active {
		queue := append(m.jobQueueByKey[ks], j)
		sort.Slice(queue, func(a, b int) bool { return queue[a].id < queue[b].id })
		m.jobQueueByKey[ks] = queue
		return
	}
	queue := m.jobQueueByKey[ks]
	for i, cand := range queue {
		if cand == j {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(m.jobQueueByKey, ks)
	} else {
		m.jobQueueByKey[ks] = queue
	}
}
