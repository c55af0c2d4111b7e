package jobserver

import (
	"net"
	"testing"
	"time"

	"github.com/smukkama/ccdispatch/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectRole(t *testing.T, m *Matchmaker, role string) *wire.PacketConn {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	go m.HandleConnection(serverRaw, "test-conn")

	pc, err := wire.Dial(clientRaw)
	require.NoError(t, err)
	require.NoError(t, pc.Send([]byte(role)))
	return pc
}

func connectWorker(t *testing.T, m *Matchmaker, hostname string, keys []wire.Key, addrs []wire.Address, maxSlots uint64) *wire.PacketConn {
	t.Helper()
	pc := connectRole(t, m, roleWorker)
	advert := wire.WorkerAdvert{Hostname: hostname, Keys: keys, Addrs: addrs, MaxSlots: maxSlots}
	require.NoError(t, pc.Send(advert.Encode()))
	return pc
}

func connectJob(t *testing.T, m *Matchmaker, hostname string, key wire.Key) *wire.PacketConn {
	t.Helper()
	pc := connectRole(t, m, roleJob)
	require.NoError(t, pc.SendString(hostname))
	require.NoError(t, pc.Send(key))
	return pc
}

func newTestMatchmaker() *Matchmaker {
	m := New(Options{})
	m.Start()
	return m
}

func TestJobserver_SingleNodeLoop(t *testing.T) {
	m := newTestMatchmaker()
	defer m.Shutdown()

	key := wire.MakeKey("sleep", nil)
	worker := connectWorker(t, m, "worker-1", []wire.Key{key}, []wire.Address{{Host: "127.0.0.1", Port: 9100}}, 2)
	require.NoError(t, worker.SendFloat64(2))

	clientPC := connectJob(t, m, "client-host", key)
	require.NoError(t, clientPC.Send([]byte(cmdRequestWorker)))

	assignFrame, err := clientPC.Recv()
	require.NoError(t, err)
	assignment, err := wire.DecodeWorkerAssignment(assignFrame)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", assignment.Hostname)
}

func TestJobserver_FIFOAcrossTwoJobs(t *testing.T) {
	m := newTestMatchmaker()
	defer m.Shutdown()

	key := wire.MakeKey("sleep", nil)
	worker := connectWorker(t, m, "worker-1", []wire.Key{key}, nil, 1)

	job1 := connectJob(t, m, "host-a", key)
	time.Sleep(20 * time.Millisecond) // ensure job1.id < job2.id
	job2 := connectJob(t, m, "host-b", key)

	require.NoError(t, job2.Send([]byte(cmdRequestWorker)))
	require.NoError(t, job1.Send([]byte(cmdRequestWorker)))

	// Only one worker slot is available, so only job1 (the earlier
	// arrival) should receive the assignment.
	require.NoError(t, worker.SendFloat64(1))

	assignFrame, err := job1.Recv()
	require.NoError(t, err)
	_, err = wire.DecodeWorkerAssignment(assignFrame)
	require.NoError(t, err)

	// job2 should still be waiting; give it a moment then confirm no
	// frame has arrived by racing a short read against a timer.
	done := make(chan struct{})
	go func() {
		job2.Recv()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("job2 should not have received an assignment yet")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestJobserver_JobWorkersQuery(t *testing.T) {
	m := newTestMatchmaker()
	defer m.Shutdown()

	key := wire.MakeKey("sleep", nil)
	connectWorker(t, m, "same-host", []wire.Key{key}, nil, 3)
	connectWorker(t, m, "other-host", []wire.Key{key}, nil, 5)
	time.Sleep(20 * time.Millisecond)

	job := connectJob(t, m, "same-host", key)
	require.NoError(t, job.Send([]byte(cmdJobWorkers)))

	frame, err := job.Recv()
	require.NoError(t, err)
	info, err := wire.DecodeJobWorkersInfo(frame)
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.LocalSlots)
	assert.EqualValues(t, 5, info.RemoteSlots)
}

func TestJobserver_KeyGone_ClosesQueuedJob(t *testing.T) {
	m := newTestMatchmaker()
	defer m.Shutdown()

	key := wire.MakeKey("sleep", nil)
	worker := connectWorker(t, m, "worker-1", []wire.Key{key}, nil, 1)
	require.NoError(t, worker.SendFloat64(0)) // never active, so job stays queued

	job := connectJob(t, m, "client-host", key)
	require.NoError(t, job.Send([]byte(cmdRequestWorker)))

	worker.Nuke()

	_, err := job.Recv()
	assert.Error(t, err)
}

func TestJobserver_KarmaAdjust(t *testing.T) {
	m := New(Options{KarmaWeightingEnabled: true})
	m.Start()
	defer m.Shutdown()

	key := wire.MakeKey("sleep", nil)
	job := connectJob(t, m, "client-host", key)
	require.NoError(t, job.Send([]byte(cmdKarma)))
	require.NoError(t, job.SendString("worker-1"))
	require.NoError(t, job.SendFloat64(5))

	// Give the handler a moment to apply the adjustment, then verify via
	// the package-internal map directly (white-box: same package).
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.karmaByHostname["worker-1"] == 5 && m.karmaByHostname["client-host"] == -5
	}, time.Second, 10*time.Millisecond)
}

func TestJobserver_WeightedSelection_Converges(t *testing.T) {
	m := newTestMatchmaker()
	defer m.Shutdown()

	key := wire.MakeKey("sleep", nil)
	w1 := connectWorker(t, m, "w1", []wire.Key{key}, nil, 1)
	w2 := connectWorker(t, m, "w2", []wire.Key{key}, nil, 1)

	counts := map[string]int{}
	const rounds = 60
	for i := 0; i < rounds; i++ {
		require.NoError(t, w1.SendFloat64(1))
		require.NoError(t, w2.SendFloat64(1))

		job := connectJob(t, m, "client", key)
		require.NoError(t, job.Send([]byte(cmdRequestWorker)))
		frame, err := job.Recv()
		require.NoError(t, err)
		assignment, err := wire.DecodeWorkerAssignment(frame)
		require.NoError(t, err)
		counts[assignment.Hostname]++
		job.Nuke()
	}

	assert.Greater(t, counts["w1"], rounds/2-rounds/3)
	assert.Greater(t, counts["w2"], rounds/2-rounds/3)
}
