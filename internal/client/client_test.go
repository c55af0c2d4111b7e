package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/smukkama/ccdispatch/internal/acceptor"
	"github.com/smukkama/ccdispatch/internal/jobserver"
	"github.com/smukkama/ccdispatch/internal/module"
	"github.com/smukkama/ccdispatch/internal/modules/sleepmod"
	"github.com/smukkama/ccdispatch/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedIdleSampler struct{ idle float64 }

func (f fixedIdleSampler) IdleCPUs() (float64, error) { return f.idle, nil }

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// TestClient_EndToEnd_SingleNodeLoop wires a real Matchmaker, a real
// Worker, and the client Dispatcher together over loopback TCP and
// dispatches one sleepmod job end to end.
func TestClient_EndToEnd_SingleNodeLoop(t *testing.T) {
	jobServerAddr := freeAddr(t)
	workAddr := freeAddr(t)

	m := jobserver.New(jobserver.Options{})
	m.Start()
	defer m.Shutdown()

	jobServer := acceptor.New([]string{jobServerAddr}, m.HandleConnection)
	require.NoError(t, jobServer.Start())
	defer jobServer.Shutdown()

	reg := module.NewRegistry()
	reg.Register(sleepmod.Name, sleepmod.New())

	w := worker.New(worker.Config{
		JobServerAddrs: []string{jobServerAddr},
		WorkAddr:       workAddr,
		Hostname:       "worker-host",
		MaxSlots:       2,
		DialTimeout:    time.Second,
	}, reg, fixedIdleSampler{idle: 2})

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	go w.Run(workerCtx)

	// Give the worker a moment to advertise into the matchmaker.
	time.Sleep(150 * time.Millisecond)

	d := New(Config{
		JobServerAddrs:    []string{jobServerAddr},
		Hostname:          "client-host",
		DialTimeout:       time.Second,
		WorkerDialTimeout: time.Second,
		BackoffMin:        10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	}, reg, sleepmod.Name)
	defer d.Close()

	handle, err := d.RegisterJob([]byte(""))
	require.NoError(t, err)

	result, err := handle.Dispatch([]string{"0.01"})
	require.NoError(t, err)
	assert.NotNil(t, result)
}

// TestClient_GivesUpWhenServerDies confirms that if the server pconn
// itself dies, Dispatch surfaces failure instead of looping forever.
func TestClient_GivesUpWhenServerDies(t *testing.T) {
	jobServerAddr := freeAddr(t)

	m := jobserver.New(jobserver.Options{})
	m.Start()

	jobServer := acceptor.New([]string{jobServerAddr}, m.HandleConnection)
	require.NoError(t, jobServer.Start())

	reg := module.NewRegistry()
	reg.Register(sleepmod.Name, sleepmod.New())

	d := New(Config{
		JobServerAddrs:    []string{jobServerAddr},
		Hostname:          "client-host",
		DialTimeout:       time.Second,
		WorkerDialTimeout: 50 * time.Millisecond,
		BackoffMin:        5 * time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
	}, reg, sleepmod.Name)
	defer d.Close()

	handle, err := d.RegisterJob([]byte(""))
	require.NoError(t, err)

	// No worker ever connects, so there's no WorkerAssignment coming; kill
	// the whole server out from under the pending job to force the "server
	// pconn died" path rather than waiting indefinitely.
	go func() {
		time.Sleep(50 * time.Millisecond)
		jobServer.Shutdown()
		m.Shutdown()
	}()

	_, err = handle.Dispatch([]string{"0.01"})
	assert.Error(t, err)
}
