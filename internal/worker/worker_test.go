package worker

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/smukkama/ccdispatch/internal/module"
	"github.com/smukkama/ccdispatch/internal/modules/sleepmod"
	"github.com/smukkama/ccdispatch/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct{ idle float64 }

func (f fakeSampler) IdleCPUs() (float64, error) { return f.idle, nil }

func newTestWorker(t *testing.T, maxSlots uint64) (*Worker, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	reg := module.NewRegistry()
	reg.Register(sleepmod.Name, sleepmod.New())

	w := New(Config{
		WorkAddr: addr,
		Hostname: "test-worker",
		MaxSlots: maxSlots,
	}, reg, fakeSampler{idle: float64(maxSlots)})

	w.workServer = nil
	return w, addr
}

func TestWorker_AvailSlots_RoundsUpWhenNearMax(t *testing.T) {
	w, _ := newTestWorker(t, 4)
	w.cpuIdle = 4
	assert.Equal(t, float64(4), w.availSlots())

	w.activeSlots = 1
	w.cpuIdle = 4
	// headroom = 3, within 1 of max_slots(4) -> rounds up to 4.
	assert.Equal(t, float64(4), w.availSlots())

	w.activeSlots = 2
	w.cpuIdle = 4
	// headroom = 2, not within 1 of 4 -> stays at 2.
	assert.Equal(t, float64(2), w.availSlots())
}

func TestWorker_AvailSlots_BlendsCPUIdle(t *testing.T) {
	w, _ := newTestWorker(t, 8)
	w.activeSlots = 0
	w.cpuIdle = 1.5
	assert.Equal(t, 1.5, w.availSlots())
}

func TestWorker_HandleWork_RejectsAtCapacity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	reg := module.NewRegistry()
	reg.Register(sleepmod.Name, sleepmod.New())
	w := New(Config{WorkAddr: addr, Hostname: "h", MaxSlots: 1}, reg, fakeSampler{idle: 1})
	w.activeSlots = 1 // already at capacity

	clientRaw, serverRaw := net.Pipe()
	go w.handleWork(serverRaw, "test")

	pc, err := wire.Dial(clientRaw)
	require.NoError(t, err)
	defer pc.Nuke()

	_, err = pc.Recv()
	assert.Error(t, err, "expected the connection to be abortively closed at capacity")
}

func TestWorker_HandleWork_DispatchesToModule(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	reg := module.NewRegistry()
	reg.Register(sleepmod.Name, sleepmod.New())
	w := New(Config{WorkAddr: addr, Hostname: "h", MaxSlots: 2}, reg, fakeSampler{idle: 2})

	clientRaw, serverRaw := net.Pipe()
	go w.handleWork(serverRaw, "test")

	pc, err := wire.Dial(clientRaw)
	require.NoError(t, err)
	require.NoError(t, pc.SendString("client-host"))
	require.NoError(t, pc.Send(wire.MakeKey(sleepmod.Name, []byte(""))))
	require.NoError(t, pc.SendFloat64(0.01))

	ok, err := pc.RecvBool()
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(10 * time.Millisecond)
}
