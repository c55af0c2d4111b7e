// Package worker implements the worker role: it advertises compiler
// capabilities to the job server, meters its own available capacity, and
// dispatches incoming compile jobs into the module registry.
package worker

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/smukkama/ccdispatch/internal/acceptor"
	"github.com/smukkama/ccdispatch/internal/module"
	"github.com/smukkama/ccdispatch/internal/wire"
)

// minSendInterval and maxWait bound the advert loop: at most one
// availability send per 100ms, at least one every 10s.
const (
	minSendInterval = 100 * time.Millisecond
	maxWait         = 10 * time.Second
	reconnectDelay  = time.Second
	watchdogPoll    = time.Second
)

// CPUSampler reports per-host idle CPU capacity, expressed as idle
// CPU-cores (e.g. 3.5 on an 8-core host running at 56% average load).
// internal/worker/cpusample.go's gopsutil-backed implementation is the
// production one; tests supply a fake.
type CPUSampler interface {
	IdleCPUs() (float64, error)
}

// Config is everything a worker needs at startup.
type Config struct {
	JobServerAddrs []string
	WorkAddr       string
	LogAddr        string // empty disables the remote-log acceptor
	Hostname       string
	MaxSlots       uint64
	DialTimeout    time.Duration
	// KeepaliveTimeout sets the keep-alive cadence on the advert pconn:
	// markers go out every KeepaliveTimeout/2.5. The job server sets no
	// read deadline of its own. Zero disables keep-alives.
	KeepaliveTimeout time.Duration
}

// Worker is one running worker process's state: its capacity accounting
// and its advert loop. Run blocks until ctx is cancelled.
type Worker struct {
	cfg      Config
	registry *module.Registry
	sampler  CPUSampler

	mu          sync.Mutex
	activeSlots uint64
	cpuIdle     float64

	availWake chan struct{}

	workServer *acceptor.Server
	logServer  *acceptor.Server
}

func New(cfg Config, registry *module.Registry, sampler CPUSampler) *Worker {
	return &Worker{
		cfg:       cfg,
		registry:  registry,
		sampler:   sampler,
		availWake: make(chan struct{}, 1),
	}
}

// Run starts the work acceptor (and log acceptor, if configured), begins
// CPU sampling, and runs the advert-loop reconnect cycle until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.workServer = acceptor.New([]string{w.cfg.WorkAddr}, w.handleWork)
	if err := w.workServer.Start(); err != nil {
		return err
	}
	defer w.workServer.Shutdown()

	if w.cfg.LogAddr != "" {
		w.logServer = acceptor.New([]string{w.cfg.LogAddr}, w.handleLogConn)
		if err := w.logServer.Start(); err != nil {
			return err
		}
		defer w.logServer.Shutdown()
	}

	go w.sampleLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		w.advertCycle(ctx)
	}
}

// handleWork is the accept handler for incoming jobs: reject at
// capacity, otherwise dispatch into the module registry.
func (w *Worker) handleWork(conn net.Conn, connID string) {
	pc, err := wire.Accept(conn)
	if err != nil {
		log.Printf("worker[%s]: handshake: %v", connID, err)
		return
	}

	w.mu.Lock()
	if w.activeSlots >= w.cfg.MaxSlots {
		w.mu.Unlock()
		pc.Nuke()
		return
	}
	w.activeSlots++
	w.mu.Unlock()
	w.wakeAvail()

	defer func() {
		w.mu.Lock()
		w.activeSlots--
		w.mu.Unlock()
		w.wakeAvail()
	}()

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

	mod, subkey, err := w.registry.Dispatch(wire.Key(keyFrame))
	if err != nil {
		log.Printf("worker[%s]: %v", connID, err)
		pc.Nuke()
		return
	}
	if err := mod.JobWorker(pc, hostname, subkey); err != nil {
		log.Printf("worker[%s]: job failed: %v", connID, err)
	}
	pc.Nuke()
}

func (w *Worker) wakeAvail() {
	select {
	case w.availWake <- struct{}{}:
	default:
	}
}

func (w *Worker) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle, err := w.sampler.IdleCPUs()
			if err != nil {
				log.Printf("worker: CPU sample: %v", err)
				continue
			}
			w.mu.Lock()
			w.cpuIdle = idle
			w.mu.Unlock()
			w.wakeAvail()
		}
	}
}

// availSlots computes reported availability:
// min(max_slots - active_slots, cpu_idle), rounded up to max_slots when
// within 1 of it so a nearly idle host never under-advertises.
func (w *Worker) availSlots() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	headroom := float64(w.cfg.MaxSlots) - float64(w.activeSlots)
	avail := headroom
	if w.cpuIdle < avail {
		avail = w.cpuIdle
	}
	if avail < 0 {
		avail = 0
	}
	if float64(w.cfg.MaxSlots)-avail <= 1 {
		avail = float64(w.cfg.MaxSlots)
	}
	return avail
}
