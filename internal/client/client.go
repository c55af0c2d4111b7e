// Package client implements the one-shot dispatch loop a module's Shim
// runs on behalf of a command-line invocation: register a job with the
// job server, then retry request_worker/connect/run cycles until a
// module produces a result or the job server connection itself dies.
package client

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/smukkama/ccdispatch/internal/module"
	"github.com/smukkama/ccdispatch/internal/timer"
	"github.com/smukkama/ccdispatch/internal/wire"
)

const (
	cmdRequestWorker = "request_worker"
	cmdFailed        = "failed"
)

// Config is everything a dispatch needs to reach the job server and a
// worker, plus the backoff envelope between failed attempts.
type Config struct {
	JobServerAddrs    []string
	Hostname          string
	DialTimeout       time.Duration
	WorkerDialTimeout time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	// KeepaliveTimeout sets the keep-alive cadence on the server pconn:
	// markers go out every KeepaliveTimeout/2.5 while a dispatch waits on
	// an assignment. The job server sets no read deadline of its own.
	// Zero disables keep-alives.
	KeepaliveTimeout time.Duration
	// WorkerLogPort, if nonzero, is the fixed port on which every
	// worker's remote-log acceptor listens; the dispatcher ships
	// best-effort lifecycle lines there once it knows which worker it's
	// talking to. Zero disables remote logging.
	WorkerLogPort uint16
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WorkerDialTimeout == 0 {
		c.WorkerDialTimeout = 2 * time.Second
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = 200 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// Dispatcher is scoped to one module: it knows the module's name (hence
// how to build a wire.Key from a subkey) and implements
// module.ShimInterface so a Module.Shim implementation never has to know
// about addresses, retries, or the wire protocol directly.
type Dispatcher struct {
	cfg      Config
	modName  string
	registry *module.Registry

	sched      *timer.Scheduler
	attemptSeq uint64
}

// New builds a Dispatcher for one module. Call Close when done dispatching.
func New(cfg Config, registry *module.Registry, modName string) *Dispatcher {
	sched := timer.NewScheduler()
	sched.Start()
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		modName:  modName,
		registry: registry,
		sched:    sched,
	}
}

func (d *Dispatcher) Close() {
	d.sched.Stop()
}

// RegisterJob implements module.ShimInterface: it opens a PacketConn to
// the job server and sends the `job` role, hostname, and key, creating a
// registered Job on the server side.
func (d *Dispatcher) RegisterJob(subkey []byte) (module.JobHandle, error) {
	addrs, err := wire.ParseAddrs(d.cfg.JobServerAddrs)
	if err != nil {
		return nil, fmt.Errorf("client: job server addresses: %w", err)
	}

	conn, err := wire.ConnectAny(context.Background(), addrs, d.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: connect to job server: %w", err)
	}
	pc, err := wire.Dial(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: handshake with job server: %w", err)
	}

	if d.cfg.KeepaliveTimeout > 0 {
		pc.SetKeepalive(true, d.cfg.KeepaliveTimeout)
	}

	key := wire.MakeKey(d.modName, subkey)
	if err := pc.Send([]byte("job")); err != nil {
		pc.Nuke()
		return nil, err
	}
	if err := pc.SendString(d.cfg.Hostname); err != nil {
		pc.Nuke()
		return nil, err
	}
	if err := pc.Send([]byte(key)); err != nil {
		pc.Nuke()
		return nil, err
	}

	return &jobHandle{d: d, pc: pc, subkey: subkey, key: key}, nil
}

// jobHandle is one registered Job's dispatch loop.
type jobHandle struct {
	d      *Dispatcher
	pc     *wire.PacketConn
	subkey []byte
	key    wire.Key
}

func (h *jobHandle) Dispatch(args []string) ([]byte, error) {
	defer h.pc.Nuke()

	mod, ok := h.d.registry.Get(h.d.modName)
	if !ok {
		return nil, fmt.Errorf("client: module %q not registered", h.d.modName)
	}

	var logger *RemoteLogger
	defer func() {
		if logger != nil {
			logger.Close()
		}
	}()

	for attempt := 1; ; attempt++ {
		if err := h.pc.Send([]byte(cmdRequestWorker)); err != nil {
			return nil, fmt.Errorf("client: server connection died: %w", err)
		}

		assignFrame, err := h.pc.Recv()
		if err != nil {
			return nil, fmt.Errorf("client: server connection died: %w", err)
		}
		assignment, err := wire.DecodeWorkerAssignment(assignFrame)
		if err != nil {
			return nil, fmt.Errorf("client: decode WorkerAssignment: %w", err)
		}

		result, attemptErr := h.runOneAttempt(assignment, mod, &logger, args)
		if attemptErr != nil {
			log.Printf("client: dispatch attempt %d failed: %v", attempt, attemptErr)
		}
		if result != nil {
			if err := h.pc.SendShutdown(); err != nil {
				log.Printf("client: send_shutdown: %v", err)
			}
			return result, nil
		}

		if err := h.pc.Send([]byte(cmdFailed)); err != nil {
			return nil, fmt.Errorf("client: server connection died: %w", err)
		}
		h.backoff(attempt)
	}
}

// runOneAttempt is the connect_any + module.JobClient portion of one
// dispatch attempt. A nil, nil return means "failed, caller should retry".
func (h *jobHandle) runOneAttempt(assignment wire.WorkerAssignment, mod module.Module, logger **RemoteLogger, args []string) ([]byte, error) {
	workerConn, err := wire.ConnectAny(context.Background(), assignment.Addrs, h.d.cfg.WorkerDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to worker %s: %w", assignment.Hostname, err)
	}
	workerPC, err := wire.Dial(workerConn)
	if err != nil {
		workerConn.Close()
		return nil, fmt.Errorf("handshake with worker %s: %w", assignment.Hostname, err)
	}
	defer workerPC.Nuke()

	if h.d.cfg.WorkerLogPort != 0 && len(assignment.Addrs) > 0 {
		if *logger != nil {
			(*logger).Close()
		}
		*logger = NewRemoteLogger(wire.Address{Host: assignment.Addrs[0].Host, Port: h.d.cfg.WorkerLogPort}, h.d.cfg.WorkerDialTimeout)
		(*logger).Log(fmt.Sprintf("dispatching %s to %s", h.key, assignment.Hostname))
	}

	if err := workerPC.SendString(h.d.cfg.Hostname); err != nil {
		return nil, fmt.Errorf("send hostname to worker: %w", err)
	}
	if err := workerPC.Send([]byte(h.key)); err != nil {
		return nil, fmt.Errorf("send key to worker: %w", err)
	}

	result, err := mod.JobClient(workerPC, h.subkey, args)
	if err != nil {
		return nil, fmt.Errorf("module JobClient: %w", err)
	}
	return result, nil
}

// backoff waits out an exponential (capped) delay between failed
// dispatch attempts, armed on the shared Scheduler, so repeated
// worker-connect failures don't hot-loop request_worker frames at the
// job server.
func (h *jobHandle) backoff(attempt int) {
	delay := h.d.cfg.BackoffMin * time.Duration(uint64(1)<<uint(minInt(attempt-1, 16)))
	if delay > h.d.cfg.BackoffMax {
		delay = h.d.cfg.BackoffMax
	}

	done := make(chan struct{})
	id := fmt.Sprintf("client-backoff-%d", atomic.AddUint64(&h.d.attemptSeq, 1))
	if err := h.d.sched.Schedule(id, time.Now().Add(delay), func() { close(done) }); err != nil {
		time.Sleep(delay)
		return
	}
	<-done
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
