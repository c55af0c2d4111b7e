package jobserver

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// Options configures a Matchmaker. Every field is optional; a zero-value
// Options produces a fully functional matchmaker with no ambient
// observability wiring.
type Options struct {
	// KarmaWeightingEnabled surfaces the otherwise-dormant karma
	// accumulator as a multiplier on worker selection weight. Off by
	// default; selection then ignores karma entirely.
	KarmaWeightingEnabled bool

	KarmaMirror    KarmaMirror
	StatsPublisher StatsPublisher
	AuditSink      AuditSink
	OpsAlert       OpsAlert

	// OnFatal is called, if set, with the matchmaker loop's panic value
	// wrapped as an error, before the process exits.
	OnFatal func(err error)
}

// Matchmaker is the job server's matchmaking state machine: per-key job
// queue, per-key available-worker set, and the loop that pairs them.
// Every field below is guarded by mu/cond except where noted. No code
// in this package performs blocking I/O while holding mu, except the
// assignment send in match.go.
type Matchmaker struct {
	mu   sync.Mutex
	cond *sync.Cond

	jobQueueByKey         map[string][]*job
	availableWorkersByKey map[string][]*worker
	connectedWorkers      map[uint64]*worker
	connectedWorkersByKey map[string]map[uint64]*worker
	karmaByHostname       map[string]float64

	nextJobID    uint64
	nextWorkerID uint64

	rng *rand.Rand

	opts Options

	statsMu    sync.Mutex
	statsCond  *sync.Cond
	statsDirty bool

	stopCh  chan struct{}
	stopped bool
}

func New(opts Options) *Matchmaker {
	m := &Matchmaker{
		jobQueueByKey:         make(map[string][]*job),
		availableWorkersByKey: make(map[string][]*worker),
		connectedWorkers:      make(map[uint64]*worker),
		connectedWorkersByKey: make(map[string]map[uint64]*worker),
		karmaByHostname:       make(map[string]float64),
		rng:                   rand.New(rand.NewSource(time.Now().UnixNano())),
		opts:                  opts,
		stopCh:                make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	m.statsCond = sync.NewCond(&m.statsMu)
	return m
}

// Start launches the matchmaker loop and the stats reporter as
// background goroutines. HandleConnection may be used as soon as Start
// returns.
func (m *Matchmaker) Start() {
	go m.runMatchmakerLoopGuarded()
	go m.runStatsReporter()
}

// Shutdown stops the matchmaker loop and stats reporter.
func (m *Matchmaker) Shutdown() {
	m.mu.Lock()
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()

	close(m.stopCh)

	m.statsMu.Lock()
	m.statsCond.Broadcast()
	m.statsMu.Unlock()
}

// runMatchmakerLoopGuarded wraps the matchmaker loop with the fatal
// policy: if the loop itself panics, the matchmaker is the single point
// of correctness for the whole server, so the process terminates rather
// than continue in a possibly-inconsistent state.
func (m *Matchmaker) runMatchmakerLoopGuarded() {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("matchmaker loop panicked: %v", r)
			log.Printf("jobserver: FATAL: %v", err)
			if m.opts.OpsAlert != nil {
				m.opts.OpsAlert.Fatal(err)
			}
			if m.opts.OnFatal != nil {
				m.opts.OnFatal(err)
			}
			panic(r)
		}
	}()
	m.matchmakerLoop()
}
