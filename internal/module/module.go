// Package module defines the pluggable job contract the fabric dispatches
// against, and a static registry of named modules.
package module

import (
	"fmt"
	"sync"

	"github.com/smukkama/ccdispatch/internal/wire"
)

// JobHandle represents one registered job on the client side; Dispatch
// runs request-worker/connect/run attempts against the fabric until one
// yields the module's result, and returns an error if the job server
// connection dies first.
type JobHandle interface {
	Dispatch(args []string) ([]byte, error)
}

// ShimInterface is handed to Module.Shim so client-side module code never
// has to know about the dispatch loop, job-server address, or retry
// policy directly.
type ShimInterface interface {
	RegisterJob(subkey []byte) (JobHandle, error)
}

// Module is the four-operation contract the fabric dispatches against.
// The fabric never inspects frames a module sends over pconn after the
// initial hostname/key handshake; each module owns its own sub-protocol.
type Module interface {
	// GetSubkeys reports the capabilities (e.g. detected compiler
	// fingerprints) this host can service for this module.
	GetSubkeys() [][]byte

	// Shim runs on the client side, driving one or more dispatches
	// through iface on behalf of a command-line invocation.
	Shim(iface ShimInterface, args []string) error

	// JobClient is the client-worker protocol for one job. A nil result
	// with a nil error means the attempt failed and the caller should
	// retry against a fresh assignment.
	JobClient(pconn *wire.PacketConn, subkey []byte, args []string) ([]byte, error)

	// JobWorker is the worker-side handler for one dispatched job.
	JobWorker(pconn *wire.PacketConn, workerHostname string, subkey []byte) error
}

// Registry maps module names to their implementations. Populated once at
// startup by cmd/worker and cmd/ccshim; read concurrently thereafter, so
// a RWMutex protects it even though in practice nothing mutates it after
// boot.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

func (r *Registry) Register(name string, m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = m
}

func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Keys returns every wire.Key this registry can service, built by
// combining each module's name with every subkey it reports.
func (r *Registry) Keys() []wire.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []wire.Key
	for name, m := range r.modules {
		for _, subkey := range m.GetSubkeys() {
			keys = append(keys, wire.MakeKey(name, subkey))
		}
	}
	return keys
}

// Dispatch resolves a Key to its module and subkey, erroring if the
// module name isn't registered.
func (r *Registry) Dispatch(key wire.Key) (Module, []byte, error) {
	modName, subkey, ok := key.Split()
	if !ok {
		return nil, nil, fmt.Errorf("module: key %q has no '|' separator", key)
	}
	m, ok := r.Get(modName)
	if !ok {
		return nil, nil, fmt.Errorf("module: no module registered for %q", modName)
	}
	return m, subkey, nil
}
