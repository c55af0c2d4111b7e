// Package sleepmod implements the trivial sleep-for-N-seconds module:
// the smallest module that exercises the full fabric without needing a
// real compiler.
package sleepmod

import (
	"fmt"
	"strconv"
	"time"

	"github.com/smukkama/ccdispatch/internal/module"
	"github.com/smukkama/ccdispatch/internal/wire"
)

// Name is the module's registration name; its one key is "sleep|" since
// it has exactly one subkey, the empty string.
const Name = "sleep"

type Module struct{}

func New() Module { return Module{} }

func (Module) GetSubkeys() [][]byte {
	return [][]byte{[]byte("")}
}

func (Module) Shim(iface module.ShimInterface, args []string) error {
	job, err := iface.RegisterJob([]byte(""))
	if err != nil {
		return fmt.Errorf("sleepmod: register job: %w", err)
	}
	result, err := job.Dispatch(args)
	if err != nil {
		return fmt.Errorf("sleepmod: dispatch: %w", err)
	}
	if result == nil {
		return fmt.Errorf("sleepmod: dispatch never succeeded")
	}
	return nil
}

func (Module) JobClient(pconn *wire.PacketConn, subkey []byte, args []string) ([]byte, error) {
	delay, err := parseDelay(args)
	if err != nil {
		return nil, err
	}
	if err := pconn.SendFloat64(delay); err != nil {
		return nil, nil
	}
	ok, err := pconn.RecvBool()
	if err != nil || !ok {
		return nil, nil
	}
	return []byte("done"), nil
}

func (Module) JobWorker(pconn *wire.PacketConn, workerHostname string, subkey []byte) error {
	delay, err := pconn.RecvFloat64()
	if err != nil {
		return fmt.Errorf("sleepmod: recv delay: %w", err)
	}
	time.Sleep(time.Duration(delay * float64(time.Second)))
	return pconn.SendBool(true)
}

func parseDelay(args []string) (float64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("sleepmod: expected a delay-in-seconds argument")
	}
	d, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("sleepmod: bad delay %q: %w", args[0], err)
	}
	return d, nil
}
