package worker

import (
	"context"
	"log"
	"time"

	"github.com/smukkama/ccdispatch/internal/wire"
)

// advertCycle is one iteration of the advert loop: connect, advertise,
// spawn watchdogs, run the availability loop until the connection dies,
// then return so Run's caller retries.
func (w *Worker) advertCycle(ctx context.Context) {
	addrs, err := wire.ParseAddrs(w.cfg.JobServerAddrs)
	if err != nil {
		log.Printf("worker: bad job server address config: %v", err)
		time.Sleep(reconnectDelay)
		return
	}

	conn, err := wire.ConnectAny(ctx, addrs, w.cfg.DialTimeout)
	if err != nil {
		log.Printf("worker: connect to job server: %v", err)
		time.Sleep(reconnectDelay)
		return
	}

	pc, err := wire.Dial(conn)
	if err != nil {
		log.Printf("worker: handshake with job server: %v", err)
		conn.Close()
		time.Sleep(reconnectDelay)
		return
	}

	if w.cfg.KeepaliveTimeout > 0 {
		pc.SetKeepalive(true, w.cfg.KeepaliveTimeout)
	}

	if err := pc.Send([]byte("worker")); err != nil {
		pc.Nuke()
		return
	}

	workAddr, err := wire.ParseAddr(w.cfg.WorkAddr)
	if err != nil {
		log.Printf("worker: bad work address config: %v", err)
		pc.Nuke()
		time.Sleep(reconnectDelay)
		return
	}

	advert := wire.WorkerAdvert{
		Hostname: w.cfg.Hostname,
		Keys:     w.registry.Keys(),
		Addrs:    []wire.Address{workAddr},
		MaxSlots: w.cfg.MaxSlots,
	}
	if err := pc.Send(advert.Encode()); err != nil {
		pc.Nuke()
		return
	}

	deathCh := make(chan struct{})
	changeCh := make(chan struct{})
	watchdogCtx, cancelWatchdogs := context.WithCancel(ctx)
	defer cancelWatchdogs()

	go w.watchdogRecv(pc, deathCh)
	go w.watchdogCapabilityChange(watchdogCtx, advert, changeCh)

	w.availabilityLoop(ctx, pc, deathCh, changeCh)
	pc.Nuke()
}

// watchdogRecv blocks on recv; the job server never sends the worker
// anything, so any return, error or not, means the connection died or
// the server deliberately closed it.
func (w *Worker) watchdogRecv(pc *wire.PacketConn, deathCh chan struct{}) {
	pc.Recv()
	close(deathCh)
}

// watchdogCapabilityChange polls the module set's keys once a second and
// signals changeCh if they differ from what was last advertised, forcing
// a fresh advert cycle with the new capability set. The advertised
// address is not re-checked; it comes from Config.WorkAddr.
func (w *Worker) watchdogCapabilityChange(ctx context.Context, original wire.WorkerAdvert, changeCh chan struct{}) {
	ticker := time.NewTicker(watchdogPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := w.registry.Keys()
			if !sameKeySet(original.Keys, current) {
				close(changeCh)
				return
			}
		}
	}
}

func sameKeySet(a, b []wire.Key) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, k := range a {
		seen[k.String()] = true
	}
	for _, k := range b {
		if !seen[k.String()] {
			return false
		}
	}
	return true
}

// availabilityLoop sends one f64 of current availability on each wake,
// honoring the 100ms minimum interval and 10s maximum wait.
func (w *Worker) availabilityLoop(ctx context.Context, pc *wire.PacketConn, deathCh, changeCh chan struct{}) {
	var lastSend time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-deathCh:
			return
		case <-changeCh:
			return
		case <-w.availWake:
		case <-time.After(maxWait):
		}

		if since := time.Since(lastSend); since < minSendInterval {
			time.Sleep(minSendInterval - since)
		}

		if err := pc.SendFloat64(w.availSlots()); err != nil {
			return
		}
		lastSend = time.Now()
	}
}
