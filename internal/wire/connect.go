package wire

import (
	"context"
	"fmt"
	"net"
	"time"
)

// connectResult is one dial goroutine's outcome.
type connectResult struct {
	conn net.Conn
	err  error
	addr Address
}

// ConnectAny races a dial against every address, returning the first
// successful connection and abandoning the rest: one goroutine per
// address racing against a shared context, the winner cancels its
// siblings.
func ConnectAny(ctx context.Context, addrs []Address, perAttemptTimeout time.Duration) (net.Conn, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("wire: connect_any: no addresses given")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan connectResult, len(addrs))
	dialer := net.Dialer{}

	for _, a := range addrs {
		a := a
		go func() {
			attemptCtx := ctx
			var attemptCancel context.CancelFunc
			if perAttemptTimeout > 0 {
				attemptCtx, attemptCancel = context.WithTimeout(ctx, perAttemptTimeout)
				defer attemptCancel()
			}
			conn, err := dialer.DialContext(attemptCtx, "tcp", net.JoinHostPort(a.Host, portStr(a.Port)))
			results <- connectResult{conn: conn, err: err, addr: a}
		}()
	}

	var firstErr error
	for i := 0; i < len(addrs); i++ {
		r := <-results
		if r.err == nil {
			cancel()
			go drainLosers(results, len(addrs)-i-1)
			return r.conn, nil
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("connect to %s: %w", r.addr, r.err)
		}
	}
	return nil, fmt.Errorf("wire: connect_any: all %d addresses failed: %w", len(addrs), firstErr)
}

// drainLosers closes any connections that manage to complete after a
// winner has already been picked, so dial goroutines never leak.
func drainLosers(results chan connectResult, n int) {
	for i := 0; i < n; i++ {
		r := <-results
		if r.conn != nil {
			r.conn.Close()
		}
	}
}

func portStr(p uint16) string {
	return fmt.Sprintf("%d", p)
}
