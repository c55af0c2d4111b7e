// Package discovery wraps mDNS advertise/resolve for the job server:
// the default service is `job_server._pydra._tcp.local.`. cmd/jobserver
// calls Advertise optionally; cmd/ccshim calls Discover optionally,
// falling back to the configured JOB_SERVER_ADDR when discovery is
// disabled or fails.
package discovery

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/smukkama/ccdispatch/internal/wire"
)

const instanceName = "job_server"

// Advertiser publishes the job server's presence over mDNS.
type Advertiser struct {
	serviceName string
	domain      string
}

func NewAdvertiser(serviceName, domain string) *Advertiser {
	if serviceName == "" {
		serviceName = "_pydra._tcp"
	}
	if domain == "" {
		domain = "local."
	}
	return &Advertiser{serviceName: serviceName, domain: domain}
}

// Advertise registers the job server on the local network. The returned
// io.Closer unregisters it; callers defer Close on shutdown.
func (a *Advertiser) Advertise(port uint16) (io.Closer, error) {
	server, err := zeroconf.Register(instanceName, a.serviceName, a.domain, int(port), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s%s: %w", instanceName, a.serviceName, err)
	}
	return closerFunc(server.Shutdown), nil
}

// closerFunc adapts zeroconf.Server.Shutdown (no return value) to
// io.Closer.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// Resolver discovers a job server over mDNS.
type Resolver struct {
	serviceName string
	domain      string
}

func NewResolver(serviceName, domain string) *Resolver {
	if serviceName == "" {
		serviceName = "_pydra._tcp"
	}
	if domain == "" {
		domain = "local."
	}
	return &Resolver{serviceName: serviceName, domain: domain}
}

// Discover browses for the first job server advertised on the local
// network within timeout, returning its dialable address.
func (r *Resolver) Discover(ctx context.Context, timeout time.Duration) (wire.Address, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return wire.Address{}, fmt.Errorf("discovery: new resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Browse(ctx, r.serviceName, r.domain, entries); err != nil {
		return wire.Address{}, fmt.Errorf("discovery: browse: %w", err)
	}

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return wire.Address{}, fmt.Errorf("discovery: no job server found within %s", timeout)
		}
		host := entry.HostName
		if len(entry.AddrIPv4) > 0 {
			host = entry.AddrIPv4[0].String()
		}
		return wire.Address{Host: host, Port: uint16(entry.Port)}, nil
	case <-ctx.Done():
		return wire.Address{}, fmt.Errorf("discovery: %w", ctx.Err())
	}
}
