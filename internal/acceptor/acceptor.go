// Package acceptor implements the fabric's multiplexed listener: binds a
// configured set of endpoints, re-resolves them periodically to pick up
// newly available addresses, and hands every accepted connection to a
// caller-supplied handler on its own goroutine.
package acceptor

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes one accepted connection. It owns conn's lifecycle;
// the acceptor closes a handed-off connection itself only when the
// handler panics.
type Handler func(conn net.Conn, connID string)

// resolveInterval is how often the endpoint set is re-resolved; hosts
// with DHCP-assigned addresses come and go, and a slow poll is cheaper
// than subscribing to kernel events.
const resolveInterval = time.Second

// Server binds a set of TCP endpoints (host:port strings, any of which
// may resolve to multiple addresses) and accepts on all of them
// concurrently.
type Server struct {
	endpoints []string
	handler   Handler

	mu        sync.Mutex
	listeners map[string]net.Listener // resolved "host:port" -> bound listener
	alive     bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(endpoints []string, handler Handler) *Server {
	return &Server{
		endpoints: endpoints,
		handler:   handler,
		listeners: make(map[string]net.Listener),
	}
}

// Start binds whatever is currently resolvable and begins the periodic
// re-resolve loop. It returns once the first resolution pass completes so
// callers can rely on at least one listener being up (or an error if none
// could be bound at all).
func (s *Server) Start() error {
	s.mu.Lock()
	s.alive = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.resolveAndBind(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.resolveLoop()
	return nil
}

func (s *Server) resolveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(resolveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.resolveAndBind(); err != nil {
				log.Printf("acceptor: re-resolve: %v", err)
			}
		}
	}
}

// resolveAndBind binds any endpoint not already bound. Already-bound
// listeners are left untouched; rebind never happens mid-life.
func (s *Server) resolveAndBind() error {
	var firstErr error
	boundAny := false

	for _, endpoint := range s.endpoints {
		host, port, err := net.SplitHostPort(endpoint)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("acceptor: bad endpoint %q: %w", endpoint, err)
			}
			continue
		}

		addrs, err := net.LookupHost(host)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("acceptor: resolve %q: %w", host, err)
			}
			continue
		}

		for _, addr := range addrs {
			key := net.JoinHostPort(addr, port)

			s.mu.Lock()
			_, already := s.listeners[key]
			dead := !s.alive
			s.mu.Unlock()
			if already || dead {
				continue
			}

			ln, err := net.Listen("tcp", key)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("acceptor: listen on %s: %w", key, err)
				}
				continue
			}

			s.mu.Lock()
			s.listeners[key] = ln
			s.mu.Unlock()

			s.wg.Add(1)
			go s.acceptLoop(ln)
			boundAny = true
		}
	}

	if !boundAny && firstErr != nil {
		return firstErr
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			alive := s.alive
			s.mu.Unlock()
			if !alive {
				return
			}
			log.Printf("acceptor: accept on %s: %v", ln.Addr(), err)
			return
		}

		connID := uuid.New().String()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.recoverHandler(conn, connID)
			s.handler(conn, connID)
		}()
	}
}

func (s *Server) recoverHandler(conn net.Conn, connID string) {
	if r := recover(); r != nil {
		log.Printf("acceptor: handler for %s panicked: %v", connID, r)
		conn.Close()
	}
}

// Shutdown marks the server dead, closes every bound listener (causing
// every accept loop to exit), and waits for all accept loops and
// already-dispatched connection handlers to return.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.alive = false
	close(s.stopCh)
	listeners := make([]net.Listener, 0, len(s.listeners))
	for _, ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	s.wg.Wait()
}
