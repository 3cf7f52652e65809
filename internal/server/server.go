// Package server implements the UChat communication core: a TLS listener
// accepting line-framed JSON connections, a per-connection handler with a
// single-writer outbound queue, a command dispatcher over the persistence
// interface, and broadcast fan-out through the connection registry.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/vldKasatonov/UChat-sub000/internal/store"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// Config carries the server's transport settings. RequestTimeout bounds
// persistence calls per request; WriteTimeout bounds each outbound line.
type Config struct {
	Addr           string
	TLS            *tls.Config
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
}

// Server accepts connections in an unbounded loop and serves each one
// concurrently. Handlers share only the registry and the store.
type Server struct {
	addr         string
	tlsConf      *tls.Config
	registry     *Registry
	dispatcher   *Dispatcher
	writeTimeout time.Duration

	lnMu     sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	handlers map[*connHandler]bool
}

// New creates a server backed by the given store.
func New(cfg Config, st store.Store) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:         cfg.Addr,
		tlsConf:      cfg.TLS,
		registry:     reg,
		dispatcher:   NewDispatcher(st, reg, cfg.RequestTimeout),
		writeTimeout: cfg.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		quit:         make(chan struct{}),
		handlers:     make(map[*connHandler]bool),
	}
}

// Start listens and accepts until Stop is called.
func (s *Server) Start() error {
	listener, err := tls.Listen("tcp", s.addr, s.tlsConf)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.lnMu.Lock()
	s.listener = listener
	s.lnMu.Unlock()

	// Stop may have run before the listener was bound
	select {
	case <-s.quit:
		listener.Close()
		return nil
	default:
	}

	log.Printf("server started on %s", listener.Addr().String())

	for {
		select {
		case <-s.quit:
			return nil
		default:
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.quit:
					return nil
				default:
					log.Printf("failed to accept connection: %v", err)
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConn(conn)
		}
	}
}

// Stop closes the listener and every live connection, then waits for all
// handlers to finish. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.cancel()
		s.lnMu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.lnMu.Unlock()

		s.mu.Lock()
		for h := range s.handlers {
			h.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// Addr returns the listening address, or "" before Start has bound one.
func (s *Server) Addr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Registry exposes the connection registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// handleConn drives one connection through handshake, framing detection and
// serving. A handshake failure closes the connection with no registry
// effect.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(s.ctx); err != nil {
			log.Printf("tls handshake with %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			return
		}
	}

	reader := bufio.NewReader(conn)
	var lc lineConn
	if detectWebSocket(reader) {
		wsc, err := upgradeWebSocket(conn, reader, s.writeTimeout)
		if err != nil {
			log.Printf("websocket upgrade with %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			return
		}
		lc = wsc
	} else {
		lc = newTCPLineConn(conn, reader, s.writeTimeout)
	}

	h := newConnHandler(lc, s.registry, s.dispatcher)
	s.mu.Lock()
	s.handlers[h] = true
	s.mu.Unlock()

	log.Printf("conn %s: accepted from %s", h.id, lc.RemoteAddr())
	h.run(s.ctx)

	s.mu.Lock()
	delete(s.handlers, h)
	s.mu.Unlock()
}
