// Package client implements the UChat client session: a connect/reconnect
// driver, a receive loop that matches responses to pending calls and raises
// pushes as events, and silent re-authentication after transport loss.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vldKasatonov/UChat-sub000/pkg/protocol"
)

var (
	// ErrNotConnected is returned by Call while no transport is attached.
	ErrNotConnected = errors.New("not connected to server")
	// ErrDisconnected fails a pending call whose connection died before the
	// response arrived.
	ErrDisconnected = errors.New("connection lost")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// EventKind classifies session notifications.
type EventKind int

const (
	// EventConnected fires once, when the first connection is established.
	EventConnected EventKind = iota
	// EventDisconnected fires when the transport is lost.
	EventDisconnected
	// EventReconnected fires after a silent re-authentication succeeded.
	EventReconnected
	// EventShutdown fires exactly once when the session cannot resume; the
	// application must fall back to manual login.
	EventShutdown
	// EventPush carries an unsolicited broadcast from the server.
	EventPush
)

// Event is what the session raises to the surrounding application.
type Event struct {
	Kind EventKind
	Push *protocol.Response
}

// Config configures a session. TLS must carry a trust anchor for the server
// certificate; the session never skips verification.
type Config struct {
	Addr        string
	TLS         *tls.Config
	DialTimeout time.Duration
	// RetryDelay is the fixed wait between connect attempts; the session
	// retries indefinitely.
	RetryDelay time.Duration
	// ResumeTimeout bounds the automatic Reconnect call.
	ResumeTimeout time.Duration
}

type callResult struct {
	resp protocol.Response
	err  error
}

// liveConn is one attached transport. Its receive loop closes dead on exit.
type liveConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	once    sync.Once
	dead    chan struct{}
}

func (lc *liveConn) readLine() ([]byte, error) {
	line, err := lc.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (lc *liveConn) writeLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	_, err := lc.conn.Write(buf)
	return err
}

func (lc *liveConn) close() {
	lc.once.Do(func() { lc.conn.Close() })
}

// Session owns the transport and exposes synchronous calls plus an event
// stream. At most one Call should be in flight per caller; the envelope's
// correlation id keeps concurrent callers and pushes untangled regardless.
type Session struct {
	cfg    Config
	events chan Event
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
	nextID atomic.Uint64

	mu       sync.Mutex
	conn     *liveConn
	pending  map[uint64]chan callResult
	userID   int64
	username string
	authed   bool
}

// NewSession creates a session; Start begins connecting.
func NewSession(cfg Config) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = 10 * time.Second
	}
	return &Session{
		cfg:     cfg,
		events:  make(chan Event, 8),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan callResult),
	}
}

// Start launches the connect/reconnect driver.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.run()
}

// Events returns the session's notification stream. The application must
// drain it.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Identity returns the retained identity, if any.
func (s *Session) Identity() (userID int64, username string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.username, s.authed
}

// IsConnected reports whether a transport is currently attached.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close shuts the session down and waits for its goroutines.
func (s *Session) Close() {
	s.closed.Do(func() {
		close(s.done)
		s.mu.Lock()
		lc := s.conn
		s.mu.Unlock()
		if lc != nil {
			lc.close()
		}
	})
	s.wg.Wait()
}

// Call sends one request and suspends the caller until the matching
// response arrives or the transport dies. Login/Register responses update
// the retained identity used for silent reconnection.
func (s *Session) Call(ctx context.Context, ct protocol.CommandType, payload any) (protocol.Response, error) {
	req, err := protocol.NewRequest(s.nextID.Add(1), ct, payload)
	if err != nil {
		return protocol.Response{}, err
	}
	line, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}

	s.mu.Lock()
	lc := s.conn
	if lc == nil {
		s.mu.Unlock()
		return protocol.Response{}, ErrNotConnected
	}
	ch := make(chan callResult, 1)
	s.pending[req.ID] = ch
	s.mu.Unlock()

	if err := lc.writeLine(line); err != nil {
		s.dropPending(req.ID)
		lc.close()
		return protocol.Response{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		s.dropPending(req.ID)
		return protocol.Response{}, ctx.Err()
	case <-s.done:
		s.dropPending(req.ID)
		return protocol.Response{}, ErrClosed
	case res := <-ch:
		if res.err != nil {
			return protocol.Response{}, res.err
		}
		s.captureIdentity(ct, res.resp)
		return res.resp, nil
	}
}

// run is the connect/reconnect driver: the only path into the connected
// state. After a drop it reconnects and silently resumes the retained
// identity; when that is impossible it raises Shutdown exactly once.
func (s *Session) run() {
	defer s.wg.Done()

	first := true
	for {
		lc := s.connect()
		if lc == nil {
			return // session closed
		}

		if first {
			first = false
			s.emit(Event{Kind: EventConnected})
		} else {
			if !s.resume() {
				lc.close()
				s.emit(Event{Kind: EventShutdown})
				return
			}
			s.emit(Event{Kind: EventReconnected})
		}

		select {
		case <-lc.dead:
		case <-s.done:
			return
		}
		s.emit(Event{Kind: EventDisconnected})
	}
}

// connect dials until a transport is attached, waiting a fixed delay
// between attempts. Returns nil only when the session is closed.
func (s *Session) connect() *liveConn {
	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout}
	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		conn, err := tls.DialWithDialer(dialer, "tcp", s.cfg.Addr, s.cfg.TLS)
		if err != nil {
			log.Printf("connect to %s: %v", s.cfg.Addr, err)
			select {
			case <-s.done:
				return nil
			case <-time.After(s.cfg.RetryDelay):
				continue
			}
		}

		lc := &liveConn{conn: conn, reader: bufio.NewReader(conn), dead: make(chan struct{})}
		s.mu.Lock()
		s.conn = lc
		s.mu.Unlock()

		s.wg.Add(1)
		go s.receiveLoop(lc)
		return lc
	}
}

// resume re-establishes identity after a drop. No identity means nothing to
// resume.
func (s *Session) resume() bool {
	s.mu.Lock()
	userID, username, authed := s.userID, s.username, s.authed
	s.mu.Unlock()
	if !authed {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResumeTimeout)
	defer cancel()

	resp, err := s.Call(ctx, protocol.CommandReconnect,
		protocol.ReconnectPayload{UserID: userID, Username: username})
	if err != nil {
		log.Printf("reconnect call: %v", err)
		return false
	}
	return resp.Status == protocol.StatusSuccess
}

// receiveLoop reads lines until the transport dies, fulfilling pending
// calls by correlation id and raising everything else as pushes. On exit it
// detaches the transport and fails all pending calls.
func (s *Session) receiveLoop(lc *liveConn) {
	defer s.wg.Done()
	defer func() {
		lc.close()
		s.mu.Lock()
		if s.conn == lc {
			s.conn = nil
		}
		pend := s.pending
		s.pending = make(map[uint64]chan callResult)
		s.mu.Unlock()
		for _, ch := range pend {
			ch <- callResult{err: ErrDisconnected}
		}
		close(lc.dead)
	}()

	for {
		line, err := lc.readLine()
		if err != nil {
			return
		}
		if protocol.IsBlank(line) {
			continue
		}

		resp, err := protocol.DecodeResponse(line)
		if err != nil {
			log.Printf("receive: %v", err)
			continue
		}

		if ch := s.takePending(resp.ID); ch != nil {
			ch <- callResult{resp: resp}
			continue
		}

		push := resp
		s.emit(Event{Kind: EventPush, Push: &push})
	}
}

// captureIdentity retains identity from Login/Register responses for silent
// reconnection, and clears any stale identity on failure.
func (s *Session) captureIdentity(ct protocol.CommandType, resp protocol.Response) {
	if ct != protocol.CommandLogin && ct != protocol.CommandRegister {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.Status != protocol.StatusSuccess {
		s.authed = false
		s.userID = 0
		s.username = ""
		return
	}

	var p protocol.AuthPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		log.Printf("decode auth payload: %v", err)
		return
	}
	s.userID = p.UserID
	s.username = p.Username
	s.authed = true
}

func (s *Session) takePending(id uint64) chan callResult {
	if id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.pending[id]
	delete(s.pending, id)
	return ch
}

func (s *Session) dropPending(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}
