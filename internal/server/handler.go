package server

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/vldKasatonov/UChat-sub000/internal/store"
	"github.com/vldKasatonov/UChat-sub000/pkg/protocol"
)

const outgoingQueueSize = 16

// connHandler serves one accepted connection: a read loop that dispatches
// requests, and a single writer goroutine draining the outbound queue.
// Responses and broadcast pushes both go through that queue, so no two
// writers ever race on the socket.
type connHandler struct {
	id         string
	conn       lineConn
	registry   *Registry
	dispatcher *Dispatcher
	ident      connIdentity

	outgoing  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnHandler(conn lineConn, reg *Registry, d *Dispatcher) *connHandler {
	return &connHandler{
		id:         uuid.NewString(),
		conn:       conn,
		registry:   reg,
		dispatcher: d,
		outgoing:   make(chan []byte, outgoingQueueSize),
		done:       make(chan struct{}),
	}
}

// Send enqueues one encoded line without blocking. It implements Sender for
// broadcast delivery; a full queue means the recipient is too slow and the
// push is dropped.
func (h *connHandler) Send(line []byte) bool {
	select {
	case <-h.done:
		return false
	case h.outgoing <- line:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Safe to call from any goroutine,
// including the registry eviction path.
func (h *connHandler) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.conn.Close()
	})
	return nil
}

// run serves the connection until end-of-input or a transport error, then
// removes the registry entry if one was created.
func (h *connHandler) run(ctx context.Context) {
	h.wg.Add(1)
	go h.writeLoop()

	defer func() {
		if h.ident.Authed {
			h.registry.Unbind(h.ident.UserID, h.ident.Username, h)
		}
		h.Close()
		h.wg.Wait()
		log.Printf("conn %s: closed", h.id)
	}()

	for {
		line, err := h.conn.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosing(h.done) {
				log.Printf("conn %s: read: %v", h.id, err)
			}
			return
		}
		if protocol.IsBlank(line) {
			continue
		}

		req, err := protocol.DecodeRequest(line)
		if err != nil {
			// malformed input answers with a generic error and keeps serving
			log.Printf("conn %s: %v", h.id, err)
			if !h.respond(protocol.NewError(0, "", nil)) {
				return
			}
			continue
		}

		result := h.dispatcher.Dispatch(ctx, h.ident, req)
		if !h.respond(result.resp) {
			return
		}
		if result.auth != nil && !h.ident.Authed {
			h.bindIdentity(*result.auth)
		}
		if result.bcast != nil {
			fanOut(h.registry, result.bcast)
		}
	}
}

// bindIdentity registers the connection on its first successful
// authentication. A superseded connection for the same user is closed:
// last login wins.
func (h *connHandler) bindIdentity(u store.User) {
	h.ident = connIdentity{UserID: u.ID, Username: u.Username, Authed: true}
	if evicted := h.registry.Bind(u.ID, u.Username, h); evicted != nil {
		log.Printf("conn %s: user %d reconnected elsewhere, closing previous connection", h.id, u.ID)
		evicted.Close()
	}
	log.Printf("conn %s: authenticated as %s (%d)", h.id, u.Username, u.ID)
}

// respond enqueues the direct response, blocking until the writer takes it.
// Returns false when the connection is going down.
func (h *connHandler) respond(resp protocol.Response) bool {
	line, err := protocol.EncodeResponse(resp)
	if err != nil {
		log.Printf("conn %s: encode response: %v", h.id, err)
		return true
	}
	select {
	case <-h.done:
		return false
	case h.outgoing <- line:
		return true
	}
}

func (h *connHandler) writeLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case line := <-h.outgoing:
			if err := h.conn.WriteLine(line); err != nil {
				log.Printf("conn %s: write: %v", h.id, err)
				h.Close()
				return
			}
		}
	}
}

func isClosing(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
