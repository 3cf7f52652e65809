package server

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// lineConn is one framed connection: each read returns exactly one envelope
// line and each write sends one, regardless of transport.
type lineConn interface {
	ReadLine() ([]byte, error)
	WriteLine(line []byte) error
	Close() error
	RemoteAddr() string
}

// detectWebSocket peeks at the first bytes of the (already decrypted)
// stream. An HTTP method prefix means a WebSocket client about to upgrade;
// anything else is the plain line protocol.
func detectWebSocket(reader *bufio.Reader) bool {
	peek, err := reader.Peek(4)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(peek, []byte("GET ")) ||
		bytes.HasPrefix(peek, []byte("POST")) ||
		bytes.HasPrefix(peek, []byte("PUT ")) ||
		bytes.HasPrefix(peek, []byte("HEAD"))
}

// tcpLineConn frames the raw stream with newline-terminated lines.
type tcpLineConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration
}

func newTCPLineConn(conn net.Conn, reader *bufio.Reader, writeTimeout time.Duration) *tcpLineConn {
	return &tcpLineConn{conn: conn, reader: reader, writeTimeout: writeTimeout}
}

func (c *tcpLineConn) ReadLine() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		// a partial trailing line is not a framed message
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (c *tcpLineConn) WriteLine(line []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	// one Write call per line keeps concurrent-looking output whole
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *tcpLineConn) Close() error {
	return c.conn.Close()
}

func (c *tcpLineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// wsLineConn carries one envelope per WebSocket text frame.
type wsLineConn struct {
	conn         net.Conn
	rw           io.ReadWriter
	writeTimeout time.Duration
}

// upgradeWebSocket performs the server side of the WebSocket handshake on a
// stream whose first bytes were already buffered during detection.
func upgradeWebSocket(conn net.Conn, reader *bufio.Reader, writeTimeout time.Duration) (*wsLineConn, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{reader, conn}

	if _, err := ws.Upgrade(rw); err != nil {
		return nil, err
	}
	return &wsLineConn{conn: conn, rw: rw, writeTimeout: writeTimeout}, nil
}

func (c *wsLineConn) ReadLine() ([]byte, error) {
	data, err := wsutil.ReadClientText(c.rw)
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(data, "\r\n"), nil
}

func (c *wsLineConn) WriteLine(line []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return wsutil.WriteServerText(c.conn, line)
}

func (c *wsLineConn) Close() error {
	// no close frame: Close may race the writer goroutine mid-frame
	return c.conn.Close()
}

func (c *wsLineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
