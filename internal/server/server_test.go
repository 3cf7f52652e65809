package server_test

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/vldKasatonov/UChat-sub000/internal/server"
	"github.com/vldKasatonov/UChat-sub000/internal/store"
	"github.com/vldKasatonov/UChat-sub000/pkg/protocol"
)

func newTestTLS(t *testing.T) (serverConf, clientConf *tls.Config) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}}},
		&tls.Config{RootCAs: pool, ServerName: "localhost"}
}

func startServer(t *testing.T, st store.Store) (*server.Server, string, *tls.Config) {
	t.Helper()

	serverConf, clientConf := newTestTLS(t)
	srv := server.New(server.Config{Addr: "127.0.0.1:0", TLS: serverConf}, st)
	go srv.Start()
	t.Cleanup(srv.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, srv.Addr(), clientConf
}

type testClient struct {
	t      *testing.T
	conn   *tls.Conn
	reader *bufio.Reader
	nextID uint64
}

func dialTest(t *testing.T, addr string, conf *tls.Config) *testClient {
	t.Helper()

	conn, err := tls.Dial("tcp", addr, conf)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) read(timeout time.Duration) (protocol.Response, error) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := protocol.DecodeResponse(line[:len(line)-1])
	if err != nil {
		c.t.Fatalf("decode response %q: %v", line, err)
	}
	return resp, nil
}

// call sends one request and reads exactly one line, which must be its
// response.
func (c *testClient) call(ct protocol.CommandType, payload any) protocol.Response {
	c.t.Helper()

	c.nextID++
	req, err := protocol.NewRequest(c.nextID, ct, payload)
	if err != nil {
		c.t.Fatalf("build request: %v", err)
	}
	line, err := protocol.EncodeRequest(req)
	if err != nil {
		c.t.Fatalf("encode request: %v", err)
	}
	c.sendRaw(string(line))

	resp, err := c.read(2 * time.Second)
	if err != nil {
		c.t.Fatalf("read response: %v", err)
	}
	if resp.ID != req.ID {
		c.t.Fatalf("response id = %d, want %d", resp.ID, req.ID)
	}
	return resp
}

// expectPush reads one line and requires it to be an unsolicited push.
func (c *testClient) expectPush(ct protocol.CommandType) protocol.Response {
	c.t.Helper()

	resp, err := c.read(2 * time.Second)
	if err != nil {
		c.t.Fatalf("expected %s push, read error: %v", ct, err)
	}
	if !resp.IsPush() {
		c.t.Fatalf("expected push, got response with id %d", resp.ID)
	}
	if resp.Type != ct {
		c.t.Fatalf("push type = %q, want %q", resp.Type, ct)
	}
	return resp
}

// expectSilence requires that nothing arrives within the window.
func (c *testClient) expectSilence() {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	line, err := c.reader.ReadBytes('\n')
	if err == nil {
		c.t.Fatalf("expected no delivery, got %q", line)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

func (c *testClient) register(username string) protocol.AuthPayload {
	c.t.Helper()

	resp := c.call(protocol.CommandRegister, protocol.RegisterPayload{Username: username, Password: "pw"})
	if resp.Status != protocol.StatusSuccess {
		c.t.Fatalf("Register %s status = %q, payload %s", username, resp.Status, resp.Payload)
	}
	var auth protocol.AuthPayload
	mustUnmarshal(c.t, resp.Payload, &auth)
	return auth
}

func mustUnmarshal(t *testing.T, raw json.RawMessage, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
}

func errorMessage(t *testing.T, resp protocol.Response) protocol.ErrorPayload {
	t.Helper()
	var p protocol.ErrorPayload
	if len(resp.Payload) > 0 {
		mustUnmarshal(t, resp.Payload, &p)
	}
	return p
}

// wsTestClient speaks the same envelopes over WebSocket text frames.
type wsTestClient struct {
	t      *testing.T
	conn   net.Conn
	nextID uint64
}

func dialWebSocket(t *testing.T, addr string, conf *tls.Config) *wsTestClient {
	t.Helper()

	dialer := ws.Dialer{TLSConfig: conf}
	conn, _, _, err := dialer.Dial(context.Background(), "wss://"+addr)
	if err != nil {
		t.Fatalf("websocket dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsTestClient{t: t, conn: conn}
}

func (c *wsTestClient) readFrame(timeout time.Duration) protocol.Response {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	data, err := wsutil.ReadServerText(c.conn)
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		c.t.Fatalf("decode frame %q: %v", data, err)
	}
	return resp
}

func (c *wsTestClient) call(ct protocol.CommandType, payload any) protocol.Response {
	c.t.Helper()

	c.nextID++
	req, err := protocol.NewRequest(c.nextID, ct, payload)
	if err != nil {
		c.t.Fatalf("build request: %v", err)
	}
	line, err := protocol.EncodeRequest(req)
	if err != nil {
		c.t.Fatalf("encode request: %v", err)
	}
	if err := wsutil.WriteClientText(c.conn, line); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}

	resp := c.readFrame(2 * time.Second)
	if resp.ID != req.ID {
		c.t.Fatalf("response id = %d, want %d", resp.ID, req.ID)
	}
	return resp
}

func TestServer_WebSocketGateway(t *testing.T) {
	_, addr, conf := startServer(t, store.NewMemory())

	wsc := dialWebSocket(t, addr, conf)
	resp := wsc.call(protocol.CommandRegister, protocol.RegisterPayload{Username: "dana", Password: "pw"})
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("Register over websocket status = %q, payload %s", resp.Status, resp.Payload)
	}
	var auth protocol.AuthPayload
	mustUnmarshal(t, resp.Payload, &auth)
	if auth.Username != "dana" || auth.UserID == 0 {
		t.Errorf("auth payload = %+v", auth)
	}

	// a broadcast triggered by a plain-TCP peer arrives as a text frame
	tcp := dialTest(t, addr, conf)
	tcp.register("erin")
	created := tcp.call(protocol.CommandCreateChat, protocol.CreateChatPayload{
		Members: []string{"erin", "dana"},
	})
	if created.Status != protocol.StatusSuccess {
		t.Fatalf("CreateChat status = %q, payload %s", created.Status, created.Payload)
	}
	var chat protocol.ChatInfo
	mustUnmarshal(t, created.Payload, &chat)

	push := wsc.readFrame(2 * time.Second)
	if !push.IsPush() || push.Type != protocol.CommandCreateChat {
		t.Fatalf("frame = %+v, want CreateChat push", push)
	}
	var pushed protocol.ChatInfo
	mustUnmarshal(t, push.Payload, &pushed)
	if pushed.ChatID != chat.ChatID {
		t.Errorf("pushed chat id = %d, want %d", pushed.ChatID, chat.ChatID)
	}

	// and the websocket member participates like any other
	sent := wsc.call(protocol.CommandSendMessage, protocol.SendMessagePayload{ChatID: chat.ChatID, Content: "hi"})
	if sent.Status != protocol.StatusSuccess {
		t.Fatalf("SendMessage over websocket status = %q, payload %s", sent.Status, sent.Payload)
	}
	msgPush := tcp.expectPush(protocol.CommandSendMessage)
	var received protocol.MessageInfo
	mustUnmarshal(t, msgPush.Payload, &received)
	if received.Content != "hi" || received.SenderName != "dana" {
		t.Errorf("pushed message = %+v", received)
	}
}

func TestServer_LoginInvalidCredentials(t *testing.T) {
	st := store.NewMemory()
	if _, err := st.RegisterUser(context.Background(), "alice", "right"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	_, addr, conf := startServer(t, st)

	c := dialTest(t, addr, conf)
	resp := c.call(protocol.CommandLogin, protocol.LoginPayload{Username: "alice", Password: "wrong"})

	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q, want Error", resp.Status)
	}
	if got := errorMessage(t, resp).Message; got != "Invalid username or password." {
		t.Errorf("message = %q, want %q", got, "Invalid username or password.")
	}
}

func TestServer_MalformedLineKeepsServing(t *testing.T) {
	_, addr, conf := startServer(t, store.NewMemory())
	c := dialTest(t, addr, conf)

	c.sendRaw("this is not json")
	resp, err := c.read(2 * time.Second)
	if err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.Status != protocol.StatusError {
		t.Errorf("status = %q, want Error", resp.Status)
	}
	if resp.Type != "" {
		t.Errorf("type = %q, want empty", resp.Type)
	}

	// the connection must still serve the next valid request
	auth := c.register("alice")
	if auth.Username != "alice" {
		t.Errorf("register after malformed line = %+v", auth)
	}
}

func TestServer_BlankLineIgnored(t *testing.T) {
	_, addr, conf := startServer(t, store.NewMemory())
	c := dialTest(t, addr, conf)

	c.sendRaw("")
	c.sendRaw("   ")
	c.register("alice") // exactly one response arrives, for the register
}

func TestServer_UnauthenticatedCommandRejected(t *testing.T) {
	_, addr, conf := startServer(t, store.NewMemory())
	c := dialTest(t, addr, conf)

	resp := c.call(protocol.CommandSendMessage, protocol.SendMessagePayload{ChatID: 1, Content: "hi"})
	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q, want Error", resp.Status)
	}
	if got := errorMessage(t, resp).Message; got != "Not authenticated." {
		t.Errorf("message = %q, want %q", got, "Not authenticated.")
	}
}

func TestServer_SendMessageBroadcast(t *testing.T) {
	_, addr, conf := startServer(t, store.NewMemory())

	alice := dialTest(t, addr, conf)
	bob := dialTest(t, addr, conf)
	carol := dialTest(t, addr, conf)
	alice.register("alice")
	bob.register("bob")
	carol.register("carol")

	resp := alice.call(protocol.CommandCreateChat, protocol.CreateChatPayload{
		Name:    "pair",
		Members: []string{"alice", "bob"},
	})
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("CreateChat status = %q, payload %s", resp.Status, resp.Payload)
	}
	var chat protocol.ChatInfo
	mustUnmarshal(t, resp.Payload, &chat)

	// every member except the creator gets the chat push
	push := bob.expectPush(protocol.CommandCreateChat)
	var pushed protocol.ChatInfo
	mustUnmarshal(t, push.Payload, &pushed)
	if pushed.ChatID != chat.ChatID {
		t.Errorf("pushed chat id = %d, want %d", pushed.ChatID, chat.ChatID)
	}

	resp = alice.call(protocol.CommandSendMessage, protocol.SendMessagePayload{ChatID: chat.ChatID, Content: "hi"})
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("SendMessage status = %q, payload %s", resp.Status, resp.Payload)
	}
	var sent protocol.MessageInfo
	mustUnmarshal(t, resp.Payload, &sent)

	msgPush := bob.expectPush(protocol.CommandSendMessage)
	var received protocol.MessageInfo
	mustUnmarshal(t, msgPush.Payload, &received)
	if received.MessageID != sent.MessageID {
		t.Errorf("pushed message id = %d, want %d", received.MessageID, sent.MessageID)
	}
	if received.Content != "hi" || received.SenderName != "alice" {
		t.Errorf("pushed message = %+v", received)
	}

	// no echo to the sender, nothing to a third party
	alice.expectSilence()
	carol.expectSilence()
}

func TestServer_CreateChatIdempotent(t *testing.T) {
	_, addr, conf := startServer(t, store.NewMemory())

	alice := dialTest(t, addr, conf)
	bob := dialTest(t, addr, conf)
	alice.register("alice")
	bob.register("bob")

	first := alice.call(protocol.CommandCreateChat, protocol.CreateChatPayload{
		Members: []string{"alice", "bob"},
	})
	if first.Status != protocol.StatusSuccess {
		t.Fatalf("first CreateChat status = %q", first.Status)
	}
	var chat protocol.ChatInfo
	mustUnmarshal(t, first.Payload, &chat)
	bob.expectPush(protocol.CommandCreateChat)

	second := alice.call(protocol.CommandCreateChat, protocol.CreateChatPayload{
		Members: []string{"alice", "bob"},
	})
	if second.Status != protocol.StatusError {
		t.Fatalf("second CreateChat status = %q, want Error", second.Status)
	}
	if got := errorMessage(t, second).ChatID; got != chat.ChatID {
		t.Errorf("error chat_id = %d, want %d", got, chat.ChatID)
	}

	// rejected create causes no second push
	bob.expectSilence()
}

func TestServer_DeleteForAllUnauthorized(t *testing.T) {
	_, addr, conf := startServer(t, store.NewMemory())

	alice := dialTest(t, addr, conf)
	bob := dialTest(t, addr, conf)
	alice.register("alice")
	bob.register("bob")

	resp := alice.call(protocol.CommandCreateChat, protocol.CreateChatPayload{
		Members: []string{"alice", "bob"},
	})
	var chat protocol.ChatInfo
	mustUnmarshal(t, resp.Payload, &chat)
	bob.expectPush(protocol.CommandCreateChat)

	resp = alice.call(protocol.CommandSendMessage, protocol.SendMessagePayload{ChatID: chat.ChatID, Content: "hi"})
	var sent protocol.MessageInfo
	mustUnmarshal(t, resp.Payload, &sent)
	bob.expectPush(protocol.CommandSendMessage)

	del := bob.call(protocol.CommandDeleteForAll, protocol.DeleteForAllPayload{MessageID: sent.MessageID})
	if del.Status != protocol.StatusError {
		t.Fatalf("DeleteForAll by non-sender status = %q, want Error", del.Status)
	}
	alice.expectSilence()

	// the message is still there
	hist := alice.call(protocol.CommandGetHistory, protocol.GetHistoryPayload{ChatID: chat.ChatID})
	var history protocol.HistoryPayload
	mustUnmarshal(t, hist.Payload, &history)
	if len(history.Messages) != 1 {
		t.Errorf("history after rejected delete = %d messages, want 1", len(history.Messages))
	}
}

func TestServer_DeleteForAllBroadcast(t *testing.T) {
	_, addr, conf := startServer(t, store.NewMemory())

	alice := dialTest(t, addr, conf)
	bob := dialTest(t, addr, conf)
	alice.register("alice")
	bob.register("bob")

	resp := alice.call(protocol.CommandCreateChat, protocol.CreateChatPayload{Members: []string{"alice", "bob"}})
	var chat protocol.ChatInfo
	mustUnmarshal(t, resp.Payload, &chat)
	bob.expectPush(protocol.CommandCreateChat)

	resp = alice.call(protocol.CommandSendMessage, protocol.SendMessagePayload{ChatID: chat.ChatID, Content: "oops"})
	var sent protocol.MessageInfo
	mustUnmarshal(t, resp.Payload, &sent)
	bob.expectPush(protocol.CommandSendMessage)

	del := alice.call(protocol.CommandDeleteForAll, protocol.DeleteForAllPayload{MessageID: sent.MessageID})
	if del.Status != protocol.StatusSuccess {
		t.Fatalf("DeleteForAll status = %q, payload %s", del.Status, del.Payload)
	}

	push := bob.expectPush(protocol.CommandDeleteForAll)
	var deleted protocol.DeletedPayload
	mustUnmarshal(t, push.Payload, &deleted)
	if deleted.MessageID != sent.MessageID || deleted.ChatID != chat.ChatID {
		t.Errorf("delete push = %+v", deleted)
	}
}

func TestServer_LastLoginWins(t *testing.T) {
	srv, addr, conf := startServer(t, store.NewMemory())

	first := dialTest(t, addr, conf)
	first.register("alice")

	second := dialTest(t, addr, conf)
	resp := second.call(protocol.CommandLogin, protocol.LoginPayload{Username: "alice", Password: "pw"})
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("second login status = %q", resp.Status)
	}

	// the superseded connection gets closed by the server
	first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := first.reader.ReadBytes('\n'); err == nil {
		t.Error("superseded connection still open, expected close")
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("registry count = %d, want 1", srv.Registry().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_Reconnect(t *testing.T) {
	_, addr, conf := startServer(t, store.NewMemory())

	c := dialTest(t, addr, conf)
	auth := c.register("alice")
	c.conn.Close()

	tests := []struct {
		name    string
		payload protocol.ReconnectPayload
		want    protocol.Status
	}{
		{"valid identity", protocol.ReconnectPayload{UserID: auth.UserID, Username: "alice"}, protocol.StatusSuccess},
		{"wrong username", protocol.ReconnectPayload{UserID: auth.UserID, Username: "mallory"}, protocol.StatusError},
		{"unknown user id", protocol.ReconnectPayload{UserID: 999, Username: "alice"}, protocol.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialTest(t, addr, conf)
			resp := c.call(protocol.CommandReconnect, tt.payload)
			if resp.Status != tt.want {
				t.Errorf("Reconnect status = %q, want %q (payload %s)", resp.Status, tt.want, resp.Payload)
			}
		})
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	serverConf, _ := newTestTLS(t)
	srv := server.New(server.Config{Addr: "127.0.0.1:0", TLS: serverConf}, store.NewMemory())

	srv.Stop()
	if got := srv.Addr(); got != "" {
		t.Errorf("Addr() = %q, want empty before Start", got)
	}

	// a Start racing a completed Stop must release its listener and return
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	if _, err := tls.Dial("tcp", srv.Addr(), nil); err == nil {
		t.Error("expected dial error after Stop, got nil")
	}
}

func TestServer_Stop(t *testing.T) {
	srv, addr, conf := startServer(t, store.NewMemory())

	c := dialTest(t, addr, conf)
	c.register("alice")

	srv.Stop()

	if _, err := tls.Dial("tcp", addr, conf); err == nil {
		t.Error("expected dial error after Stop, got nil")
	}
}
