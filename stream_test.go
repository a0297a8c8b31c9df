package xmppstream_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	xmppstream "github.com/quietloop/xmppstream"
	"github.com/quietloop/xmppstream/auth"
	"github.com/quietloop/xmppstream/internal/wire"
)

// fakeServer drives the server side of a net.Pipe connection through a
// scripted XMPP handshake: stream open, PLAIN SASL, a post-auth stream
// reset, and resource binding — grounded on the teacher's
// clienttest.go/servertest.go fake-peer idea.
type fakeServer struct {
	conn   net.Conn
	parser *wire.Parser
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{conn: conn, parser: wire.NewParser(conn)}
}

func (f *fakeServer) write(s string) error {
	_, err := f.conn.Write([]byte(s))
	return err
}

func (f *fakeServer) next(t *testing.T) *wire.Element {
	t.Helper()
	el, err := f.parser.Next()
	if err != nil {
		t.Fatalf("fakeServer.next: %v", err)
	}
	return el
}

func (f *fakeServer) expectOpen(t *testing.T) {
	t.Helper()
	f.next(t) // the client's <stream:stream ...> open tag
}

// runHandshake drives the full connect -> PLAIN auth -> bind sequence,
// answering the client's bind request with alice@example.net/phone.
func (f *fakeServer) runHandshake(t *testing.T) {
	t.Helper()

	f.expectOpen(t)
	mustWrite(t, f, `<stream:stream from="example.net" id="s1" xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" version="1.0">`)
	mustWrite(t, f, `<stream:features xmlns="http://etherx.jabber.org/streams"><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`)

	auth := f.next(t)
	if auth.Name != "auth" || auth.Attribute("mechanism") != "PLAIN" {
		t.Fatalf("expected <auth mechanism=PLAIN/>, got %+v", auth)
	}
	mustWrite(t, f, `<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`)

	f.parser.Reset(f.conn)
	f.expectOpen(t)
	mustWrite(t, f, `<stream:stream from="example.net" id="s2" xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" version="1.0">`)
	mustWrite(t, f, `<stream:features xmlns="http://etherx.jabber.org/streams"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/></stream:features>`)

	bindIQ := f.next(t)
	if bindIQ.Name != "iq" {
		t.Fatalf("expected bind <iq/>, got %+v", bindIQ)
	}
	id := bindIQ.Attribute("id")
	mustWrite(t, f, `<iq id="`+id+`" type="result"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>alice@example.net/phone</jid></bind></iq>`)
}

func mustWrite(t *testing.T, f *fakeServer, s string) {
	t.Helper()
	if err := f.write(s); err != nil {
		t.Errorf("fakeServer.write: %v", err)
	}
}

func openTestStream(t *testing.T) (*xmppstream.Stream, *fakeServer) {
	t.Helper()
	client, server := net.Pipe()
	fs := newFakeServer(server)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.runHandshake(t)
	}()

	cfg := xmppstream.New("example.net",
		xmppstream.WithHostPort("example.net", 5222),
		xmppstream.WithNetDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			return client, nil
		}),
		xmppstream.WithCredentials(auth.StaticCredentials{Username: "alice", Password: "secret"}),
		xmppstream.WithKeepalive(0),
		xmppstream.WithReplyTimeout(2*time.Second),
	)

	s, err := xmppstream.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open = %v", err)
	}
	<-done
	return s, fs
}

func TestStreamHandshakeAndBoundJID(t *testing.T) {
	s, _ := openTestStream(t)
	defer s.ForceDisconnect()

	if s.BoundJID() == nil || s.BoundJID().String() != "alice@example.net/phone" {
		t.Fatalf("BoundJID() = %v, want alice@example.net/phone", s.BoundJID())
	}
	if s.GetConnectionID() != "s1" {
		t.Errorf("GetConnectionID() = %q, want s1", s.GetConnectionID())
	}
}

func TestStreamReadPacketDeliversStanza(t *testing.T) {
	s, fs := openTestStream(t)
	defer s.ForceDisconnect()

	go mustWrite(t, fs, `<message from="bob@example.net" to="alice@example.net/phone"><body>hi</body></message>`)

	ev := s.ReadPacket()
	if ev.Err != nil || ev.End {
		t.Fatalf("ReadPacket() = %+v, want a stanza", ev)
	}
	if ev.Stanza.Name != "message" {
		t.Fatalf("Stanza.Name = %q, want message", ev.Stanza.Name)
	}
	if body := ev.Stanza.FindChild("", "body"); body == nil || body.Text != "hi" {
		t.Fatalf("body = %+v, want text hi", body)
	}
}

func TestStreamWritePacket(t *testing.T) {
	s, fs := openTestStream(t)
	defer s.ForceDisconnect()

	sent := make(chan *wire.Element, 1)
	go func() {
		sent <- fs.next(t)
	}()

	if err := s.WritePacket(`<presence/>`); err != nil {
		t.Fatalf("WritePacket = %v", err)
	}

	select {
	case el := <-sent:
		if el.Name != "presence" {
			t.Errorf("received %q, want presence", el.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to observe the write")
	}
}

func TestStreamTerminalStickiness(t *testing.T) {
	s, fs := openTestStream(t)

	if err := fs.conn.Close(); err != nil {
		t.Fatalf("fakeServer conn.Close = %v", err)
	}

	first := s.ReadPacket()
	if !first.End && first.Err == nil {
		t.Fatalf("ReadPacket() after server close = %+v, want a terminal event", first)
	}
	second := s.ReadPacket()
	if second != first {
		t.Fatalf("ReadPacket() not sticky: first=%+v second=%+v", first, second)
	}
	_ = s.ForceDisconnect()
}

func TestStreamGracefulDisconnect(t *testing.T) {
	s, fs := openTestStream(t)

	closeTag := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := fs.conn.Read(buf)
		closeTag <- string(buf[:n])
		// Echo the server's own closing tag so the reader goroutine
		// observes termination before GracefulDisconnect's wait expires.
		mustWrite(t, fs, "</stream:stream>")
	}()

	start := time.Now()
	if err := s.GracefulDisconnect(""); err != nil {
		t.Fatalf("GracefulDisconnect = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("GracefulDisconnect took %v, want it to return promptly once the reader observes termination", elapsed)
	}

	select {
	case got := <-closeTag:
		if !strings.Contains(got, "</stream:stream>") {
			t.Errorf("server observed %q, want the closing stream tag", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the close tag")
	}

	ev := s.ReadPacket()
	if !ev.End && ev.Err == nil {
		t.Errorf("ReadPacket() after GracefulDisconnect = %+v, want the reader's observed terminal event", ev)
	}
}

// TestStreamGracefulDisconnectSwallowsWriteError covers spec §7: a failed
// write during graceful close must never be returned to the caller — it
// falls through to the timeout wait and force-close instead.
func TestStreamGracefulDisconnectSwallowsWriteError(t *testing.T) {
	s, fs := openTestStream(t)
	_ = fs.conn.Close() // the next write through s.t will fail

	start := time.Now()
	if err := s.GracefulDisconnect(""); err != nil {
		t.Fatalf("GracefulDisconnect = %v, want nil even though the write failed", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("GracefulDisconnect took %v, want it to fall through promptly once the reader observes the closed connection", elapsed)
	}
}
