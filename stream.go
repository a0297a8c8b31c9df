// Package xmppstream implements an XMPP client stream engine: it opens a
// byte-level transport to a server, negotiates STARTTLS and stream
// compression, authenticates via SASL, binds a resource, and then
// exchanges XML stanzas until disconnection.
package xmppstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quietloop/xmppstream/auth"
	"github.com/quietloop/xmppstream/internal/dial"
	"github.com/quietloop/xmppstream/internal/keepalive"
	"github.com/quietloop/xmppstream/internal/negotiate"
	"github.com/quietloop/xmppstream/internal/ns"
	"github.com/quietloop/xmppstream/internal/transport"
	"github.com/quietloop/xmppstream/internal/wire"
	"github.com/quietloop/xmppstream/jid"
	"github.com/quietloop/xmppstream/xmpperror"
)

// ReadEvent is the tagged value delivered from the reader goroutine to
// consumers via the single-slot mailbox: exactly one of Stanza, Err (with
// End left false), or End is meaningful.
type ReadEvent struct {
	Stanza *wire.Element
	Err    error
	End    bool
}

// Stream is a single negotiated, authenticated XMPP client stream.
type Stream struct {
	cfg *Config
	log *slog.Logger

	t      *transport.Transport
	parser *wire.Parser
	keep   *keepalive.Keepalive

	mu                    sync.Mutex
	connectionID          string
	negotiatedServiceName string
	boundJID              *jid.JID

	mailbox   chan ReadEvent
	closeOnce sync.Once

	termMu     sync.Mutex
	term       *ReadEvent    // sticky terminal event once the reader goroutine exits
	termSignal chan struct{} // closed once, by deliverTerminal, when term is set
}

// Open dials cfg.ServiceName, negotiates STARTTLS/compression, authenticates,
// binds a resource, and returns a Stream ready for steady-state stanza
// exchange. If ctx is canceled before negotiation completes, the transport
// is force-closed and ctx.Err() is returned.
func Open(ctx context.Context, cfg *Config) (*Stream, error) {
	host := cfg.Host
	port := cfg.Port
	d := &dial.Dialer{Resolver: cfg.Resolver, NetDial: cfg.NetDial, NoLookup: cfg.NoLookup || host != "", Logger: cfg.Logger}

	var t *transport.Transport
	var err error
	if host != "" {
		t, err = dialExplicit(ctx, cfg, host, port)
	} else {
		t, err = d.Dial(ctx, "tcp", cfg.ServiceName)
	}
	if err != nil {
		cfg.Logger.Error("dial failed", "service", cfg.ServiceName, "error", err)
		return nil, err
	}
	cfg.Logger.Debug("transport opened", "service", cfg.ServiceName)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.ForceClose()
		case <-done:
		}
	}()
	defer close(done)

	s := &Stream{
		cfg:        cfg,
		log:        cfg.Logger,
		t:          t,
		parser:     wire.NewParser(t.Reader()),
		mailbox:    make(chan ReadEvent, 1),
		termSignal: make(chan struct{}),
	}

	if err := s.handshake(); err != nil {
		cfg.Logger.Error("handshake failed", "service", cfg.ServiceName, "error", err)
		_ = t.ForceClose()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	cfg.Logger.Info("stream ready", "service", cfg.ServiceName, "jid", s.boundJID, "secure", t.Secure(), "compressed", t.Compressed())

	s.keep = keepalive.New(writerFunc(s.writeRaw), cfg.KeepaliveInterval)
	s.keep.Start()

	go s.readLoop()

	return s, nil
}

func dialExplicit(ctx context.Context, cfg *Config, host string, port uint16) (*transport.Transport, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialFn := cfg.NetDial
	if dialFn == nil {
		dialFn = (&net.Dialer{}).DialContext
	}
	return transport.Open(func(network, a string) (net.Conn, error) {
		return dialFn(ctx, network, a)
	}, "tcp", addr, cfg.Logger)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// handshake drives C2 open + C4 negotiation + C6 authentication to steady
// state, all on the calling goroutine: no reader goroutine exists yet, so
// there is no cross-goroutine race over the parser during stream resets.
func (s *Stream) handshake() error {
	if err := s.openStream(); err != nil {
		return err
	}

	open, err := s.nextElement(s.cfg.ReplyTimeout)
	if err != nil {
		return err
	}
	info, err := wire.ParseOpen(open)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.connectionID == "" {
		s.connectionID = info.ID
	}
	s.negotiatedServiceName = s.cfg.ServiceName
	s.mu.Unlock()

	features, err := s.negotiateFeatures(info)
	if err != nil {
		return err
	}

	return s.authenticate(features)
}

func (s *Stream) openStream() error {
	return wire.WriteOpen(s.t.Writer(), s.cfg.ServiceName)
}

// nextElement reads the next top-level element directly off the parser,
// bounded by timeout. Only ever called sequentially during the handshake
// (negotiation and auth are strictly request/reply, never overlapping
// reads), so there is at most one in-flight parser.Next call at a time; a
// timeout abandons that call rather than canceling it, which is safe here
// because a timeout during the handshake always leads the caller to tear
// the whole transport down.
func (s *Stream) nextElement(timeout time.Duration) (*wire.Element, error) {
	type result struct {
		el  *wire.Element
		err error
	}
	ch := make(chan result, 1)
	go func() {
		el, err := s.parser.Next()
		ch <- result{el, err}
	}()
	select {
	case r := <-ch:
		return r.el, r.err
	case <-time.After(timeout):
		return nil, xmpperror.AuthTimeout
	}
}

func (s *Stream) negotiateFeatures(open wire.OpenInfo) (*wire.Element, error) {
	if open.Version.Legacy() {
		// C2 note: legacy streams never send <features/>; synthesize an
		// empty one so the negotiator and auth layer can uniformly assume
		// it exists.
		return &wire.Element{Name: "features", Space: ns.Stream}, nil
	}

	n := negotiate.New(s.cfg.SecurityMode, s.cfg.Compression, true, s.log)
	for {
		el, err := s.nextElement(s.cfg.ReplyTimeout)
		if err != nil {
			return nil, err
		}
		result, stable, err := n.Feed(el, s.t.Writer(), s.t, s.tlsDialer(n), s.cfg.ServiceName)
		if err != nil {
			return nil, err
		}
		switch result {
		case negotiate.Stable:
			return stable, nil
		case negotiate.StreamReset:
			if err := s.resetStream(); err != nil {
				return nil, err
			}
		case negotiate.StillNegotiating:
			// loop
		}
	}
}

func (s *Stream) tlsDialer(n *negotiate.Negotiator) negotiate.TLSDialer {
	return negotiate.TLSDialer{
		CanBuild: s.cfg.TLSConfig != nil,
		Attach: func(serviceName string) (bool, error) {
			tlsCtx := &transport.TLSContext{Config: s.cfg.TLSConfig}
			return s.t.EnableTLS(tlsCtx, serviceName)
		},
	}
}

// resetStream reopens the XML stream: write a fresh stream-open header,
// reset C2's parser against the (possibly re-wrapped) reader, and read the
// new stream-open element.
func (s *Stream) resetStream() error {
	s.parser.Reset(s.t.Reader())
	if err := s.openStream(); err != nil {
		return err
	}
	open, err := s.nextElement(s.cfg.ReplyTimeout)
	if err != nil {
		return err
	}
	info, err := wire.ParseOpen(open)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.connectionID == "" {
		s.connectionID = info.ID
	}
	s.mu.Unlock()
	return nil
}

func (s *Stream) authenticate(features *wire.Element) error {
	mechEl := features.FindChild(ns.SASL, "mechanisms")
	var mechs []string
	if mechEl != nil {
		for _, m := range mechEl.Children(ns.SASL, "mechanism") {
			mechs = append(mechs, m.Text)
		}
	}

	cb := s.cfg.Credentials
	if cb == nil {
		return errors.New("xmpp: no credentials configured")
	}

	result, err := auth.Authenticate(streamPacketIO{s}, mechs, s.negotiatedServiceName, cb, s.tlsConnectionState(), s.cfg.Legacy, s.cfg.Resource, s.cfg.Mechanisms, s.log)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.boundJID = result.JID
	s.mu.Unlock()
	return nil
}

// tlsConnectionState returns the TLS connection state captured when
// STARTTLS completed, for use by the EXTERNAL and SCRAM mechanism drivers.
// It survives a later stream-compression swap, unlike inspecting the
// current reader directly.
func (s *Stream) tlsConnectionState() *tls.ConnectionState {
	return s.t.TLSState()
}

// streamPacketIO adapts *Stream to auth.PacketIO.
type streamPacketIO struct{ s *Stream }

func (p streamPacketIO) Write(b []byte) (int, error) { return p.s.writeRaw(b) }

func (p streamPacketIO) Next(timeout time.Duration) (*wire.Element, error) {
	return p.s.nextElement(timeout)
}

func (p streamPacketIO) ResetStream() error { return p.s.resetStream() }

// readLoop is the reader goroutine: it exclusively owns the parser from
// here on, draining elements and delivering them through the single-slot
// mailbox, backpressuring the server until the consumer takes each one.
func (s *Stream) readLoop() {
	for {
		el, err := s.parser.Next()
		if err != nil {
			s.deliverTerminal(err)
			return
		}
		s.mailbox <- ReadEvent{Stanza: el}
	}
}

func (s *Stream) deliverTerminal(err error) {
	ev := ReadEvent{End: true}
	if !errors.Is(err, xmpperror.StreamTerminated) {
		ev = ReadEvent{Err: err}
		s.log.Debug("reader exiting on error", "error", err)
	} else {
		s.log.Debug("reader exiting on stream end")
	}
	s.termMu.Lock()
	s.term = &ev
	s.termMu.Unlock()
	close(s.termSignal)
	// Wake a blocked ReadPacket if one is waiting; if the mailbox is full
	// (an unread stanza sitting there) or nobody's listening, the sticky
	// term field above is enough for every future call.
	select {
	case s.mailbox <- ev:
	default:
	}
}

// ReadPacket blocks until the next stanza, error, or stream end is
// available. Per the terminal-state-stickiness property, once a terminal
// event (Err or End) has been observed, every subsequent call returns that
// same event immediately without blocking.
func (s *Stream) ReadPacket() ReadEvent {
	s.termMu.Lock()
	if s.term != nil {
		ev := *s.term
		s.termMu.Unlock()
		return ev
	}
	s.termMu.Unlock()
	return <-s.mailbox
}

// WritePacket writes xmlString through the current writer.
func (s *Stream) WritePacket(xmlString string) error {
	_, err := s.writeRaw([]byte(xmlString))
	return err
}

func (s *Stream) writeRaw(p []byte) (int, error) {
	if s.keep != nil {
		s.keep.Touch()
	}
	return s.t.Writer().Write(p)
}

// GracefulDisconnect writes finalPayload (which may be empty) followed by
// the closing </stream:stream> tag, then waits up to the configured reply
// timeout for the reader goroutine to observe stream termination (the
// server's own closing tag, or the connection simply going away) before
// forcing the socket closed. Per spec §7, graceful close never raises: a
// failed write is logged and falls straight through to the wait/force-close
// below rather than being returned to the caller.
func (s *Stream) GracefulDisconnect(finalPayload string) error {
	if _, err := s.writeRaw([]byte(finalPayload + wire.CloseTag)); err != nil {
		s.log.Debug("graceful disconnect write failed, forcing close", "error", err)
	}

	select {
	case <-s.termSignal:
	case <-time.After(s.cfg.ReplyTimeout):
		s.log.Debug("graceful disconnect timed out waiting for the reader to observe termination")
	}

	_ = s.ForceDisconnect()
	return nil
}

// ForceDisconnect closes the socket, unblocking any blocked reader or
// writer. Idempotent and safe to call from any goroutine.
func (s *Stream) ForceDisconnect() error {
	var err error
	s.closeOnce.Do(func() {
		if s.keep != nil {
			s.keep.Stop()
		}
		err = s.t.ForceClose()
	})
	return err
}

// StreamReset performs a fresh stream-open/parser-reset over the existing
// transport. Exposed for callers implementing custom post-auth protocols
// that themselves require a reset (e.g. a second SASL round).
func (s *Stream) StreamReset() error { return s.resetStream() }

// GetConnectionID returns the id attribute from the first stream open the
// server sent.
func (s *Stream) GetConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// IsSecure reports whether STARTTLS has completed.
func (s *Stream) IsSecure() bool { return s.t.Secure() }

// IsCompressed reports whether stream compression has been installed.
func (s *Stream) IsCompressed() bool { return s.t.Compressed() }

// BoundJID returns the full JID assigned during resource binding, or nil
// before authentication completes.
func (s *Stream) BoundJID() *jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundJID
}
