// Package negotiate implements the C4 feature negotiator: the state
// machine that walks a stream's <features/> advertisements, driving
// STARTTLS and stream compression to a stable feature set.
package negotiate

import (
	"io"
	"log/slog"

	"github.com/quietloop/xmppstream/internal/ns"
	"github.com/quietloop/xmppstream/internal/wire"
	"github.com/quietloop/xmppstream/xmpperror"
)

// SecurityMode mirrors Smack's three-valued STARTTLS policy.
type SecurityMode int

const (
	// SecurityOptional negotiates TLS when offered but tolerates its absence.
	SecurityOptional SecurityMode = iota
	// SecurityRequired fails the connection unless TLS ends up verified.
	SecurityRequired
	// SecurityDisabled never attempts STARTTLS, even if offered as required.
	SecurityDisabled
)

// Transport is the subset of internal/transport.Transport the negotiator
// drives. Defined locally so this package does not depend on the concrete
// transport type.
type Transport interface {
	EnableStreamCompression() error
	Compressed() bool
}

// Writer is the minimal collaborator the negotiator needs to emit
// negotiation requests.
type Writer interface {
	Write(p []byte) (int, error)
}

// Result is what the negotiator returns once a particular element has been
// consumed.
type Result int

const (
	// StillNegotiating means the negotiator wrote a request and is waiting
	// for the corresponding reply; the caller should keep feeding it
	// elements.
	StillNegotiating Result = iota
	// Stable means negotiation finished: the <features/> returned is the
	// one the caller should act on (proceed to SASL).
	Stable
	// StreamReset means the negotiator drove a STARTTLS or compression
	// handshake to completion and the caller must reset the parser and
	// reopen the stream before reading the next element.
	StreamReset
)

// TLSDialer performs the STARTTLS handshake itself; it is a thin seam over
// transport.Transport.EnableTLS so this package does not need to import
// crypto/tls. CanBuild reports whether an SSL context is configured at all
// (spec §4.4: "an SSL context can be built").
type TLSDialer struct {
	CanBuild bool
	Attach   func(serviceName string) (verified bool, err error)
}

// Negotiator drives C4's state machine against elements produced by C2.
type Negotiator struct {
	mode              SecurityMode
	compressionWanted bool
	haveDeflate       bool

	tlsOffered     bool
	compressOffers map[string]bool
	secureVerified bool
	usingTLS       bool
	usingCompress  bool

	// lastFeatures is the most recently received <features/>, cached so a
	// failed compression attempt can be resolved against it directly
	// (spec §4.4 case 4) instead of requiring a fresh server round trip.
	lastFeatures *wire.Element

	awaiting string // "", "proceed", or "compressed"

	log *slog.Logger
}

// New creates a Negotiator with the given policy. A nil log discards all
// output.
func New(mode SecurityMode, compressionWanted, haveDeflate bool, log *slog.Logger) *Negotiator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Negotiator{mode: mode, compressionWanted: compressionWanted, haveDeflate: haveDeflate, log: log}
}

// SecureVerified reports whether the most recently completed TLS handshake
// verified the peer certificate.
func (n *Negotiator) SecureVerified() bool {
	return n.secureVerified
}

// Feed processes one element from the stream and reports what the caller
// should do next.
func (n *Negotiator) Feed(el *wire.Element, w Writer, t Transport, tls TLSDialer, serviceName string) (Result, *wire.Element, error) {
	switch {
	case el.Is(ns.Stream, "features"):
		return n.handleFeatures(el, w, t, tls)
	case el.Is(ns.StartTLS, "proceed"):
		return n.handleProceed(tls, serviceName)
	case el.Is(ns.StartTLS, "failure"):
		return 0, nil, xmpperror.TLSHandshakeFailed
	case el.Is(ns.Compress, "failure"):
		// The zlib offer was already deleted from compressOffers when the
		// <compress/> request was sent, so resolving again against the
		// cached <features/> falls straight through to Stable (or picks up
		// a still-pending STARTTLS offer) without another server round
		// trip.
		n.log.Warn("compression negotiation failed, resolving from cached features")
		n.awaiting = ""
		n.usingCompress = false
		return n.resolve(w, t, tls)
	case el.Is(ns.Compress, "compressed"):
		return n.handleCompressed(t)
	default:
		// Benign noise during negotiation (spec §4.4 edge case): consumed
		// silently, keep waiting.
		return StillNegotiating, nil, nil
	}
}

func (n *Negotiator) handleFeatures(el *wire.Element, w Writer, t Transport, tls TLSDialer) (Result, *wire.Element, error) {
	n.tlsOffered = false
	n.compressOffers = map[string]bool{}
	n.lastFeatures = el

	if starttls := el.FindChild(ns.StartTLS, "starttls"); starttls != nil {
		n.tlsOffered = true
		if starttls.FindChild(ns.StartTLS, "required") != nil && n.mode == SecurityDisabled {
			return 0, nil, xmpperror.SecurityForbidden
		}
	}
	if comp := el.FindChild(ns.CompressFT, "compression"); comp != nil {
		for _, m := range comp.Children(ns.CompressFT, "method") {
			n.compressOffers[m.Text] = true
		}
	}

	n.usingCompress = t.Compressed()

	return n.resolve(w, t, tls)
}

// resolve drives the STARTTLS/compression precondition chain from the
// negotiator's current cached state. It is re-entrant: called once after a
// fresh <features/> is parsed, and again after a failed compression attempt
// so negotiation can fall through to Stable (or pick up a still-pending
// STARTTLS offer) against the same cached <features/> rather than needing
// another server round trip.
func (n *Negotiator) resolve(w Writer, t Transport, tls TLSDialer) (Result, *wire.Element, error) {
	if n.mode == SecurityRequired && !n.secureVerified && !n.tlsOffered {
		return 0, nil, xmpperror.SecurityRequired
	}

	if !n.usingTLS && n.tlsOffered && n.mode != SecurityDisabled && tls.CanBuild {
		n.log.Debug("requesting starttls")
		if _, err := w.Write([]byte(`<starttls xmlns="` + ns.StartTLS + `"/>`)); err != nil {
			return 0, nil, err
		}
		n.awaiting = "proceed"
		return StillNegotiating, nil, nil
	}
	if !n.usingTLS && n.tlsOffered && n.mode == SecurityRequired {
		return 0, nil, xmpperror.SecurityRequired
	}

	if n.compressionWanted && !n.usingCompress && n.compressOffers["zlib"] && n.haveDeflate {
		delete(n.compressOffers, "zlib")
		n.log.Debug("requesting zlib stream compression")
		if _, err := w.Write([]byte(`<compress xmlns="` + ns.Compress + `"><method>zlib</method></compress>`)); err != nil {
			return 0, nil, err
		}
		n.awaiting = "compressed"
		return StillNegotiating, nil, nil
	}

	n.log.Debug("feature negotiation stable", "secure", n.usingTLS, "compressed", n.usingCompress)
	return Stable, n.lastFeatures, nil
}

func (n *Negotiator) handleProceed(tls TLSDialer, serviceName string) (Result, *wire.Element, error) {
	if n.awaiting != "proceed" {
		return StillNegotiating, nil, nil
	}
	n.awaiting = ""
	if tls.Attach == nil {
		return 0, nil, xmpperror.TLSHandshakeFailed
	}
	verified, err := tls.Attach(serviceName)
	if err != nil {
		n.log.Warn("starttls handshake failed", "error", err)
		return 0, nil, xmpperror.TLSHandshakeFailed
	}
	n.log.Debug("starttls handshake complete", "verified", verified)
	n.secureVerified = verified
	n.usingTLS = true
	if !verified && n.mode == SecurityRequired {
		return 0, nil, xmpperror.SecurityRequired
	}
	return StreamReset, nil, nil
}

func (n *Negotiator) handleCompressed(t Transport) (Result, *wire.Element, error) {
	if n.awaiting != "compressed" {
		return StillNegotiating, nil, nil
	}
	n.awaiting = ""
	if err := t.EnableStreamCompression(); err != nil {
		n.log.Warn("enabling stream compression failed", "error", err)
		return 0, nil, err
	}
	n.log.Debug("stream compression enabled")
	return StreamReset, nil, nil
}
