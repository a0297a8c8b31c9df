package auth

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quietloop/xmppstream/internal/ns"
	"github.com/quietloop/xmppstream/internal/wire"
	"github.com/quietloop/xmppstream/jid"
	"github.com/quietloop/xmppstream/xmpperror"
)

// ChallengeTimeout bounds the SASL challenge/response loop (spec §4.6).
const ChallengeTimeout = 30 * time.Second

// BindTimeout bounds the wait for the post-auth <features/> to advertise
// resource binding, and the waits for the replies to the bind and session
// IQs.
const BindTimeout = 30 * time.Second

// AnonymousTimeout is the shorter wait used for ANONYMOUS authentication
// before falling back to legacy anonymous auth.
const AnonymousTimeout = 5 * time.Second

// discardLogger is Authenticate's default when no *slog.Logger is supplied.
// Built at package scope, not inline, because Authenticate's io parameter
// (the PacketIO collaborator) shadows the io package within its body.
var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// PacketIO is what the authenticator needs from the owning stream: write a
// buffer, and read the next top-level element with a deadline. Kept narrow
// and local so this package has no dependency on the root Stream type.
type PacketIO interface {
	Write(p []byte) (int, error)
	Next(timeout time.Duration) (*wire.Element, error)
	ResetStream() error // reopens the XML stream after SASL success
}

// LegacyAuthenticator performs XEP-0078 non-SASL authentication, used when
// no SASL mechanism is shared with the server (spec §4.6 step 9).
type LegacyAuthenticator interface {
	Authenticate(io PacketIO, domain, username, password, resource string) (*jid.JID, error)
}

// Result is what Authenticate returns on success: the full bound JID.
type Result struct {
	JID *jid.JID
}

// Authenticate drives spec §4.6's full state machine: mechanism selection,
// the challenge/response loop, resource binding, and optional session
// establishment. serverMechanisms is the <mechanisms> list advertised in
// the pre-auth <features/>; host is the negotiated service name (the
// stream's "to" address), not the transport host. tlsState is the current
// TLS connection state if the stream is secured, or nil otherwise; it is
// used by EXTERNAL and the mellium.im/sasl SCRAM drivers. mechanisms is the
// caller's preference-ordered mechanism list (typically
// DefaultMechanisms, overridden via xmppstream.WithMechanisms) — owned by
// the caller rather than read from a package-level registry. A nil log
// discards all output.
func Authenticate(io PacketIO, serverMechanisms []string, host string, cb CallbackHandler, tlsState *tls.ConnectionState, legacy LegacyAuthenticator, resource string, mechanisms []MechanismEntry, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = discardLogger
	}
	digestURI := "xmpp/" + host

	var driver MechanismDriver
	for _, candidate := range mechanisms {
		if !contains(serverMechanisms, candidate.Name) {
			continue
		}
		d, err := candidate.New(digestURI, cb, tlsState)
		if err == xmpperror.MechanismNotSupported {
			continue
		}
		if err != nil {
			return nil, err
		}
		driver = d
		break
	}

	if driver == nil {
		if legacy == nil {
			return nil, xmpperror.NoSharedAuthMechanism
		}
		log.Debug("no shared SASL mechanism, falling back to legacy auth")
		j, err := authenticateLegacy(io, legacy, cb, host, resource)
		if err != nil {
			return nil, err
		}
		return &Result{JID: j}, nil
	}
	log.Debug("selected SASL mechanism", "mechanism", driver.Name())

	timeout := ChallengeTimeout
	if driver.Name() == "ANONYMOUS" {
		timeout = AnonymousTimeout
	}

	if err := runChallengeLoop(io, driver, timeout); err != nil {
		// ANONYMOUS has no credentials to get wrong and no server-issued
		// failure condition worth surfacing: spec §4.6 has it fall back to
		// XEP-0078 legacy anonymous auth on anything short of an explicit
		// SASL <failure/>, rather than failing the connection outright.
		var authFailed *xmpperror.AuthFailed
		if driver.Name() == "ANONYMOUS" && legacy != nil && !errors.As(err, &authFailed) {
			log.Warn("anonymous SASL failed with a transport error, falling back to legacy anonymous auth", "error", err)
			j, lerr := authenticateLegacy(io, legacy, cb, host, resource)
			if lerr != nil {
				return nil, lerr
			}
			return &Result{JID: j}, nil
		}
		log.Warn("SASL authentication failed", "mechanism", driver.Name(), "error", err)
		return nil, err
	}

	if err := io.ResetStream(); err != nil {
		return nil, err
	}

	features, err := awaitBindFeatures(io)
	if err != nil {
		return nil, err
	}

	boundJID, err := bindResource(io, resource)
	if err != nil {
		return nil, err
	}

	if features.FindChild(ns.Session, "session") != nil {
		if err := establishSession(io); err != nil {
			return nil, err
		}
	}

	return &Result{JID: boundJID}, nil
}

// authenticateLegacy fetches credentials and drives XEP-0078 non-SASL
// authentication, used both when no SASL mechanism is shared with the
// server and as ANONYMOUS's fallback on a transport error.
func authenticateLegacy(io PacketIO, legacy LegacyAuthenticator, cb CallbackHandler, host, resource string) (*jid.JID, error) {
	creds, err := cb.Credentials()
	if err != nil {
		return nil, err
	}
	return legacy.Authenticate(io, host, creds.Username, creds.Password, resource)
}

func contains(list []string, name string) bool {
	for _, s := range list {
		if s == name {
			return true
		}
	}
	return false
}

func runChallengeLoop(io PacketIO, driver MechanismDriver, timeout time.Duration) error {
	resp, hasInitial := driver.InitialResponse()
	var payload string
	if hasInitial {
		if len(resp) == 0 {
			// RFC 6120 §6.4.2: a present-but-empty initial response is a
			// single "=", distinct from no initial response at all.
			payload = "="
		} else {
			payload = base64.StdEncoding.EncodeToString(resp)
		}
		if _, err := fmt.Fprintf(io, `<auth xmlns="%s" mechanism="%s">%s</auth>`, ns.SASL, driver.Name(), payload); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(io, `<auth xmlns="%s" mechanism="%s"/>`, ns.SASL, driver.Name()); err != nil {
			return err
		}
	}

	for {
		el, err := io.Next(timeout)
		if err != nil {
			return xmpperror.AuthTimeout
		}
		switch {
		case el.Is(ns.SASL, "success"):
			return nil
		case el.Is(ns.SASL, "failure"):
			return &xmpperror.AuthFailed{Condition: failureCondition(el)}
		case el.Is(ns.SASL, "challenge"):
			raw, err := base64.StdEncoding.DecodeString(el.Text)
			if err != nil {
				return xmpperror.ProtocolError
			}
			resp, err := driver.EvaluateChallenge(raw)
			if err != nil {
				return err
			}
			// The server still sends a closing <success/> even once the
			// driver considers its own side complete; keep looping until
			// that arrives so the caller always resets from a known-good
			// state.
			if _, err := fmt.Fprintf(io, `<response xmlns="%s">%s</response>`, ns.SASL, base64.StdEncoding.EncodeToString(resp)); err != nil {
				return err
			}
		default:
			return xmpperror.ProtocolError
		}
	}
}

func failureCondition(el *wire.Element) string {
	if len(el.Child) == 0 {
		return ""
	}
	return el.Child[0].Name
}

func awaitBindFeatures(io PacketIO) (*wire.Element, error) {
	el, err := io.Next(BindTimeout)
	if err != nil {
		return nil, xmpperror.AuthTimeout
	}
	if !el.Is(ns.Stream, "features") {
		return nil, xmpperror.ProtocolError
	}
	if el.FindChild(ns.Bind, "bind") == nil {
		return nil, xmpperror.BindNotOffered
	}
	return el, nil
}

func bindResource(io PacketIO, resource string) (*jid.JID, error) {
	id := randomID()
	var err error
	if resource == "" {
		_, err = fmt.Fprintf(io, `<iq id="%s" type="set"><bind xmlns="%s"/></iq>`, id, ns.Bind)
	} else {
		_, err = fmt.Fprintf(io, `<iq id="%s" type="set"><bind xmlns="%s"><resource>%s</resource></bind></iq>`, id, ns.Bind, resource)
	}
	if err != nil {
		return nil, err
	}
	el, err := io.Next(BindTimeout)
	if err != nil {
		return nil, xmpperror.AuthTimeout
	}
	if !el.Is(ns.Client, "iq") || el.Attribute("id") != id {
		return nil, xmpperror.ProtocolError
	}
	if el.Attribute("type") == "error" {
		return nil, xmpperror.ProtocolError
	}
	bind := el.FindChild(ns.Bind, "bind")
	if bind == nil {
		return nil, xmpperror.BindNotOffered
	}
	jidEl := bind.FindChild("", "jid")
	if jidEl == nil {
		return nil, xmpperror.ProtocolError
	}
	return jid.Parse(jidEl.Text)
}

func establishSession(io PacketIO) error {
	id := randomID()
	if _, err := fmt.Fprintf(io, `<iq id="%s" type="set"><session xmlns="%s"/></iq>`, id, ns.Session); err != nil {
		return err
	}
	el, err := io.Next(BindTimeout)
	if err != nil {
		return xmpperror.AuthTimeout
	}
	if !el.Is(ns.Client, "iq") || el.Attribute("id") != id {
		return xmpperror.ProtocolError
	}
	if el.Attribute("type") == "error" {
		return xmpperror.ProtocolError
	}
	return nil
}

func randomID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
