// Package auth implements the C6 SASL driver: mechanism selection, the
// challenge/response loop, and resource binding/session establishment.
// Named auth rather than sasl to avoid colliding with the imported
// mellium.im/sasl package.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"

	"mellium.im/sasl"

	"github.com/quietloop/xmppstream/xmpperror"
)

// Credentials is what a CallbackHandler supplies to a MechanismDriver:
// identity, username, password, and (for DIGEST-MD5) the server's default
// realm.
type Credentials struct {
	Identity string
	Username string
	Password string
	Realm    string
}

// CallbackHandler supplies credentials lazily, so a client that never needs
// a password (ANONYMOUS, EXTERNAL) never has to provide one.
type CallbackHandler interface {
	Credentials() (Credentials, error)
}

// StaticCredentials is the common case: a CallbackHandler that always
// returns the same Credentials.
type StaticCredentials Credentials

func (c StaticCredentials) Credentials() (Credentials, error) { return Credentials(c), nil }

// MechanismDriver is the polymorphic SASL mechanism interface from spec
// §4.6: initialResponse/evaluateChallenge/isComplete/name.
type MechanismDriver interface {
	Name() string
	InitialResponse() (resp []byte, ok bool)
	EvaluateChallenge(challenge []byte) (resp []byte, err error)
	IsComplete() bool
}

// Constructor builds a MechanismDriver given the negotiated digest URI
// (xmpp/<host>, host being the negotiated service name per spec §4.6 step
// 3), the credential callback, and the current TLS connection state (nil if
// the stream is not secured; used by EXTERNAL and the mellium.im/sasl SCRAM
// drivers for channel binding). It returns xmpperror.MechanismNotSupported
// when the mechanism cannot be initialized locally (spec §4.6 step 7).
type Constructor func(digestURI string, cb CallbackHandler, tlsState *tls.ConnectionState) (MechanismDriver, error)

// MechanismEntry pairs a SASL mechanism name with its Constructor. A
// preference-ordered slice of these is how a caller tells Authenticate
// which mechanisms it supports and in what order to try them.
type MechanismEntry struct {
	Name string
	New  Constructor
}

// DefaultMechanisms is the preference-ordered list of locally supported
// mechanisms, grounded on the teacher's sasl.go mechanism list
// (mellium.im/sasl.Plain, ScramSha256, ScramSha1, Anonymous) extended with
// the legacy CRAM-MD5 and DIGEST-MD5 mechanisms and a deliberately
// unsupported GSSAPI stub — see DESIGN.md for why no pack library covers
// CRAM-MD5/DIGEST-MD5/GSSAPI. It is the zero-value default Config uses when
// a caller doesn't override the mechanism list with WithMechanisms; unlike
// the singleton it replaces, nothing in this package reads it implicitly.
var DefaultMechanisms = []MechanismEntry{
	{"SCRAM-SHA-256", newSaslMechanism(sasl.ScramSha256)},
	{"SCRAM-SHA-1", newSaslMechanism(sasl.ScramSha1)},
	{"DIGEST-MD5", newDigestMD5},
	{"CRAM-MD5", newCRAMMD5},
	{"PLAIN", newSaslMechanism(sasl.Plain)},
	{"EXTERNAL", newExternal},
	{"ANONYMOUS", newSaslMechanism(sasl.Anonymous)},
	{"GSSAPI", newGSSAPI},
}

// saslMechanismDriver adapts a mellium.im/sasl.Client (PLAIN, ANONYMOUS, and
// the SCRAM family) to MechanismDriver, grounded directly on the teacher's
// sasl.go step loop.
type saslMechanismDriver struct {
	client   *sasl.Negotiator
	name     string
	complete bool
}

func newSaslMechanism(m sasl.Mechanism) Constructor {
	return func(digestURI string, cb CallbackHandler, tlsState *tls.ConnectionState) (MechanismDriver, error) {
		creds, err := cb.Credentials()
		if err != nil {
			return nil, err
		}
		opts := []sasl.Option{
			sasl.Credentials(func() (username, password, identity []byte) {
				return []byte(creds.Username), []byte(creds.Password), []byte(creds.Identity)
			}),
		}
		if tlsState != nil {
			opts = append(opts, sasl.TLSState(*tlsState))
		}
		return &saslMechanismDriver{client: sasl.NewClient(m, opts...), name: m.Name}, nil
	}
}

func (d *saslMechanismDriver) Name() string { return d.name }

func (d *saslMechanismDriver) InitialResponse() ([]byte, bool) {
	more, resp, err := d.client.Step(nil)
	if err != nil {
		d.complete = true
		return nil, false
	}
	if !more {
		d.complete = true
	}
	return resp, true
}

func (d *saslMechanismDriver) EvaluateChallenge(challenge []byte) ([]byte, error) {
	more, resp, err := d.client.Step(challenge)
	if err != nil {
		return nil, err
	}
	if !more {
		d.complete = true
	}
	return resp, nil
}

func (d *saslMechanismDriver) IsComplete() bool { return d.complete }

// externalDriver implements SASL EXTERNAL (RFC 6120 §6.3.9): the initial
// response is the authorization identity, taken from the Identity field of
// the callback's Credentials. It is only constructed over a TLS-secured
// stream.
type externalDriver struct {
	identity string
	sent     bool
}

func newExternal(digestURI string, cb CallbackHandler, tlsState *tls.ConnectionState) (MechanismDriver, error) {
	if tlsState == nil {
		return nil, xmpperror.MechanismNotSupported
	}
	creds, err := cb.Credentials()
	if err != nil {
		return nil, err
	}
	return &externalDriver{identity: creds.Identity}, nil
}

func (d *externalDriver) Name() string { return "EXTERNAL" }

func (d *externalDriver) InitialResponse() ([]byte, bool) {
	d.sent = true
	return []byte(d.identity), true
}

func (d *externalDriver) EvaluateChallenge(challenge []byte) ([]byte, error) {
	return nil, nil
}

func (d *externalDriver) IsComplete() bool { return d.sent }

// gssapiDriver is never constructible: no pack library ships a GSSAPI
// provider (see DESIGN.md's Open Question decision). The type exists so the
// registry entry has something to document against.
type gssapiDriver struct{}

func newGSSAPI(digestURI string, cb CallbackHandler, tlsState *tls.ConnectionState) (MechanismDriver, error) {
	return nil, xmpperror.MechanismNotSupported
}

func (gssapiDriver) Name() string                                 { return "GSSAPI" }
func (gssapiDriver) InitialResponse() ([]byte, bool)              { return nil, false }
func (gssapiDriver) EvaluateChallenge(challenge []byte) ([]byte, error) { return nil, nil }
func (gssapiDriver) IsComplete() bool                             { return true }

// cramMD5Driver implements the legacy CRAM-MD5 mechanism (RFC 2195): there
// is no initial response, and the single challenge is an HMAC-MD5 over the
// server-supplied nonce, hex-encoded and appended to the username.
// Hand-rolled against crypto/md5+crypto/hmac because no pack library or
// ecosystem package implements this mechanism (see DESIGN.md).
type cramMD5Driver struct {
	username string
	password string
	complete bool
}

func newCRAMMD5(digestURI string, cb CallbackHandler, tlsState *tls.ConnectionState) (MechanismDriver, error) {
	creds, err := cb.Credentials()
	if err != nil {
		return nil, err
	}
	return &cramMD5Driver{username: creds.Username, password: creds.Password}, nil
}

func (d *cramMD5Driver) Name() string { return "CRAM-MD5" }

func (d *cramMD5Driver) InitialResponse() ([]byte, bool) { return nil, false }

func (d *cramMD5Driver) EvaluateChallenge(challenge []byte) ([]byte, error) {
	mac := hmac.New(md5.New, []byte(d.password))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	d.complete = true
	return []byte(fmt.Sprintf("%s %s", d.username, digest)), nil
}

func (d *cramMD5Driver) IsComplete() bool { return d.complete }

// digestMD5Driver implements a minimal DIGEST-MD5 (RFC 2831) client: parses
// the server's directive pairs out of the first challenge, computes the
// response digest, and answers the (optional) rspauth confirmation
// challenge with an empty response. Hand-rolled for the same reason as
// CRAM-MD5.
type digestMD5Driver struct {
	username  string
	password  string
	realm     string
	digestURI string
	cnonce    string
	step      int
	complete  bool
}

func newDigestMD5(digestURI string, cb CallbackHandler, tlsState *tls.ConnectionState) (MechanismDriver, error) {
	creds, err := cb.Credentials()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return &digestMD5Driver{
		username:  creds.Username,
		password:  creds.Password,
		realm:     creds.Realm,
		digestURI: digestURI,
		cnonce:    hex.EncodeToString(buf),
	}, nil
}

func (d *digestMD5Driver) Name() string { return "DIGEST-MD5" }

func (d *digestMD5Driver) InitialResponse() ([]byte, bool) { return nil, false }

func (d *digestMD5Driver) EvaluateChallenge(challenge []byte) ([]byte, error) {
	d.step++
	if d.step == 1 {
		directives := parseDigestDirectives(challenge)
		nonce := directives["nonce"]
		realm := d.realm
		if realm == "" {
			realm = directives["realm"]
		}
		resp := digestMD5Response(d.username, realm, d.password, nonce, d.cnonce, d.digestURI)
		return []byte(fmt.Sprintf(
			`username="%s",realm="%s",nonce="%s",cnonce="%s",nc=00000001,qop=auth,digest-uri="%s",response=%s,charset=utf-8`,
			d.username, realm, nonce, d.cnonce, d.digestURI, resp,
		)), nil
	}
	d.complete = true
	return []byte{}, nil
}

func (d *digestMD5Driver) IsComplete() bool { return d.complete }

func parseDigestDirectives(challenge []byte) map[string]string {
	out := map[string]string{}
	for _, part := range splitDigest(string(challenge)) {
		k, v, ok := cutDigest(part)
		if !ok {
			continue
		}
		out[k] = trimQuotes(v)
	}
	return out
}

func splitDigest(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			depth ^= 1
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func cutDigest(s string) (key, value string, ok bool) {
	for i, r := range s {
		if r == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func digestMD5Response(username, realm, password, nonce, cnonce, digestURI string) string {
	h := func(b []byte) []byte {
		sum := md5.Sum(b)
		return sum[:]
	}
	hexStr := func(b []byte) string { return hex.EncodeToString(b) }

	a1Hash := h([]byte(username + ":" + realm + ":" + password))
	a1 := string(a1Hash) + ":" + nonce + ":" + cnonce
	a2 := "AUTHENTICATE:" + digestURI

	ha1 := hexStr(h([]byte(a1)))
	ha2 := hexStr(h([]byte(a2)))

	kd := ha1 + ":" + nonce + ":00000001:" + cnonce + ":auth:" + ha2
	return hexStr(h([]byte(kd)))
}
