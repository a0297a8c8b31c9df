package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/quietloop/xmppstream/internal/ns"
	"github.com/quietloop/xmppstream/internal/wire"
	"github.com/quietloop/xmppstream/jid"
	"github.com/quietloop/xmppstream/xmpperror"
)

// LegacyIQAuthenticator implements XEP-0078 Non-SASL Authentication, the
// fallback spec §4.6 step 9 names for when no SASL mechanism is shared with
// the server. Grounded on the teacher's bind.go IQ send/await pattern
// (request an id, wait for the matching reply) since the teacher itself
// predates and does not implement XEP-0078.
type LegacyIQAuthenticator struct{}

var _ LegacyAuthenticator = LegacyIQAuthenticator{}

// Authenticate sends a plaintext jabber:iq:auth request. A resourcepart
// must always be supplied under this legacy protocol; an empty resource
// defaults to "xmppstream".
func (LegacyIQAuthenticator) Authenticate(io PacketIO, domain, username, password, resource string) (*jid.JID, error) {
	if resource == "" {
		resource = "xmppstream"
	}
	id := legacyRandomID()
	_, err := fmt.Fprintf(io,
		`<iq id="%s" type="set"><query xmlns="%s"><username>%s</username><password>%s</password><resource>%s</resource></query></iq>`,
		id, ns.LegacyAuth, username, password, resource,
	)
	if err != nil {
		return nil, err
	}

	el, err := io.Next(ChallengeTimeout)
	if err != nil {
		return nil, xmpperror.AuthTimeout
	}
	if !el.Is(ns.Client, "iq") || el.Attribute("id") != id {
		return nil, xmpperror.ProtocolError
	}
	if el.Attribute("type") == "error" {
		return nil, &xmpperror.AuthFailed{Condition: legacyErrorCondition(el)}
	}
	return jid.New(username, domain, resource)
}

func legacyErrorCondition(el *wire.Element) string {
	errEl := el.FindChild("", "error")
	if errEl == nil || len(errEl.Child) == 0 {
		return ""
	}
	return errEl.Child[0].Name
}

func legacyRandomID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
