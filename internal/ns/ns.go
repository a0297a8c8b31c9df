// Package ns collects the XML namespaces used throughout the stream engine.
package ns

// Namespaces used by the core stream, STARTTLS, SASL, compression, resource
// binding, and session establishment.
const (
	Client     = "jabber:client"
	Server     = "jabber:server"
	Stream     = "http://etherx.jabber.org/streams"
	StartTLS   = "urn:ietf:params:xml:ns:xmpp-tls"
	SASL       = "urn:ietf:params:xml:ns:xmpp-sasl"
	Compress   = "http://jabber.org/protocol/compress"
	CompressFT = "http://jabber.org/features/compress"
	Bind       = "urn:ietf:params:xml:ns:xmpp-bind"
	Session    = "urn:ietf:params:xml:ns:xmpp-session"
	XML        = "http://www.w3.org/XML/1998/namespace"
	LegacyAuth = "jabber:iq:auth"
)
