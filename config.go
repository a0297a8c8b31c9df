package xmppstream

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quietloop/xmppstream/auth"
	"github.com/quietloop/xmppstream/internal/negotiate"
)

// Config is a stream's immutable connect-time configuration, built with
// New and a list of Options — grounded on the teacher's conn.Option /
// getOpts pattern, generalized from a single options struct to the fuller
// ConnectionConfig spec §3 describes.
type Config struct {
	ServiceName string // logical XMPP domain; required

	// Host and Port override SRV discovery when non-zero.
	Host string
	Port uint16

	SecurityMode negotiate.SecurityMode
	Compression  bool

	ReplyTimeout      time.Duration
	KeepaliveInterval time.Duration

	Resource string

	TLSConfig *tls.Config

	Credentials auth.CallbackHandler
	Legacy      auth.LegacyAuthenticator
	Mechanisms  []auth.MechanismEntry

	Resolver *net.Resolver
	NetDial  func(ctx context.Context, network, addr string) (net.Conn, error)
	NoLookup bool

	Logger *slog.Logger
}

// Option configures a Config built by New.
type Option func(*Config)

// New builds a Config for serviceName from the given options.
func New(serviceName string, opts ...Option) *Config {
	c := &Config{
		ServiceName:       serviceName,
		SecurityMode:      negotiate.SecurityOptional,
		ReplyTimeout:      30 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		Mechanisms:        auth.DefaultMechanisms,
	}
	for _, o := range opts {
		o(c)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// WithHostPort overrides SRV discovery with an explicit host and port.
func WithHostPort(host string, port uint16) Option {
	return func(c *Config) { c.Host, c.Port = host, port }
}

// WithSecurityMode sets the STARTTLS policy.
func WithSecurityMode(m negotiate.SecurityMode) Option {
	return func(c *Config) { c.SecurityMode = m }
}

// WithCompression enables stream compression negotiation.
func WithCompression(enabled bool) Option {
	return func(c *Config) { c.Compression = enabled }
}

// WithReplyTimeout sets the timeout for each read of the server's stream
// opens and feature-negotiation elements, and for GracefulDisconnect's wait.
// The bind and session IQ replies do not use it: they are bounded by
// auth.BindTimeout.
func WithReplyTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReplyTimeout = d }
}

// WithKeepalive sets the whitespace keepalive interval. Zero disables it.
func WithKeepalive(d time.Duration) Option {
	return func(c *Config) { c.KeepaliveInterval = d }
}

// WithResource requests a specific resourcepart during binding; the empty
// string asks the server to generate one.
func WithResource(resource string) Option {
	return func(c *Config) { c.Resource = resource }
}

// WithTLSConfig sets the *tls.Config used for STARTTLS. Nil means TLS
// cannot be negotiated at all (the negotiator's "an SSL context can be
// built" precondition fails).
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Config) { c.TLSConfig = cfg }
}

// WithCredentials sets the callback handler used to supply SASL
// credentials.
func WithCredentials(cb auth.CallbackHandler) Option {
	return func(c *Config) { c.Credentials = cb }
}

// WithLegacyAuth sets the XEP-0078 fallback authenticator used when no SASL
// mechanism is shared with the server, and, for ANONYMOUS, when SASL
// negotiation fails with a transport error rather than an explicit
// <failure/>.
func WithLegacyAuth(l auth.LegacyAuthenticator) Option {
	return func(c *Config) { c.Legacy = l }
}

// WithMechanisms overrides the preference-ordered list of SASL mechanisms
// Authenticate will try, replacing auth.DefaultMechanisms. Each Stream owns
// its own list rather than sharing a package-level registry, so unrelated
// streams in the same process can't affect each other's mechanism
// preference or ordering.
func WithMechanisms(mechanisms []auth.MechanismEntry) Option {
	return func(c *Config) { c.Mechanisms = mechanisms }
}

// WithResolver overrides the *net.Resolver used for SRV lookups.
func WithResolver(r *net.Resolver) Option {
	return func(c *Config) { c.Resolver = r }
}

// WithNetDial overrides how the raw TCP connection is opened.
func WithNetDial(f func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(c *Config) { c.NetDial = f }
}

// WithNoLookup skips SRV discovery and dials ServiceName directly on the
// client service's default port.
func WithNoLookup(v bool) Option {
	return func(c *Config) { c.NoLookup = v }
}

// WithLogger sets the structured logger used for diagnostic output. Never
// logs credentials or raw SASL challenge/response bytes.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
