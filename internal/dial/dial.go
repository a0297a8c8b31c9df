// Package dial implements C11, the front door that ties C1 (discover) to C3
// (transport): it resolves candidates for a JID's domain and dials each in
// turn until one succeeds.
package dial

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/quietloop/xmppstream/internal/discover"
	"github.com/quietloop/xmppstream/internal/transport"
	"github.com/quietloop/xmppstream/xmpperror"
)

// Dialer resolves and connects to a domain, grounded on the teacher's
// Dialer/DialClient shape: a small set of options plus a single Dial
// method, here narrowed to exactly what a client-to-server stream needs.
type Dialer struct {
	// Resolver is used for SRV lookups; nil uses net.DefaultResolver.
	Resolver *net.Resolver

	// NetDial opens the TCP connection once a candidate is chosen. Nil uses
	// (&net.Dialer{}).DialContext.
	NetDial func(ctx context.Context, network, addr string) (net.Conn, error)

	// NoLookup skips SRV discovery and dials the domain directly on the
	// client service's default port.
	NoLookup bool

	// Logger receives diagnostic output for candidate dialing and is passed
	// on to each opened transport; nil discards it.
	Logger *slog.Logger
}

func (d *Dialer) resolver() *net.Resolver {
	if d.Resolver != nil {
		return d.Resolver
	}
	return net.DefaultResolver
}

func (d *Dialer) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.NetDial != nil {
		return d.NetDial(ctx, network, addr)
	}
	return (&net.Dialer{}).DialContext(ctx, network, addr)
}

// Dial resolves domain's SRV records (service "xmpp-client"), falling back
// to (domain, 5222) when none exist, and dials each candidate in turn,
// returning the first successfully opened *transport.Transport.
func (d *Dialer) Dial(ctx context.Context, network, domain string) (*transport.Transport, error) {
	var candidates []discover.Candidate
	if d.NoLookup {
		candidates = discover.FallbackCandidate("xmpp-client", domain)
	} else {
		var err error
		candidates, err = discover.Resolve(ctx, d.resolver(), "xmpp-client", domain)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			candidates = discover.FallbackCandidate("xmpp-client", domain)
		}
	}
	if len(candidates) == 0 {
		return nil, xmpperror.RemoteServerNotFound
	}

	dialFn := func(network, addr string) (net.Conn, error) {
		return d.netDial(ctx, network, addr)
	}

	var lastErr error
	for _, c := range candidates {
		addr := net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
		t, err := transport.Open(dialFn, network, addr, d.Logger)
		if err == nil {
			return t, nil
		}
		if d.Logger != nil {
			d.Logger.Warn("dial candidate failed", "addr", addr, "error", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = xmpperror.RemoteServerNotFound
	}
	return nil, lastErr
}
