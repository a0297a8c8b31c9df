// Package discover resolves the candidate (host, port) pairs a Dialer tries
// in turn, per spec §4.1 (C1 connect-data resolver).
package discover

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sort"

	"golang.org/x/net/idna"
)

// ErrInvalidService is returned for a service name other than the four RFC
// 6120/XEP-0368 SRV service types.
var ErrInvalidService = errors.New("xmpp: service must be one of xmpp[s]-client or xmpp[s]-server")

// Candidate is one (host, port) pair to try, in priority order.
type Candidate struct {
	Host string
	Port uint16
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// FallbackCandidate is what a Resolve call degrades to when no SRV record
// exists for the domain but the service is nonetheless assumed reachable on
// its well-known port — grounded on the teacher's FallbackRecords.
func FallbackCandidate(service, domain string) []Candidate {
	switch service {
	case "xmpp-client":
		return []Candidate{{domain, 5222}}
	case "xmpps-client":
		return []Candidate{{domain, 5223}}
	case "xmpp-server":
		return []Candidate{{domain, 5269}}
	case "xmpps-server":
		return []Candidate{{domain, 5270}}
	}
	return nil
}

// Resolve looks up SRV records for service.tcp.domain and returns the
// resulting candidates in RFC 2782 priority/weight order, sampling the
// weighted order once and caching that single ordering for the life of the
// call (spec's "sampled once and cached" requirement) rather than
// re-randomizing on every access. A domain whose only SRV record targets
// "." is RFC 2782's "service decidedly not available" signal and resolves
// to no candidates at all, not to the fallback.
func Resolve(ctx context.Context, resolver *net.Resolver, service, domain string) ([]Candidate, error) {
	switch service {
	case "xmpp-client", "xmpp-server", "xmpps-client", "xmpps-server":
	default:
		return nil, ErrInvalidService
	}

	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		asciiDomain = domain
	}

	_, srvs, err := resolver.LookupSRV(ctx, service, "tcp", asciiDomain)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		return FallbackCandidate(service, domain), nil
	}

	if len(srvs) == 1 && srvs[0].Target == "." {
		return nil, nil
	}

	return weightedOrder(srvs), nil
}

// weightedOrder sorts SRV records by priority and samples a single weighted
// ordering within each priority tier, per RFC 2782 §"Usage rules".
func weightedOrder(srvs []*net.SRV) []Candidate {
	sorted := append([]*net.SRV(nil), srvs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	out := make([]Candidate, 0, len(sorted))
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j].Priority == sorted[i].Priority {
			j++
		}
		out = append(out, sampleWeighted(sorted[i:j])...)
		i = j
	}
	return out
}

func sampleWeighted(tier []*net.SRV) []Candidate {
	remaining := append([]*net.SRV(nil), tier...)
	out := make([]Candidate, 0, len(remaining))
	for len(remaining) > 0 {
		total := 0
		for _, s := range remaining {
			total += int(s.Weight) + 1
		}
		pick := rand.Intn(total)
		acc := 0
		idx := 0
		for i, s := range remaining {
			acc += int(s.Weight) + 1
			if pick < acc {
				idx = i
				break
			}
		}
		chosen := remaining[idx]
		out = append(out, Candidate{Host: chosen.Target, Port: chosen.Port})
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}
