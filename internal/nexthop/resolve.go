/*
Crispmx - outbound SMTP delivery engine.
Copyright © 2024-2026 Crispmx contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package nexthop

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/crispmx/crispmx/framework/config"
	"github.com/crispmx/crispmx/framework/dns"
	"github.com/crispmx/crispmx/framework/exterrors"
	"github.com/crispmx/crispmx/internal/queue"
)

// StatusErr carries a fully classified per-domain delivery status out of
// hop resolution. Callers record the Status instead of classifying the
// error themselves.
type StatusErr struct {
	Status queue.Status
}

func (e *StatusErr) Error() string {
	return e.Status.FormatLog()
}

func statusErr(status queue.Status) error {
	return &StatusErr{Status: status}
}

// Resolver turns recipient domains into ordered connection candidates.
type Resolver struct {
	dns dns.Resolver

	routes        []route
	maxMX         int
	mxProto       MX
	allowLoopback bool
}

type route struct {
	// Normalized pattern: exact name, "*.name" or "*".
	pattern string
	relay   Relay
}

func New(cfg *config.Config, resolver dns.Resolver) (*Resolver, error) {
	strategy, err := ParseIPStrategy(cfg.DNS.IPStrategy)
	if err != nil {
		return nil, err
	}

	mxPort := uint16(smtpPort)
	if cfg.Debug.SMTPPort != "" {
		p, err := strconv.ParseUint(cfg.Debug.SMTPPort, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid debug.smtp_port %q", cfg.Debug.SMTPPort)
		}
		mxPort = uint16(p)
	}

	r := &Resolver{
		dns:   resolver,
		maxMX: cfg.Limits.MaxMX,
		mxProto: MX{
			port:              mxPort,
			maxMultiHomed:     cfg.Limits.MaxMultihomed,
			strategy:          strategy,
			allowInvalidCerts: cfg.TLS.AllowInvalidCerts,
		},
		allowLoopback: cfg.Debug.AllowLoopback,
	}

	for _, rt := range cfg.Routes {
		relay, err := NewRelay(rt)
		if err != nil {
			return nil, err
		}
		pattern, err := normalizePattern(rt.Domain)
		if err != nil {
			return nil, fmt.Errorf("route for %q: %w", rt.Domain, err)
		}
		r.routes = append(r.routes, route{pattern: pattern, relay: relay})
	}

	return r, nil
}

func normalizePattern(pattern string) (string, error) {
	if pattern == "*" {
		return pattern, nil
	}
	if strings.HasPrefix(pattern, "*.") {
		norm, err := dns.ForLookup(strings.TrimPrefix(pattern, "*."))
		if err != nil {
			return "", err
		}
		return "*." + norm, nil
	}
	return dns.ForLookup(pattern)
}

// RelayHop returns the relay configured for domain, if any. Exact matches
// win over "*.name" wildcards, which win over a catch-all "*" route.
func (r *Resolver) RelayHop(domain string) (Relay, bool) {
	norm, err := dns.ForLookup(domain)
	if err != nil {
		return Relay{}, false
	}

	var wildcard, catchAll *route
	for i := range r.routes {
		rt := &r.routes[i]
		switch {
		case rt.pattern == norm:
			return rt.relay, true
		case rt.pattern == "*":
			if catchAll == nil {
				catchAll = rt
			}
		case strings.HasPrefix(rt.pattern, "*."):
			dot := strings.IndexByte(norm, '.')
			if dot < 0 || wildcard != nil {
				continue
			}
			if norm[dot+1:] == rt.pattern[2:] {
				wildcard = rt
			}
		}
	}
	if wildcard != nil {
		return wildcard.relay, true
	}
	if catchAll != nil {
		return catchAll.relay, true
	}
	return Relay{}, false
}

// Hops returns the candidate next hops for domain, most preferred first.
//
// A matching relay route short-circuits MX resolution entirely. A missing
// MX RRset falls back to a single implicit hop pointing at the domain.
// Errors are *StatusErr.
func (r *Resolver) Hops(ctx context.Context, domain string) ([]Hop, error) {
	if relay, ok := r.RelayHop(domain); ok {
		return []Hop{relay}, nil
	}

	records, err := r.dns.LookupMX(ctx, domain)
	if err != nil && !dns.IsNotFound(err) {
		return nil, statusErr(queue.FromDNSErr(domain, err))
	}
	return r.candidates(records, domain)
}

// candidates orders MX records by preference, breaking ties randomly, and
// caps the list at the configured maximum.
func (r *Resolver) candidates(records []*net.MX, domain string) ([]Hop, error) {
	if len(records) == 0 {
		implicit := r.mxProto
		implicit.Host = domain
		implicit.Implicit = true
		return []Hop{implicit}, nil
	}

	if len(records) == 1 && records[0].Pref == 0 && strings.TrimSuffix(records[0].Host, ".") == "" {
		// Null MX (RFC 7505).
		return nil, statusErr(queue.PermFailure(domain, queue.DNSError{
			Reason: "Domain does not accept messages (null MX)",
		}))
	}

	sorted := make([]*net.MX, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Pref < sorted[j].Pref
	})
	for run := 0; run < len(sorted); {
		end := run + 1
		for end < len(sorted) && sorted[end].Pref == sorted[run].Pref {
			end++
		}
		group := sorted[run:end]
		rand.Shuffle(len(group), func(i, j int) {
			group[i], group[j] = group[j], group[i]
		})
		run = end
	}

	hops := make([]Hop, 0, len(sorted))
	for _, mx := range sorted {
		hop := r.mxProto
		hop.Host = mx.Host
		hops = append(hops, hop)
		if len(hops) == r.maxMX {
			break
		}
	}
	return hops, nil
}

// ResolveIPs resolves the hop's addresses, ordered and capped per its IP
// strategy and multihoming limit. Errors are *StatusErr.
func (r *Resolver) ResolveIPs(ctx context.Context, hop Hop) ([]net.IP, error) {
	addrs, err := r.dns.LookupIPAddr(ctx, hop.FQDNHostname())
	if err != nil {
		return nil, statusErr(lookupStatus(hop, err))
	}

	ips := orderIPs(addrs, hop.IPStrategy(), hop.MaxMultiHomed())

	if len(ips) > 0 && !r.allowLoopback {
		kept := ips[:0]
		for _, ip := range ips {
			if !ip.IsLoopback() {
				kept = append(kept, ip)
			}
		}
		if len(kept) == 0 {
			return nil, statusErr(queue.PermFailure(hop.Hostname(), queue.ConnectionError{
				Reason: "host resolves loopback address",
			}))
		}
		ips = kept
	}

	if len(ips) == 0 {
		return nil, statusErr(queue.TempFailure(hop.Hostname(), queue.DNSError{
			Reason: fmt.Sprintf("No IP addresses found for %q.", hop.Hostname()),
		}))
	}
	return ips, nil
}

func lookupStatus(hop Hop, err error) queue.Status {
	if dns.IsNotFound(err) {
		if mx, ok := hop.(MX); ok && mx.Implicit {
			return queue.PermFailure(hop.Hostname(), queue.DNSError{
				Reason: "no MX record found.",
			})
		}
		return queue.PermFailure(hop.Hostname(), queue.ConnectionError{
			Reason: "record not found for MX",
		})
	}
	reason, _ := exterrors.UnwrapDNSErr(err)
	if reason == "" {
		reason = err.Error()
	}
	return queue.TempFailure(hop.Hostname(), queue.ConnectionError{
		Reason: "lookup error: " + reason,
	})
}

func orderIPs(addrs []net.IPAddr, strategy IPStrategy, max int) []net.IP {
	var v4, v6 []net.IP
	for _, addr := range addrs {
		if ip4 := addr.IP.To4(); ip4 != nil {
			v4 = append(v4, ip4)
		} else {
			v6 = append(v6, addr.IP)
		}
	}

	var ordered []net.IP
	switch strategy {
	case IPv4Only:
		ordered = v4
	case IPv6Only:
		ordered = v6
	case IPv4ThenIPv6:
		ordered = append(v4, v6...)
	case IPv6ThenIPv4:
		ordered = append(v6, v4...)
	}
	if len(ordered) > max {
		ordered = ordered[:max]
	}
	return ordered
}
