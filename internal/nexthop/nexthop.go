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

// Package nexthop decides where a message for a recipient domain should be
// handed off: a configured relay when a route matches the domain, the
// domain's MX hosts otherwise.
package nexthop

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/crispmx/crispmx/framework/config"
)

// IPStrategy selects which address families are used when connecting to a
// hop and in which order.
type IPStrategy int

const (
	IPv4ThenIPv6 IPStrategy = iota
	IPv6ThenIPv4
	IPv4Only
	IPv6Only
)

func ParseIPStrategy(s string) (IPStrategy, error) {
	switch s {
	case "ipv4_then_ipv6", "":
		return IPv4ThenIPv6, nil
	case "ipv6_then_ipv4":
		return IPv6ThenIPv4, nil
	case "ipv4_only":
		return IPv4Only, nil
	case "ipv6_only":
		return IPv6Only, nil
	}
	return 0, fmt.Errorf("unknown ip_strategy: %q", s)
}

func (s IPStrategy) String() string {
	switch s {
	case IPv4ThenIPv6:
		return "ipv4_then_ipv6"
	case IPv6ThenIPv4:
		return "ipv6_then_ipv4"
	case IPv4Only:
		return "ipv4_only"
	case IPv6Only:
		return "ipv6_only"
	}
	return "invalid"
}

// Hop is a single candidate host to deliver through.
type Hop interface {
	// Hostname is the name used in delivery statuses and log messages,
	// without a trailing dot.
	Hostname() string

	// FQDNHostname is the rooted form used for DNS queries (A/AAAA and
	// TLSA).
	FQDNHostname() string

	Port() uint16

	// MaxMultiHomed caps how many resolved addresses of the hop are
	// tried.
	MaxMultiHomed() int

	IPStrategy() IPStrategy

	// Credentials returns the SASL username and password to present
	// after EHLO. ok is false when the hop is unauthenticated.
	Credentials() (username, password string, ok bool)

	// ImplicitTLS means TLS is negotiated immediately on connect instead
	// of via STARTTLS.
	ImplicitTLS() bool

	AllowInvalidCerts() bool

	// IsSMTP is false for LMTP hops.
	IsSMTP() bool
}

// Relay is a fixed next hop taken from the routes configuration.
type Relay struct {
	route config.Route
	port  uint16
}

func NewRelay(route config.Route) (Relay, error) {
	port := uint16(smtpPort)
	if route.Port != "" {
		p, err := strconv.ParseUint(route.Port, 10, 16)
		if err != nil {
			return Relay{}, fmt.Errorf("invalid relay port %q", route.Port)
		}
		port = uint16(p)
	}
	return Relay{route: route, port: port}, nil
}

const smtpPort = 25

func (r Relay) Hostname() string     { return strings.TrimSuffix(r.route.Host, ".") }
func (r Relay) FQDNHostname() string { return r.route.Host }
func (r Relay) Port() uint16         { return r.port }

// Relays are multihomed-capped and family-ordered the same way
// regardless of the MX knobs, which describe public MX behavior.
func (r Relay) MaxMultiHomed() int     { return 10 }
func (r Relay) IPStrategy() IPStrategy { return IPv4ThenIPv6 }

func (r Relay) Credentials() (string, string, bool) {
	if r.route.Username == "" {
		return "", "", false
	}
	return r.route.Username, r.route.Password, true
}

func (r Relay) ImplicitTLS() bool       { return r.route.ImplicitTLS }
func (r Relay) AllowInvalidCerts() bool { return r.route.AllowInvalidCerts }
func (r Relay) IsSMTP() bool            { return !r.route.LMTP }

// MX is a next hop from the recipient domain's MX records. Implicit is set
// when the domain publishes no MX records and is treated as its own
// mail exchanger (RFC 5321, section 5.1).
type MX struct {
	Host     string
	Implicit bool

	port              uint16
	maxMultiHomed     int
	strategy          IPStrategy
	allowInvalidCerts bool
}

func (m MX) Hostname() string { return strings.TrimSuffix(m.Host, ".") }

func (m MX) FQDNHostname() string {
	if strings.HasSuffix(m.Host, ".") {
		return m.Host
	}
	return m.Host + "."
}

func (m MX) Port() uint16                        { return m.port }
func (m MX) MaxMultiHomed() int                  { return m.maxMultiHomed }
func (m MX) IPStrategy() IPStrategy              { return m.strategy }
func (m MX) Credentials() (string, string, bool) { return "", "", false }
func (m MX) ImplicitTLS() bool                   { return false }
func (m MX) AllowInvalidCerts() bool             { return m.allowInvalidCerts }
func (m MX) IsSMTP() bool                        { return true }
