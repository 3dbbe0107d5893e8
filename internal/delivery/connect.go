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

package delivery

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/crispmx/crispmx/framework/config"
	"github.com/crispmx/crispmx/framework/dns"
	"github.com/crispmx/crispmx/framework/future"
	"github.com/crispmx/crispmx/internal/dane"
	"github.com/crispmx/crispmx/internal/mtasts"
	"github.com/crispmx/crispmx/internal/nexthop"
	"github.com/crispmx/crispmx/internal/queue"
	"github.com/crispmx/crispmx/internal/smtpconn"
)

type TLSLevel int

const (
	TLSNone TLSLevel = iota
	TLSEncrypted
	TLSAuthenticated
)

func (l TLSLevel) String() string {
	switch l {
	case TLSNone:
		return "none"
	case TLSEncrypted:
		return "encrypted"
	case TLSAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

type MXLevel int

const (
	MXNone MXLevel = iota
	MX_MTASTS
	MX_DNSSEC
)

func (l MXLevel) String() string {
	switch l {
	case MXNone:
		return "none"
	case MX_MTASTS:
		return "mtasts"
	case MX_DNSSEC:
		return "dnssec"
	}
	return "unknown"
}

type mxConn struct {
	*smtpconn.C

	// Domain the connection was established for.
	domain string

	hop nexthop.Hop
}

// connectAny walks the next hops for domain and returns the first usable
// connection. When none can be established the Status of the last failed
// candidate describes the whole attempt.
func (e *Engine) connectAny(ctx context.Context, msg *queue.Message, domain string) (*mxConn, queue.Status) {
	if relay, ok := e.hops.RelayHop(domain); ok {
		return e.attemptHop(ctx, msg, domain, relay, nil)
	}

	// The policy fetch runs concurrently with the MX lookup, both are
	// network round-trips.
	var stsFut *future.Future[*mtasts.Policy]
	if e.stsMode != "off" {
		stsFut = future.New[*mtasts.Policy]()
		if e.mtastsGet != nil {
			go func() {
				stsFut.Set(e.mtastsGet(ctx, domain))
			}()
		} else {
			go func() {
				stsFut.Set(e.mtastsCache.Get(ctx, domain))
			}()
		}
	}

	hops, err := e.hops.Hops(ctx, domain)
	if err != nil {
		return nil, statusFromErr(domain, err)
	}

	var policy *mtasts.Policy
	if stsFut != nil {
		policy, err = stsFut.GetContext(ctx)
		if err != nil {
			if e.stsMode == "strict" {
				return nil, queue.FromMTASTSErr(domain, err)
			}
			e.Log.DebugMsg("policy fetch error, ignoring", "domain", domain, "err", err)
			policy = nil
		}
	}

	var lastStatus queue.Status
	for _, hop := range hops {
		host := hop.Hostname()

		if policy != nil && policy.Mode == mtasts.ModeEnforce && !policy.Match(host) {
			e.Log.DebugMsg("skipping MX not authorized by policy", "remote_server", host, "domain", domain)
			lastStatus = queue.PermFailure(host, queue.MTASTSError{
				Reason: fmt.Sprintf("MX %q not authorized by policy.", host),
			})
			continue
		}

		conn, status := e.attemptHop(ctx, msg, domain, hop, policy)
		if conn != nil {
			return conn, status
		}
		lastStatus = status
	}

	if lastStatus.Kind == queue.StatusScheduled {
		lastStatus = queue.TempFailure(domain, queue.ConnectionError{
			Reason: "no usable hosts",
		})
	}
	return nil, lastStatus
}

// attemptHop resolves the hop addresses and tries each, in the configured
// family order.
func (e *Engine) attemptHop(ctx context.Context, msg *queue.Message, domain string, hop nexthop.Hop, policy *mtasts.Policy) (*mxConn, queue.Status) {
	ips, err := e.hops.ResolveIPs(ctx, hop)
	if err != nil {
		return nil, statusFromErr(hop.Hostname(), err)
	}

	var lastStatus queue.Status
	for _, ip := range ips {
		conn, status := e.attemptIP(ctx, msg, domain, hop, policy, ip)
		if conn != nil {
			return conn, status
		}
		e.Log.DebugMsg("cannot use address", "remote_server", hop.Hostname(),
			"addr", ip.String(), "status", status.FormatLog())
		lastStatus = status
	}
	return nil, lastStatus
}

// attemptIP establishes one session to a specific address of the hop,
// negotiating TLS as strongly as the remote side permits and verifying it
// against MTA-STS and DANE requirements.
func (e *Engine) attemptIP(ctx context.Context, msg *queue.Message, domain string, hop nexthop.Hop, policy *mtasts.Policy, ip net.IP) (*mxConn, queue.Status) {
	host := hop.Hostname()

	// TLSA lookup runs while the TCP+EHLO exchange is in flight.
	var tlsaFut *future.Future[[]dns.TLSA]
	if _, isMX := hop.(nexthop.MX); isMX && e.extResolver != nil {
		daneCtx, daneCancel := context.WithCancel(ctx)
		defer daneCancel()
		tlsaFut = future.New[[]dns.TLSA]()
		go func() {
			tlsaFut.Set(e.lookupTLSA(daneCtx, hop.Port(), hop.FQDNHostname()))
		}()
	}

	requireTLS := e.requireTLS || msg.RequireTLS ||
		(policy != nil && policy.Mode == mtasts.ModeEnforce)

	c := smtpconn.New()
	c.Dialer = e.dialTo(ip)
	c.Log = e.Log
	c.Hostname = e.hostname
	c.AddrInSMTPMsg = true
	if e.connectTimeout != 0 {
		c.ConnectTimeout = e.connectTimeout
	}
	if e.commandTimeout != 0 {
		c.CommandTimeout = e.commandTimeout
	}
	if e.submissionTimeout != 0 {
		c.SubmissionTimeout = e.submissionTimeout
	}

	tlsCfg := e.tlsConfig.Clone()
	tlsCfg.ServerName = host
	if hop.AllowInvalidCerts() {
		tlsCfg.InsecureSkipVerify = true
	}

	tlsLevel, tlsErr, status := e.connect(ctx, c, hop, tlsCfg, requireTLS)
	if status.Kind != queue.StatusScheduled {
		return nil, status
	}

	if tlsaFut != nil {
		recs, _ := tlsaFut.GetContext(ctx)
		if len(recs) != 0 {
			connState, _ := c.ConnectionState()
			overridePKIX, err := dane.Verify(recs, host, connState)
			if err != nil {
				c.Close()
				return nil, daneStatus(host, err)
			}
			if overridePKIX {
				tlsLevel = TLSAuthenticated
			}
		}
	}

	// All policy errors are temporary to give the local admin a chance to
	// troubleshoot them without losing messages.
	if policy != nil && policy.Mode == mtasts.ModeEnforce && tlsLevel != TLSAuthenticated {
		c.Close()
		e.Log.DebugMsg("TLS not authenticated, required by MTA-STS", "remote_server", host,
			"domain", domain, "tls_err", tlsErr)
		return nil, queue.TempFailure(host, queue.TLSError{
			Reason: "Recipient server TLS certificate is not trusted but " +
				"authentication is required by MTA-STS",
		})
	}

	mxLevel := MXNone
	if policy != nil && policy.Match(host) {
		mxLevel = MX_MTASTS
	}
	mxLevelCnt.WithLabelValues(mxLevel.String()).Inc()
	tlsLevelCnt.WithLabelValues(tlsLevel.String()).Inc()
	e.Log.DebugMsg("connected", "remote_server", host, "addr", ip.String(),
		"mx_level", mxLevel.String(), "tls_level", tlsLevel.String())

	if user, pass, ok := hop.Credentials(); ok {
		if err := c.Auth(saslClient(c, user, pass)); err != nil {
			c.Close()
			return nil, queue.FromAuthErr(host, err)
		}
	}

	return &mxConn{C: c, domain: domain, hop: hop}, queue.Scheduled()
}

// connect establishes the session, preferring STARTTLS with certificate
// verification but falling back to unauthenticated TLS or plaintext when
// nothing requires better.
//
// tlsErr reports what prevented TLS from working when tlsLevel came out
// below TLSAuthenticated.
func (e *Engine) connect(ctx context.Context, c *smtpconn.C, hop nexthop.Hop, tlsCfg *tls.Config, requireTLS bool) (tlsLevel TLSLevel, tlsErr error, status queue.Status) {
	host := hop.Hostname()
	endp := config.Endpoint{
		Host: host,
		Port: strconv.FormatUint(uint64(hop.Port()), 10),
	}

	if hop.ImplicitTLS() {
		endp.Scheme = "tls"
		if _, err := e.doConnect(ctx, c, hop, endp, tlsCfg); err != nil {
			return TLSNone, nil, connStatus(host, err)
		}
		if tlsCfg.InsecureSkipVerify {
			return TLSEncrypted, nil, queue.Scheduled()
		}
		return TLSAuthenticated, nil, queue.Scheduled()
	}

	tlsLevel = TLSAuthenticated

retry:
	// The default TLS behavior of smtpconn.C is not useful here, TLS
	// errors need separate handling, hence starttls=false.
	if _, err := e.doConnect(ctx, c, hop, endp, nil); err != nil {
		return TLSNone, nil, connStatus(host, err)
	}

	starttlsOk, _ := c.Client().Extension("STARTTLS")
	if starttlsOk && tlsCfg != nil {
		if err := c.Client().StartTLS(tlsCfg); err != nil {
			tlsErr = err

			if requireTLS {
				c.DirectClose()
				return TLSNone, tlsErr, queue.FromTLSErr(host, err)
			}

			// Unauthenticated TLS is still better than plaintext and
			// DANE-EE/DANE-TA may authenticate the server later.
			//
			// The tlsLevel check avoids looping forever when the same
			// verify error happens with InsecureSkipVerify too.
			if isVerifyError(err) && tlsLevel == TLSAuthenticated {
				e.Log.Error("TLS verify error, trying without authentication", err,
					"remote_server", host)
				tlsCfg.InsecureSkipVerify = true
				tlsLevel = TLSEncrypted

				c.DirectClose()
				goto retry
			}

			e.Log.Error("TLS error, trying plaintext", err, "remote_server", host)
			tlsCfg = nil
			tlsLevel = TLSNone
			c.DirectClose()

			goto retry
		}
	} else {
		if requireTLS {
			c.Close()
			return TLSNone, nil, queue.StartTLSNotAdvertised(host)
		}
		tlsLevel = TLSNone
	}

	return tlsLevel, tlsErr, queue.Scheduled()
}

func (e *Engine) doConnect(ctx context.Context, c *smtpconn.C, hop nexthop.Hop, endp config.Endpoint, tlsCfg *tls.Config) (bool, error) {
	if hop.IsSMTP() {
		return c.Connect(ctx, endp, false, tlsCfg)
	}
	return c.ConnectLMTP(ctx, endp, false, tlsCfg)
}

// dialTo pins the connection to a specific resolved address while the
// endpoint keeps the host name, so certificate verification and logging
// still see the name.
func (e *Engine) dialTo(ip net.IP) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		return e.dialer(ctx, network, net.JoinHostPort(ip.String(), port))
	}
}

func (e *Engine) lookupTLSA(ctx context.Context, port uint16, fqdn string) ([]dns.TLSA, error) {
	ad, recs, err := e.extResolver.AuthLookupTLSA(ctx, strconv.FormatUint(uint64(port), 10), "tcp", fqdn)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, nil
		}
		e.Log.DebugMsg("TLSA lookup error, ignoring", "fqdn", fqdn, "err", err)
		return nil, nil
	}
	if !ad {
		// Records are not DNSSEC-signed, possibly spoofed. Ignored.
		return nil, nil
	}
	return recs, nil
}

// saslClient picks the AUTH mechanism from the ones the server advertised.
// PLAIN is preferred, LOGIN is accepted for legacy servers.
func saslClient(c *smtpconn.C, user, pass string) sasl.Client {
	if ok, mechs := c.Client().Extension("AUTH"); ok {
		for _, mech := range strings.Fields(mechs) {
			switch mech {
			case sasl.Plain:
				return sasl.NewPlainClient("", user, pass)
			case sasl.Login:
				return sasl.NewLoginClient(user, pass)
			}
		}
	}
	return sasl.NewPlainClient("", user, pass)
}

func daneStatus(host string, err error) queue.Status {
	switch {
	case errors.Is(err, dane.ErrNoMatch):
		return queue.PermFailure(host, queue.DANEError{
			Reason: "No matching certificates found.",
		})
	case errors.Is(err, dane.ErrTLSRequired):
		return queue.PermFailure(host, queue.DANEError{
			Reason: "TLS required by TLSA records but was not established.",
		})
	default:
		return queue.TempFailure(host, queue.DANEError{Reason: err.Error()})
	}
}

func connStatus(host string, err error) queue.Status {
	var tlsErr smtpconn.TLSError
	if errors.As(err, &tlsErr) {
		return queue.FromTLSErr(host, tlsErr.Err)
	}
	return queue.FromSMTPErr(host, "connecting", err)
}

// statusFromErr unwraps the pre-classified status carried by next-hop
// resolution errors, falling back to DNS classification.
func statusFromErr(entity string, err error) queue.Status {
	var se *nexthop.StatusErr
	if errors.As(err, &se) {
		return se.Status
	}
	return queue.FromDNSErr(entity, err)
}

func isVerifyError(err error) bool {
	_, ok := err.(x509.UnknownAuthorityError)
	if ok {
		return true
	}
	_, ok = err.(x509.HostnameError)
	if ok {
		return true
	}
	_, ok = err.(x509.ConstraintViolationError)
	if ok {
		return true
	}
	_, ok = err.(x509.CertificateInvalidError)
	return ok
}
