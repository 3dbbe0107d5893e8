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

// Package dane implements TLSA-based server authentication for outbound
// connections (RFC 6698, as profiled for SMTP by RFC 7672).
package dane

import (
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/crispmx/crispmx/framework/dns"
)

// ErrNoMatch is returned by Verify when usable TLSA records exist but none
// matches the certificate chain presented by the server.
var ErrNoMatch = errors.New("dane: no matching TLSA records")

// ErrTLSRequired is returned by Verify when TLSA records exist but the
// connection did not complete a TLS handshake. Per RFC 7672 Section 2.2 the
// mere presence of records makes TLS mandatory, usable or not.
var ErrTLSRequired = errors.New("dane: TLS is required but unsupported or failed")

// Usable reports whether at least one of the records has a usage, selector
// and matching type this implementation can act on. Trust anchor assertion
// (DANE-TA) and domain-issued certificate (DANE-EE) usages are supported,
// PKIX-constrained usages (0, 1) are not since the WebPKI check is done
// separately.
func Usable(recs []dns.TLSA) bool {
	for _, rec := range recs {
		if usableRec(rec) {
			return true
		}
	}
	return false
}

func usableRec(rec dns.TLSA) bool {
	switch rec.Usage {
	case 2, 3:
	default:
		return false
	}
	switch rec.Selector {
	case 0, 1:
	default:
		return false
	}
	switch rec.MatchingType {
	case 0, 1, 2:
	default:
		return false
	}
	return true
}

// Verify checks whether the TLSA records match the certificate chain and
// name used by the server.
//
// overridePKIX indicates that DANE alone authenticates the server: if
// PKIX/X.509 verification was skipped or failed, the certificate should
// still be trusted.
func Verify(recs []dns.TLSA, serverName string, connState tls.ConnectionState) (overridePKIX bool, err error) {
	// See https://tools.ietf.org/html/rfc6698#appendix-B.2
	// for pseudocode this function is based on.

	if len(recs) == 0 {
		return false, nil
	}

	// Require TLS even if all records are not usable, per Section 2.2 of RFC 7672.
	if !connState.HandshakeComplete {
		return false, ErrTLSRequired
	}

	validRecs := make([]dns.TLSA, 0, len(recs))
	for _, rec := range recs {
		if usableRec(rec) {
			validRecs = append(validRecs, rec)
		}
	}

	// A non-empty RRset with no usable records mandates TLS (checked above)
	// but imposes no authentication requirement, per Section 2.2 of RFC 7672.
	if len(validRecs) == 0 {
		return false, nil
	}

	for _, rec := range validRecs {
		switch rec.Usage {
		case 2: // Trust Anchor Assertion (DANE-TA)
			certs := connState.PeerCertificates
			// Find the CA certificate that matches the record - add it as a
			// "root". Add all other certificates as intermediates.
			foundTA := false
			opts := x509.VerifyOptions{
				DNSName:       serverName,
				Intermediates: x509.NewCertPool(),
				Roots:         x509.NewCertPool(),
			}
			for _, cert := range certs {
				if !foundTA && cert.IsCA && rec.Verify(cert) == nil {
					opts.Roots.AddCert(cert)
					foundTA = true
				}
				opts.Intermediates.AddCert(cert)
			}

			if foundTA {
				// ... then run the standard X.509 verification.
				// This will verify that the server certificate chains to
				// the asserted TA certificate.
				if _, err := certs[0].Verify(opts); err == nil {
					return true, nil
				}
			}
		case 3: // Domain issued certificate (DANE-EE)
			if rec.Verify(connState.PeerCertificates[0]) == nil {
				// https://tools.ietf.org/html/rfc7672#section-3.1.1
				// - SAN/CN are not considered so always override.
				// - Expired certificates are fine too.
				return true, nil
			}
		}
	}

	// There are valid records, but none matched.
	return false, ErrNoMatch
}
