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

package queue

import (
	"context"
	"crypto/x509"
	"errors"
	"net"

	"github.com/crispmx/crispmx/framework/dns"
	"github.com/crispmx/crispmx/framework/exterrors"
	"github.com/crispmx/crispmx/internal/mtasts"
	"github.com/emersion/go-smtp"
)

// This file is the single translation layer from "what the network/library
// said" to "what the queue should do". Raw errors never escape to the queue
// unclassified.

// FromSMTPErr converts an error that occurred while talking SMTP to
// hostname into a Status. command names the command that was in flight.
//
// The governing rule: a 5xx reply is a permanent failure, everything else
// (4xx, connection drop, timeout) is temporary.
func FromSMTPErr(hostname, command string, err error) Status {
	if isTimeout(err) {
		return Timeout(hostname, command)
	}

	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		// Only an actual wire reply becomes an UnexpectedResponse. A
		// status synthesized around a transport error (dial failure,
		// broken pipe) stays a connection error.
		var wireErr *smtp.SMTPError
		if smtpErr.Err == nil || errors.As(smtpErr.Err, &wireErr) {
			kind := UnexpectedResponse{
				Command: command,
				Response: Response{
					Code:         smtpErr.Code,
					EnhancedCode: smtpErr.EnhancedCode,
					Message:      smtpErr.Message,
				},
			}
			// 5xx is the only permanent class. An out-of-place 2xx/3xx
			// (e.g. a stray 354) is a server hiccup worth retrying.
			if smtpErr.Code/100 == 5 {
				return PermFailure(hostname, kind)
			}
			return TempFailure(hostname, kind)
		}

		reason := smtpErr.Message
		if smtpErr.Reason != "" {
			reason = smtpErr.Reason
		}
		if smtpErr.Code/100 == 5 {
			return PermFailure(hostname, ConnectionError{Reason: reason})
		}
		return TempFailure(hostname, ConnectionError{Reason: reason})
	}

	return TempFailure(hostname, ConnectionError{Reason: err.Error()})
}

// FromReply converts a raw per-recipient reply, as produced by the LMTP
// DATA phase, into a Status.
func FromReply(hostname, command string, reply *smtp.SMTPError) Status {
	kind := UnexpectedResponse{
		Command: command,
		Response: Response{
			Code:         reply.Code,
			EnhancedCode: exterrors.EnhancedCode(reply.EnhancedCode),
			Message:      reply.Message,
		},
	}
	if reply.Code/100 == 5 {
		return PermFailure(hostname, kind)
	}
	return TempFailure(hostname, kind)
}

// Timeout is the temporary failure reported when stage exceeded its
// deadline.
func Timeout(entity, stage string) Status {
	return TempFailure(entity, ConnectionError{Reason: "Timeout while " + stage})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// FromTLSErr converts a STARTTLS/handshake error into a Status.
//
// A certificate presented for the wrong name cannot become valid by
// retrying against the same host, everything else (I/O, handshake
// interruption) may.
func FromTLSErr(hostname string, err error) Status {
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return PermFailure(hostname, TLSError{Reason: "Invalid hostname"})
	}
	if isTimeout(err) {
		return TempFailure(hostname, TLSError{Reason: "TLS handshake timed out"})
	}
	return TempFailure(hostname, TLSError{Reason: err.Error()})
}

// StartTLSNotAdvertised is the permanent failure reported when the
// effective policy requires TLS but the host does not offer STARTTLS.
// A policy mismatch with an unsupporting host is not fixed by retrying.
func StartTLSNotAdvertised(hostname string) Status {
	return PermFailure(hostname, TLSError{Reason: "STARTTLS not advertised by host."})
}

// FromDNSErr converts a resolution error for entity into a Status.
//
// A name that does not exist has no valid route and should bounce, any
// other resolution problem (timeout, SERVFAIL) is worth retrying.
func FromDNSErr(entity string, err error) Status {
	if dns.IsNotFound(err) {
		return PermFailure(entity, DNSError{Reason: "Domain not found"})
	}
	reason, _ := exterrors.UnwrapDNSErr(err)
	if reason == "" {
		reason = err.Error()
	}
	return TempFailure(entity, DNSError{Reason: reason})
}

// FromMTASTSErr converts a policy fetch/parse error for domain into a
// Status per the table: record missing, HTTP 404 and parse failures are
// permanent; transport-level trouble is temporary.
func FromMTASTSErr(domain string, err error) Status {
	var (
		malformedRecord mtasts.MalformedDNSRecordError
		malformedPolicy mtasts.MalformedPolicyError
		httpErr         mtasts.HTTPError
	)
	switch {
	case errors.Is(err, mtasts.ErrNoPolicy):
		return PermFailure(domain, MTASTSError{Reason: "Policy not found."})
	case errors.As(err, &malformedRecord):
		return PermFailure(domain, MTASTSError{Reason: "Policy not found."})
	case errors.As(err, &malformedPolicy):
		return PermFailure(domain, MTASTSError{Reason: "Failed to parse policy: " + malformedPolicy.Desc})
	case errors.As(err, &httpErr):
		if httpErr.StatusCode == 404 {
			return PermFailure(domain, MTASTSError{Reason: "Policy not found."})
		}
		return TempFailure(domain, MTASTSError{Reason: "Failed to fetch policy: " + httpErr.Error()})
	case isTimeout(err):
		return TempFailure(domain, MTASTSError{Reason: "Timeout fetching policy."})
	default:
		return TempFailure(domain, MTASTSError{Reason: "Could not reach policy host."})
	}
}

// FromAuthErr converts a relay authentication error into a Status.
// Rejected credentials and unsupported mechanisms are permanent, transport
// failures during the exchange are temporary.
func FromAuthErr(hostname string, err error) Status {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code/100 == 5 {
		return PermFailure(hostname, UnexpectedResponse{
			Command: "AUTH",
			Response: Response{
				Code:         smtpErr.Code,
				EnhancedCode: smtpErr.EnhancedCode,
				Message:      smtpErr.Message,
			},
		})
	}
	if isTimeout(err) {
		return Timeout(hostname, "AUTH")
	}
	return FromSMTPErr(hostname, "AUTH", err)
}
