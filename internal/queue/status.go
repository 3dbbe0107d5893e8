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

// Package queue defines the delivery status taxonomy shared by the queue and
// the delivery pipeline, the classifier that maps raw network/protocol
// errors onto it, and the work-item types handed to the delivery engine.
package queue

import (
	"fmt"

	"github.com/crispmx/crispmx/framework/exterrors"
)

type StatusKind int

const (
	// StatusScheduled means no delivery attempt has concluded for the
	// recipient yet.
	StatusScheduled StatusKind = iota

	// StatusCompleted means the remote host accepted the message for the
	// recipient.
	StatusCompleted

	// StatusTemporaryFailure means the attempt failed but a later retry may
	// succeed. The queue reschedules the recipient with backoff.
	StatusTemporaryFailure

	// StatusPermanentFailure means retrying cannot help. The queue generates
	// a bounce for the recipient.
	StatusPermanentFailure
)

func (k StatusKind) String() string {
	switch k {
	case StatusScheduled:
		return "scheduled"
	case StatusCompleted:
		return "completed"
	case StatusTemporaryFailure:
		return "temporary failure"
	case StatusPermanentFailure:
		return "permanent failure"
	}
	return fmt.Sprintf("status %d", int(k))
}

// Response is a parsed SMTP reply, kept as display-oriented data only so
// that it can be persisted into a queue record and rendered into a DSN
// later.
type Response struct {
	Code         int
	EnhancedCode exterrors.EnhancedCode
	Message      string
}

func (r Response) String() string {
	if r.Code == 0 {
		return r.Message
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// HostResponse is the success payload of a Status: the remote host that
// accepted the message together with its final reply.
type HostResponse struct {
	Hostname string
	Response Response
}

func (hr HostResponse) String() string {
	return fmt.Sprintf("%s said: %s", hr.Hostname, hr.Response)
}

// ErrorDetails is the failure payload of a Status.
//
// Entity names the host or domain the error pertains to and is never blank,
// DSNs use it to name the failing hop.
type ErrorDetails struct {
	Entity string
	Err    Error
}

func (ed ErrorDetails) String() string {
	return fmt.Sprintf("%s: %s", ed.Entity, ed.Err)
}

// Error is the sealed set of failure kinds produced by the delivery
// pipeline. Variants carry only display-oriented data, never a live
// connection handle.
type Error interface {
	error
	errorKind()
}

type ConnectionError struct {
	Reason string
}

func (ConnectionError) errorKind()      {}
func (e ConnectionError) Error() string { return e.Reason }

type TLSError struct {
	Reason string
}

func (TLSError) errorKind()      {}
func (e TLSError) Error() string { return e.Reason }

type DNSError struct {
	Reason string
}

func (DNSError) errorKind()      {}
func (e DNSError) Error() string { return e.Reason }

type MTASTSError struct {
	Reason string
}

func (MTASTSError) errorKind()      {}
func (e MTASTSError) Error() string { return e.Reason }

// DANEError is kept distinct from TLSError so that DSNs can point at the
// TLSA record set rather than the handshake.
type DANEError struct {
	Reason string
}

func (DANEError) errorKind()      {}
func (e DANEError) Error() string { return e.Reason }

type RateLimitedError struct{}

func (RateLimitedError) errorKind()    {}
func (RateLimitedError) Error() string { return "Rate limited." }

type UnexpectedResponse struct {
	Command  string
	Response Response
}

func (UnexpectedResponse) errorKind() {}
func (e UnexpectedResponse) Error() string {
	return fmt.Sprintf("Unexpected response for %s: %s", e.Command, e.Response)
}

// Status describes the outcome of one delivery attempt for one recipient.
//
// It is created fresh per attempt and never mutated after construction.
// Completed and PermanentFailure are terminal for the recipient.
type Status struct {
	Kind StatusKind

	// Set for StatusCompleted.
	Response HostResponse

	// Set for StatusTemporaryFailure and StatusPermanentFailure.
	Details ErrorDetails
}

func Scheduled() Status {
	return Status{Kind: StatusScheduled}
}

func Completed(resp HostResponse) Status {
	return Status{Kind: StatusCompleted, Response: resp}
}

func TempFailure(entity string, err Error) Status {
	return Status{
		Kind:    StatusTemporaryFailure,
		Details: ErrorDetails{Entity: entity, Err: err},
	}
}

func PermFailure(entity string, err Error) Status {
	return Status{
		Kind:    StatusPermanentFailure,
		Details: ErrorDetails{Entity: entity, Err: err},
	}
}

// IsTerminal reports whether the recipient needs no further attempts.
func (s Status) IsTerminal() bool {
	return s.Kind == StatusCompleted || s.Kind == StatusPermanentFailure
}

func (s Status) IsFailure() bool {
	return s.Kind == StatusTemporaryFailure || s.Kind == StatusPermanentFailure
}

// IntoPermanent converts a temporary failure into a permanent one, keeping
// the error details. The queue uses it on retry exhaustion. Other kinds are
// returned unchanged.
func (s Status) IntoPermanent() Status {
	if s.Kind == StatusTemporaryFailure {
		s.Kind = StatusPermanentFailure
	}
	return s
}

func (s Status) FormatLog() string {
	switch s.Kind {
	case StatusCompleted:
		return s.Response.String()
	case StatusTemporaryFailure, StatusPermanentFailure:
		return s.Kind.String() + ": " + s.Details.String()
	}
	return s.Kind.String()
}
