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

package exterrors

import (
	"fmt"
)

type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is an error that can be directly mapped to a SMTP protocol reply.
//
// It is used for all errors that cross component boundaries so that the
// delivery pipeline can decide on retries using the Temporary() result and
// so that a meaningful DSN can be generated from it.
type SMTPError struct {
	// SMTP status code.
	Code int
	// Enhanced status code (RFC 3463).
	EnhancedCode EnhancedCode
	// Message line of the reply.
	Message string

	// Hop is the name of the delivery step that generated the error.
	Hop string

	// Underlying error that caused this one, if any.
	// Errors are not usually wrapped into SMTPError if they are already
	// a SMTPError.
	Err error

	// Reason is the short explanation intended for logs. If it is empty,
	// Err or Message is used.
	Reason string

	// Additional key-value pairs for structured logging.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+4)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.Hop != "" {
		ctx["hop"] = se.Hop
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	} else if se.Err != nil {
		ctx["reason"] = se.Err.Error()
	}
	return ctx
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Message
}

func (se *SMTPError) FormatLog() string {
	return fmt.Sprintf("%d %s: %s", se.Code, se.EnhancedCode, se.Error())
}

// SMTPCode returns the SMTP code to use when wrapping err, picking
// temporaryCode or permanentCode based on IsTemporaryOrUnspec.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is SMTPCode for enhanced status codes.
func SMTPEnchCode(err error, temporaryCode, permanentCode EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}
