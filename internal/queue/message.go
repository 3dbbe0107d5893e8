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
	"io"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/crispmx/crispmx/framework/address"
	"github.com/crispmx/crispmx/framework/dns"
)

// Recipient is one forward-path of a queued message together with its
// delivery bookkeeping.
type Recipient struct {
	// Address as given in RCPT TO.
	Address string
	// LocalPart and Domain are the split Address, Domain in the canonical
	// (lookup) form. Deliveries are grouped by Domain.
	LocalPart string
	Domain    string

	Status Status

	// Retries counts concluded delivery attempts that failed temporarily.
	Retries int
	// NextDue is when the recipient should be attempted again. Zero means
	// it is due now.
	NextDue time.Time
}

// Message is the work item handed to the delivery engine: a message
// reference plus the ordered recipient list. Recipient indexes used in
// DeliveryResult refer to positions in Recipients.
type Message struct {
	// ID is the queue-assigned identifier, used in logs and in the DSN
	// text.
	ID string

	// MailFrom is the reverse-path. Empty string means the null sender
	// (bounces are not bounced).
	MailFrom string

	SMTPUTF8   bool
	RequireTLS bool

	// Size of the body in bytes, 0 if unknown. Forwarded in the MAIL FROM
	// SIZE parameter.
	Size int64

	Header textproto.Header

	// Body returns a fresh reader of the message body. It may be called
	// multiple times, once per connection attempt.
	Body func() (io.ReadCloser, error)

	QueuedAt time.Time

	Recipients []Recipient
}

// NewMessage assembles a work item, splitting each recipient address and
// normalizing its domain for grouping.
func NewMessage(mailFrom string, rcpts ...string) (*Message, error) {
	msg := &Message{
		ID:       uuid.New().String(),
		MailFrom: mailFrom,
		QueuedAt: time.Now(),
	}
	for _, rcpt := range rcpts {
		mbox, domain, err := address.Split(rcpt)
		if err != nil {
			return nil, err
		}
		domain, err = dns.ForLookup(domain)
		if err != nil {
			return nil, err
		}
		msg.Recipients = append(msg.Recipients, Recipient{
			Address:   rcpt,
			LocalPart: mbox,
			Domain:    domain,
			Status:    Scheduled(),
		})
	}
	return msg, nil
}

// Pending returns the indexes of recipients that still need a delivery
// attempt, that is, those whose status is not terminal and that are due.
func (m *Message) Pending(now time.Time) []int {
	var idxs []int
	for i, rcpt := range m.Recipients {
		if rcpt.Status.IsTerminal() {
			continue
		}
		if !rcpt.NextDue.IsZero() && rcpt.NextDue.After(now) {
			continue
		}
		idxs = append(idxs, i)
	}
	return idxs
}

type ResultKind int

const (
	// ResultDomain applies one shared status to a batch of recipients with
	// the same destination.
	ResultDomain ResultKind = iota
	// ResultAccount applies a status to a single recipient, used for
	// per-recipient RCPT/LMTP outcomes and local deliveries.
	ResultAccount
	// ResultRateLimited defers a batch of recipients until RetryAt due to a
	// local limiter decision. It is not a remote failure: no connection was
	// attempted.
	ResultRateLimited
)

// DeliveryResult describes the outcome of a domain- or account-scoped
// delivery pass. A result set returned by the delivery engine covers every
// pending recipient index exactly once.
type DeliveryResult struct {
	Kind ResultKind

	// Set for ResultDomain and ResultAccount.
	Status Status

	// Recipient indexes for ResultDomain and ResultRateLimited.
	RcptIdxs []int

	// Recipient index for ResultAccount.
	RcptIdx int

	// Set for ResultRateLimited.
	RetryAt time.Time
}

func DomainResult(status Status, rcptIdxs []int) DeliveryResult {
	return DeliveryResult{Kind: ResultDomain, Status: status, RcptIdxs: rcptIdxs}
}

func AccountResult(status Status, rcptIdx int) DeliveryResult {
	return DeliveryResult{Kind: ResultAccount, Status: status, RcptIdx: rcptIdx}
}

func RateLimitedResult(rcptIdxs []int, retryAt time.Time) DeliveryResult {
	return DeliveryResult{Kind: ResultRateLimited, RcptIdxs: rcptIdxs, RetryAt: retryAt}
}
