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
	"math"
	"time"
)

// RetrySchedule computes when a temporarily failed recipient is attempted
// again. The delay grows exponentially: Initial * Scale^(retries-1).
type RetrySchedule struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration

	// Scale is the exponential base applied per concluded attempt.
	Scale float64

	// MaxTries bounds the total amount of attempts per recipient. Once
	// reached, the temporary failure is converted into a permanent one.
	MaxTries int
}

func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{
		Initial:  15 * time.Minute,
		Scale:    1.25,
		MaxTries: 20,
	}
}

// Next returns the delay before the attempt following the retries'th failed
// one.
func (rs RetrySchedule) Next(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	scale := rs.Scale
	if scale <= 0 {
		scale = 1
	}
	return time.Duration(float64(rs.Initial) * math.Pow(scale, float64(retries-1)))
}

// Apply folds a delivery result set into the per-recipient state of msg:
// terminal statuses are recorded as-is, temporary failures get a backoff-
// computed NextDue, rate-limited batches get the limiter's explicit retry
// time without burning a retry slot.
//
// It returns the recipient indexes whose status became PermanentFailure
// during this pass, so the caller can emit DSNs for them.
func (rs RetrySchedule) Apply(msg *Message, results []DeliveryResult, now time.Time) (bounced []int) {
	set := func(idx int, status Status) {
		rcpt := &msg.Recipients[idx]

		switch status.Kind {
		case StatusTemporaryFailure:
			rcpt.Retries++
			if rs.MaxTries > 0 && rcpt.Retries >= rs.MaxTries {
				status = status.IntoPermanent()
			} else {
				rcpt.NextDue = now.Add(rs.Next(rcpt.Retries))
			}
		case StatusScheduled:
			// An attempt that concluded without a verdict does not happen,
			// keep the previous state untouched.
			return
		}

		rcpt.Status = status
		if status.Kind == StatusPermanentFailure {
			bounced = append(bounced, idx)
		}
	}

	for _, res := range results {
		switch res.Kind {
		case ResultDomain:
			for _, idx := range res.RcptIdxs {
				set(idx, res.Status)
			}
		case ResultAccount:
			set(res.RcptIdx, res.Status)
		case ResultRateLimited:
			for _, idx := range res.RcptIdxs {
				msg.Recipients[idx].NextDue = res.RetryAt
			}
		}
	}
	return bounced
}

// Done reports whether every recipient reached a terminal status.
func (m *Message) Done() bool {
	for _, rcpt := range m.Recipients {
		if !rcpt.Status.IsTerminal() {
			return false
		}
	}
	return true
}
