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

package mtasts

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"
)

// ErrNoPolicy is returned by Cache.Get when the domain does not publish an
// MTA-STS policy and no previously cached copy exists.
var ErrNoPolicy = errors.New("mtasts: no policy")

// IgnorePolicyError is returned by Cache.Get when the domain advertises a
// policy via DNS but it could not be fetched and no cached copy exists.
// RFC 8461 Section 3.3 instructs senders to continue as though the domain
// had no policy in this case, unless a stricter local configuration applies.
type IgnorePolicyError struct {
	Cause error
}

func (e IgnorePolicyError) Error() string {
	return "mtasts: policy ignored: " + e.Cause.Error()
}

func (e IgnorePolicyError) Unwrap() error {
	return e.Cause
}

// HTTPError is returned when the policy host responds with a status code
// other than 200.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e HTTPError) Error() string {
	return "mtasts: HTTP " + e.Status
}

// httpClient does not follow redirects as required by RFC 8461 and uses a
// short timeout since policy fetching should not delay delivery for long.
var httpClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
	Timeout: time.Minute,
}

func downloadPolicy(ctx context.Context, domain string) (*Policy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://mta-sts."+domain+"/.well-known/mta-sts.txt", nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	// Policy URL should be configured to serve the policy with
	// Content-Type: text/plain, per RFC 8461 Section 3.3.
	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || mediaType != "text/plain" {
		return nil, fmt.Errorf("mtasts: unexpected content type: %s", contentType)
	}

	return readPolicy(resp.Body)
}
