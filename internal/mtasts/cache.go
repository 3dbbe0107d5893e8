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
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/crispmx/crispmx/framework/dns"
	"github.com/crispmx/crispmx/framework/log"
)

// Cache provides MTA-STS policy lookup with filesystem-backed caching per
// RFC 8461 Section 3.3.
//
// A cached policy remains in use for its max_age even if the _mta-sts TXT
// record later disappears or the policy host becomes unreachable.
type Cache struct {
	Location string
	Resolver dns.Resolver
	Logger   log.Logger

	// Replaced in tests.
	downloadPolicy func(context.Context, string) (*Policy, error)
}

func NewCache(location string, resolver dns.Resolver, logger log.Logger) *Cache {
	return &Cache{
		Location: location,
		Resolver: resolver,
		Logger:   logger,

		downloadPolicy: downloadPolicy,
	}
}

type cacheEntry struct {
	ID        string    `json:"id"`
	FetchTime time.Time `json:"fetch_time"`
	Policy    *Policy   `json:"policy"`
}

func (c *Cache) store(domain, id string, fetchTime time.Time, p *Policy) error {
	f, err := os.Create(filepath.Join(c.Location, domain))
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(cacheEntry{
		ID:        id,
		FetchTime: fetchTime,
		Policy:    p,
	})
}

func (c *Cache) load(domain string) (id string, fetchTime time.Time, p *Policy, err error) {
	f, err := os.Open(filepath.Join(c.Location, domain))
	if err != nil {
		return "", time.Time{}, nil, err
	}
	defer f.Close()

	var ent cacheEntry
	if err := json.NewDecoder(f).Decode(&ent); err != nil {
		return "", time.Time{}, nil, err
	}
	return ent.ID, ent.FetchTime, ent.Policy, nil
}

// Get returns the current policy for the domain.
//
// It returns ErrNoPolicy if the domain does not advertise a policy, an
// IgnorePolicyError if the policy is advertised but could not be fetched and
// no cached copy exists, and temporary DNS errors unchanged.
func (c *Cache) Get(ctx context.Context, domain string) (*Policy, error) {
	_, p, err := c.fetch(ctx, time.Now(), domain)
	return p, err
}

// Refresh proactively updates cached policies that are close to expiry and
// removes entries for domains that no longer advertise a policy.
//
// It should be called at least every 6 hours, see RFC 8461 Section 10.2.
func (c *Cache) Refresh() error {
	dir, err := os.ReadDir(c.Location)
	if err != nil {
		return err
	}

	for _, ent := range dir {
		if ent.IsDir() {
			continue
		}

		// If policy is going to expire in next 6 hours (half of the
		// update period) - update it.
		// This should increase resiliency against short-living errors.
		cacheHit, _, err := c.fetch(context.Background(), time.Now().Add(6*time.Hour), ent.Name())
		if err != nil && err != ErrNoPolicy {
			c.Logger.Error("failed policy refresh", err, "domain", ent.Name())
			continue
		}
		if err == ErrNoPolicy {
			// Policy no longer exists, remove cached copy.
			if err := os.Remove(filepath.Join(c.Location, ent.Name())); err != nil {
				c.Logger.Error("failed to remove cached policy", err, "domain", ent.Name())
			}
			continue
		}
		if !cacheHit {
			c.Logger.Debugf("refreshed policy for %s", ent.Name())
		}
	}

	return nil
}

func (c *Cache) fetch(ctx context.Context, now time.Time, domain string) (cacheHit bool, p *Policy, err error) {
	validCache := true
	cachedID, fetchTime, cachedPolicy, err := c.load(domain)
	if err != nil {
		if !os.IsNotExist(err) {
			c.Logger.Error("failed to read cached policy", err, "domain", domain)
		}
		validCache = false
	} else if fetchTime.Add(time.Duration(cachedPolicy.MaxAge) * time.Second).Before(now) {
		validCache = false
	}

	records, err := c.Resolver.LookupTXT(ctx, "_mta-sts."+domain)
	if err != nil {
		if derr, ok := err.(*net.DNSError); ok && !derr.IsNotFound && (derr.IsTemporary || derr.IsTimeout) {
			return false, nil, err
		}

		// No _mta-sts record, but the cached policy is still valid,
		// keep using it.
		if validCache {
			return true, cachedPolicy, nil
		}
		return false, nil, ErrNoPolicy
	}

	// RFC says:
	//   If the number of resulting records is not one, or if the resulting
	//   record is syntactically invalid, senders MUST assume the recipient
	//   domain does not have an available MTA-STS Policy. ...
	//   (Note that the absence of a usable TXT record is not by itself
	//   sufficient to remove a sender's previously cached policy for the Policy
	//   Domain, as discussed in Section 5.1, "Policy Application Control Flow".)
	if len(records) != 1 {
		if validCache {
			return true, cachedPolicy, nil
		}
		return false, nil, ErrNoPolicy
	}
	dnsID, err := readDNSRecord(records[0])
	if err != nil {
		if validCache {
			return true, cachedPolicy, nil
		}
		return false, nil, ErrNoPolicy
	}

	if !validCache || dnsID != cachedID {
		policy, err := c.downloadPolicy(ctx, domain)
		if err != nil {
			if validCache {
				return true, cachedPolicy, nil
			}
			return false, nil, IgnorePolicyError{Cause: err}
		}

		if err := c.store(domain, dnsID, time.Now(), policy); err != nil {
			c.Logger.Error("failed to store cached policy", err, "domain", domain)
			// We still got the valid policy, cache is not critical.
		}
		return false, policy, nil
	}

	return true, cachedPolicy, nil
}
