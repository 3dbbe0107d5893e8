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

// Package delivery executes delivery attempts for queued messages: it
// groups recipients by destination, resolves next hops, negotiates
// SMTP/LMTP sessions and reports a classified outcome for every pending
// recipient.
package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"

	"github.com/crispmx/crispmx/framework/config"
	"github.com/crispmx/crispmx/framework/dns"
	"github.com/crispmx/crispmx/framework/log"
	"github.com/crispmx/crispmx/internal/limiters"
	"github.com/crispmx/crispmx/internal/mtasts"
	"github.com/crispmx/crispmx/internal/nexthop"
	"github.com/crispmx/crispmx/internal/queue"
)

// LocalTarget delivers recipients whose domain is hosted by this server,
// bypassing the network entirely.
type LocalTarget interface {
	Owns(domain string) bool
	Deliver(ctx context.Context, msg *queue.Message, rcptIdx int) queue.Status
}

// Engine drives delivery attempts. One Engine serves all messages, it is
// safe for concurrent use.
type Engine struct {
	hostname   string
	tlsConfig  *tls.Config
	requireTLS bool
	stsMode    string

	dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
	resolver    dns.Resolver
	extResolver *dns.ExtResolver
	hops        *nexthop.Resolver

	mtastsCache *mtasts.Cache
	// Set to mock the MTA-STS cache in tests, nil otherwise.
	mtastsGet func(ctx context.Context, domain string) (*mtasts.Policy, error)

	// Local is consulted for every destination domain before any network
	// activity. Optional.
	Local LocalTarget

	concurrency limiters.L
	perDomain   *limiters.KeyedWindow
	perSender   *limiters.KeyedWindow

	connectTimeout    time.Duration
	commandTimeout    time.Duration
	submissionTimeout time.Duration

	stsRefreshTick *time.Ticker
	stsRefreshDone chan struct{}

	Log log.Logger
}

// rate limiter key maps are bounded to avoid unbounded growth on
// pathological sender/domain churn.
const maxRateKeys = 65536

func New(cfg *config.Config, resolver dns.Resolver, logger log.Logger) (*Engine, error) {
	hostname, err := idna.ToASCII(cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("delivery: cannot represent the hostname as an A-label name: %w", err)
	}

	hops, err := nexthop.New(cfg, resolver)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		hostname:   hostname,
		tlsConfig:  &tls.Config{},
		requireTLS: cfg.TLS.Require,
		stsMode:    cfg.MTASTS.Mode,

		dialer:   (&net.Dialer{}).DialContext,
		resolver: resolver,
		hops:     hops,

		connectTimeout:    cfg.Timeouts.Connect.Std(),
		commandTimeout:    cfg.Timeouts.Command.Std(),
		submissionTimeout: cfg.Timeouts.Submission.Std(),

		stsRefreshDone: make(chan struct{}),

		Log: logger,
	}
	if cfg.TLS.AllowInvalidCerts {
		e.tlsConfig.InsecureSkipVerify = true
	}

	e.concurrency = limiters.NewSemaphore(cfg.Limits.Concurrency)
	if cfg.Limits.GlobalRate.Limit > 0 {
		// The rate token is taken first so that a throttled delivery does
		// not sit on a concurrency slot while it waits.
		e.concurrency = &limiters.MultiLimit{Wrapped: []limiters.L{
			limiters.NewRate(cfg.Limits.GlobalRate.Limit, cfg.Limits.GlobalRate.Period.Std()),
			e.concurrency,
		}}
	}

	if cfg.Limits.PerDomain.Limit > 0 {
		e.perDomain = limiters.NewKeyedWindow(cfg.Limits.PerDomain.Limit,
			cfg.Limits.PerDomain.Period.Std(), maxRateKeys)
	}
	if cfg.Limits.PerSender.Limit > 0 {
		e.perSender = limiters.NewKeyedWindow(cfg.Limits.PerSender.Limit,
			cfg.Limits.PerSender.Period.Std(), maxRateKeys)
	}

	if cfg.MTASTS.Mode != "off" {
		if err := os.MkdirAll(cfg.MTASTS.CacheDir, 0o700); err != nil {
			return nil, err
		}
		e.mtastsCache = mtasts.NewCache(cfg.MTASTS.CacheDir, resolver, logger)
	}

	if cfg.DANE.Enable {
		e.extResolver, err = dns.NewExtResolver()
		if err != nil {
			// DANE is opportunistic, a missing DNSSEC-capable resolver
			// disables it rather than blocking all delivery.
			logger.Error("failed to init DNSSEC-aware stub resolver, DANE disabled", err)
			e.extResolver = nil
		}
	}

	return e, nil
}

// StartSTSRefresher launches the background MTA-STS cache refresh loop.
// Stop it with Close.
func (e *Engine) StartSTSRefresher() {
	if e.mtastsCache == nil {
		return
	}

	// MTA-STS policies typically have max_age around one day, refreshing
	// twice a day keeps them fresh most of the time.
	e.stsRefreshTick = time.NewTicker(12 * time.Hour)
	go e.stsRefresher()
}

func (e *Engine) stsRefresher() {
	// Refresh on start-up, we may have been down for a while.
	e.Log.Debugln("updating MTA-STS cache...")
	if err := e.mtastsCache.Refresh(); err != nil {
		e.Log.Error("MTA-STS cache update error", err)
	}
	e.Log.Debugln("updating MTA-STS cache... done")

	for {
		select {
		case <-e.stsRefreshTick.C:
			e.Log.Debugln("updating MTA-STS cache...")
			if err := e.mtastsCache.Refresh(); err != nil {
				e.Log.Error("MTA-STS cache update error", err)
			}
			e.Log.Debugln("updating MTA-STS cache... done")
		case <-e.stsRefreshDone:
			e.stsRefreshDone <- struct{}{}
			return
		}
	}
}

func (e *Engine) Close() error {
	if e.stsRefreshTick != nil {
		e.stsRefreshTick.Stop()
		e.stsRefreshDone <- struct{}{}
		<-e.stsRefreshDone
	}
	e.concurrency.Close()
	return nil
}

type domainGroup struct {
	domain string
	idxs   []int
}

// DeliverMessage runs one delivery attempt for every pending recipient of
// msg and returns a result set covering each of them exactly once.
//
// Recipients sharing a destination domain share one next-hop resolution
// and one SMTP transaction. Distinct domains are attempted concurrently,
// bounded by the configured limit.
func (e *Engine) DeliverMessage(ctx context.Context, msg *queue.Message) []queue.DeliveryResult {
	pending := msg.Pending(time.Now())
	if len(pending) == 0 {
		return nil
	}

	if e.perSender != nil {
		if ok, retryAt := e.perSender.AllowN(msg.MailFrom, len(pending)); !ok {
			e.Log.DebugMsg("sender rate limited", "sender", msg.MailFrom, "retry_at", retryAt)
			return []queue.DeliveryResult{queue.RateLimitedResult(pending, retryAt)}
		}
	}

	var groups []domainGroup
	byDomain := map[string]int{}
	for _, idx := range pending {
		domain := msg.Recipients[idx].Domain
		gi, ok := byDomain[domain]
		if !ok {
			gi = len(groups)
			byDomain[domain] = gi
			groups = append(groups, domainGroup{domain: domain})
		}
		groups[gi].idxs = append(groups[gi].idxs, idx)
	}

	var (
		mu      sync.Mutex
		results []queue.DeliveryResult
	)
	eg, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		group := group
		eg.Go(func() error {
			var rs []queue.DeliveryResult
			if err := e.concurrency.TakeContext(gctx); err != nil {
				rs = []queue.DeliveryResult{queue.DomainResult(
					queue.TempFailure(group.domain, queue.ConnectionError{
						Reason: "delivery cancelled: " + err.Error(),
					}), group.idxs)}
			} else {
				rs = e.deliverDomain(gctx, msg, group.domain, group.idxs)
				e.concurrency.Release()
			}

			mu.Lock()
			results = append(results, rs...)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

func (e *Engine) deliverDomain(ctx context.Context, msg *queue.Message, domain string, idxs []int) []queue.DeliveryResult {
	if e.Local != nil && e.Local.Owns(domain) {
		results := make([]queue.DeliveryResult, 0, len(idxs))
		for _, idx := range idxs {
			results = append(results, queue.AccountResult(e.Local.Deliver(ctx, msg, idx), idx))
		}
		return results
	}

	if e.perDomain != nil {
		if ok, retryAt := e.perDomain.AllowN(domain, len(idxs)); !ok {
			e.Log.DebugMsg("domain rate limited", "domain", domain, "retry_at", retryAt)
			return []queue.DeliveryResult{queue.RateLimitedResult(idxs, retryAt)}
		}
	}

	conn, status := e.connectAny(ctx, msg, domain)
	if conn == nil {
		return []queue.DeliveryResult{queue.DomainResult(status, idxs)}
	}
	defer conn.Close()

	return e.transact(ctx, conn, msg, idxs)
}

// transact runs MAIL FROM/RCPT TO/DATA on an established connection,
// keeping per-recipient outcomes apart where the replies differed.
func (e *Engine) transact(ctx context.Context, conn *mxConn, msg *queue.Message, idxs []int) []queue.DeliveryResult {
	host := conn.hop.Hostname()

	opts := smtp.MailOptions{
		UTF8:       msg.SMTPUTF8,
		RequireTLS: msg.RequireTLS,
	}
	if msg.Size > 0 {
		opts.Size = int(msg.Size)
	}
	if err := conn.Mail(ctx, msg.MailFrom, opts); err != nil {
		return []queue.DeliveryResult{queue.DomainResult(
			queue.FromSMTPErr(host, "MAIL FROM", err), idxs)}
	}

	results := make([]queue.DeliveryResult, 0, len(idxs))
	var accepted []int
	for _, idx := range idxs {
		if err := conn.Rcpt(ctx, msg.Recipients[idx].Address); err != nil {
			results = append(results, queue.AccountResult(
				queue.FromSMTPErr(host, "RCPT TO", err), idx))
			continue
		}
		accepted = append(accepted, idx)
	}
	if len(accepted) == 0 {
		return results
	}

	body, err := msg.Body()
	if err != nil {
		results = append(results, queue.DomainResult(queue.TempFailure(host,
			queue.ConnectionError{Reason: "cannot open message body: " + err.Error()}), accepted))
		return results
	}
	defer body.Close()

	if conn.IsLMTP() {
		return append(results, e.lmtpData(ctx, conn, msg, accepted, body)...)
	}

	if err := conn.Data(ctx, msg.Header, body); err != nil {
		results = append(results, queue.DomainResult(
			queue.FromSMTPErr(host, "DATA", err), accepted))
		return results
	}

	return append(results, queue.DomainResult(completed(host), accepted))
}

// lmtpData sends DATA over LMTP, collecting the per-recipient replies the
// protocol produces instead of one shared one.
func (e *Engine) lmtpData(ctx context.Context, conn *mxConn, msg *queue.Message, accepted []int, body io.Reader) []queue.DeliveryResult {
	host := conn.hop.Hostname()

	idxByAddr := make(map[string]int, len(accepted))
	for _, idx := range accepted {
		idxByAddr[msg.Recipients[idx].Address] = idx
	}

	statuses := make(map[int]queue.Status, len(accepted))
	err := conn.LMTPData(ctx, msg.Header, body, func(rcpt string, reply *smtp.SMTPError) {
		idx, ok := idxByAddr[rcpt]
		if !ok {
			return
		}
		if reply == nil {
			statuses[idx] = completed(host)
		} else {
			statuses[idx] = queue.FromReply(host, "DATA", reply)
		}
	})

	results := make([]queue.DeliveryResult, 0, len(accepted))
	for _, idx := range accepted {
		status, ok := statuses[idx]
		if !ok {
			// The server never reported this recipient, the transaction
			// failed as a whole.
			if err != nil {
				status = queue.FromSMTPErr(host, "DATA", err)
			} else {
				status = queue.TempFailure(host, queue.UnexpectedResponse{
					Command: "DATA",
					Response: queue.Response{
						Message: "Missing LMTP DATA reply for recipient",
					},
				})
			}
		}
		results = append(results, queue.AccountResult(status, idx))
	}
	return results
}

func completed(hostname string) queue.Status {
	return queue.Completed(queue.HostResponse{
		Hostname: hostname,
		Response: queue.Response{
			Code:    250,
			Message: "Message accepted",
		},
	})
}
