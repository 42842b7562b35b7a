// Package resolve implements HostnameResolver, spec.md §4.10: resolve
// the backend hostname asynchronously at startup, a literal-address
// fast path, bounded retries, and a timeout budget. The teacher's
// go.mod already names github.com/miekg/dns as a dependency; this is
// the component that actually exercises it.
package resolve

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/networknext/next/address"
)

// MaxRetries is spec.md §4.10's "up to 10 retries (1 s apart)".
const MaxRetries = 10

// RetryInterval is the 1s spacing between retries.
const RetryInterval = time.Second

// Resolver resolves a backend hostname:port to an address.Address,
// preferring a literal-address fast path and otherwise querying DNS
// with bounded retries.
type Resolver struct {
	client *dns.Client
	server string // the DNS resolver to query, e.g. "8.8.8.8:53"

	// exchange defaults to client.Exchange; overridable in tests so the
	// retry/timeout logic can be exercised without a real DNS server.
	exchange func(msg *dns.Msg, server string) (*dns.Msg, time.Duration, error)
}

// New creates a Resolver that queries the given DNS server (host:port)
// for A records. AAAA records are not queried.
func New(dnsServer string) *Resolver {
	r := &Resolver{client: new(dns.Client), server: dnsServer}
	r.exchange = r.client.Exchange
	return r
}

// Resolve implements spec.md §4.10: if hostname parses as a literal
// address, that's used directly with no network round trip; otherwise
// it retries up to MaxRetries times, RetryInterval apart, bounded by
// the timeout context.
func (r *Resolver) Resolve(ctx context.Context, hostname string, port uint16) (address.Address, error) {
	if ip, err := netip.ParseAddr(hostname); err == nil {
		return address.FromIP(ip, port), nil
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return address.None, fmt.Errorf("resolve hostname: %w", ctx.Err())
			case <-time.After(RetryInterval):
			}
		}

		addr, err := r.lookup(hostname, port)
		if err == nil {
			return addr, nil
		}
		lastErr = err
	}
	return address.None, fmt.Errorf("resolve hostname: exhausted %d retries: %w", MaxRetries, lastErr)
}

func (r *Resolver) lookup(hostname string, port uint16) (address.Address, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	resp, _, err := r.exchange(msg, r.server)
	if err != nil {
		return address.None, fmt.Errorf("dns exchange: %w", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return address.None, fmt.Errorf("dns exchange: rcode %s", dns.RcodeToString[resp.Rcode])
	}

	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			ip, ok := netip.AddrFromSlice(a.A.To4())
			if !ok {
				continue
			}
			return address.FromIP(ip, port), nil
		}
	}
	return address.None, fmt.Errorf("dns exchange: no A records for %s", hostname)
}
