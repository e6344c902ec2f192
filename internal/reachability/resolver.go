package reachability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultResolvConf = "/etc/resolv.conf"
	DefaultHostsFile  = "/etc/hosts"

	minCacheTTL = 5 * time.Second
	maxCacheTTL = 5 * time.Minute
)

var ErrNoAddresses = errors.New("host has no addresses")

// Resolver maps a host name to addresses, in preference order.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

type cacheEntry struct {
	addrs     []netip.Addr
	expiresAt time.Time
}

// DNSResolver queries the configured name servers directly and caches
// answers for their TTL. The hosts file is consulted before DNS.
type DNSResolver struct {
	client    *dns.Client
	config    *dns.ClientConfig
	hostsPath string
	clock     clock.Clock

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

type ResolverOption func(*DNSResolver)

func WithHostsFile(path string) ResolverOption {
	return func(r *DNSResolver) { r.hostsPath = path }
}

func WithResolverClock(c clock.Clock) ResolverOption {
	return func(r *DNSResolver) { r.clock = c }
}

// NewDNSResolver uses the servers, search list and port from config.
func NewDNSResolver(config *dns.ClientConfig, opts ...ResolverOption) *DNSResolver {
	timeout := 5 * time.Second
	if config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}
	r := &DNSResolver{
		client:    &dns.Client{Timeout: timeout},
		config:    config,
		hostsPath: DefaultHostsFile,
		clock:     clock.New(),
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewSystemResolver reads the resolver configuration from resolvConf. A
// missing or unreadable file leaves only the hosts file.
func NewSystemResolver(resolvConf string, opts ...ResolverOption) *DNSResolver {
	config, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		log.WithError(err).WithField("path", resolvConf).Warn("Failed to read resolver configuration")
		config = &dns.ClientConfig{Port: "53", Ndots: 1, Timeout: 5}
	}
	return NewDNSResolver(config, opts...)
}

func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if addrs := lookupHostsFile(r.hostsPath, host); len(addrs) > 0 {
		return addrs, nil
	}

	if addrs, ok := r.cached(host); ok {
		if len(addrs) == 0 {
			return nil, fmt.Errorf("%s: %w", host, ErrNoAddresses)
		}
		return addrs, nil
	}

	addrs, ttl, err := r.query(ctx, host)
	if err != nil {
		return nil, err
	}
	r.store(host, addrs, ttl)

	log.WithFields(log.Fields{
		"host":  host,
		"addrs": addrs,
		"ttl":   ttl,
	}).Debug("Resolved host")

	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s: %w", host, ErrNoAddresses)
	}
	return addrs, nil
}

// Forget drops cached answers for host, or all of them when host is empty.
func (r *DNSResolver) Forget(host string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if host == "" {
		clear(r.cache)
		return
	}
	delete(r.cache, strings.ToLower(strings.TrimSuffix(host, ".")))
}

func (r *DNSResolver) cached(host string) ([]netip.Addr, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	e, ok := r.cache[host]
	if !ok {
		return nil, false
	}
	if !r.clock.Now().Before(e.expiresAt) {
		delete(r.cache, host)
		return nil, false
	}
	return e.addrs, true
}

func (r *DNSResolver) store(host string, addrs []netip.Addr, ttl time.Duration) {
	ttl = max(minCacheTTL, min(ttl, maxCacheTTL))
	r.cacheMu.Lock()
	r.cache[host] = cacheEntry{addrs: addrs, expiresAt: r.clock.Now().Add(ttl)}
	r.cacheMu.Unlock()
}

// query tries each candidate name from the search list. A name that exists
// ends the search even when it has no address records.
func (r *DNSResolver) query(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	if len(r.config.Servers) == 0 {
		return nil, 0, fmt.Errorf("resolve %s: no name servers configured", host)
	}

	var lastErr error
	for _, name := range r.config.NameList(host) {
		var (
			addrs  []netip.Addr
			ttl    = maxCacheTTL
			exists bool
		)
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			resp, err := r.exchange(ctx, name, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode == dns.RcodeNameError {
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("resolve %s: %s", name, dns.RcodeToString[resp.Rcode])
				continue
			}
			exists = true
			for _, rr := range resp.Answer {
				var ip net.IP
				switch rr := rr.(type) {
				case *dns.A:
					ip = rr.A
				case *dns.AAAA:
					ip = rr.AAAA
				default:
					continue
				}
				if a, ok := netip.AddrFromSlice(ip); ok {
					addrs = append(addrs, a.Unmap())
					ttl = min(ttl, time.Duration(rr.Header().Ttl)*time.Second)
				}
			}
		}
		if exists {
			return addrs, ttl, nil
		}
	}

	if lastErr != nil {
		return nil, 0, lastErr
	}
	// Every candidate was NXDOMAIN.
	return nil, minCacheTTL, nil
}

func (r *DNSResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.config.Servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, net.JoinHostPort(server, r.config.Port))
		if err != nil {
			lastErr = err
			log.WithError(err).WithFields(log.Fields{
				"server": server,
				"name":   name,
			}).Trace("DNS exchange failed")
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("resolve %s: %w", name, lastErr)
}

// lookupHostsFile returns the addresses listed for host in a hosts(5) file.
func lookupHostsFile(path, host string) []netip.Addr {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []netip.Addr
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		for _, name := range fields[1:] {
			if strings.EqualFold(strings.TrimSuffix(name, "."), host) {
				out = append(out, addr.Unmap())
				break
			}
		}
	}
	return out
}
