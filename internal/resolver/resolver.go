package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const (
	defaultCacheSize = 1024
	minTTL           = 5 * time.Second
	maxTTL           = 10 * time.Minute
)

var ErrNoRecords = errors.New("no A or AAAA records")

type entry struct {
	ips     []net.IP
	expires time.Time
}

// Resolver looks up upstream hosts against a fixed DNS server and caches the
// answers for their TTL.
type Resolver struct {
	server string
	client *dns.Client
	cache  *lru.Cache[string, entry]
	dialer *net.Dialer
	logger *logrus.Logger
	now    func() time.Time
}

func New(server string, timeout time.Duration, logger *logrus.Logger) (*Resolver, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if logger == nil {
		logger = logrus.New()
	}

	cache, err := lru.New[string, entry](defaultCacheSize)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		cache:  cache,
		dialer: &net.Dialer{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}, nil
}

func (r *Resolver) SetLogger(logger *logrus.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	key := dns.Fqdn(host)
	if e, ok := r.cache.Get(key); ok {
		if r.now().Before(e.expires) {
			return e.ips, nil
		}
		r.cache.Remove(key)
	}

	type result struct {
		ips []net.IP
		ttl uint32
		err error
	}
	ch4, ch6 := make(chan result, 1), make(chan result, 1)
	go func() {
		ips, ttl, err := r.query(ctx, key, dns.TypeA)
		ch4 <- result{ips, ttl, err}
	}()
	go func() {
		ips, ttl, err := r.query(ctx, key, dns.TypeAAAA)
		ch6 <- result{ips, ttl, err}
	}()
	res4, res6 := <-ch4, <-ch6

	ips := append(res4.ips, res6.ips...)
	if len(ips) == 0 {
		if res4.err != nil {
			return nil, res4.err
		}
		if res6.err != nil {
			return nil, res6.err
		}
		return nil, fmt.Errorf("%s: %w", host, ErrNoRecords)
	}

	ttl := res4.ttl
	if ttl == 0 || (res6.ttl != 0 && res6.ttl < ttl) {
		ttl = res6.ttl
	}
	r.cache.Add(key, entry{ips: ips, expires: r.now().Add(clampTTL(ttl))})

	r.logger.WithFields(logrus.Fields{
		"host":  host,
		"count": len(ips),
		"ttl":   ttl,
	}).Debug("Resolved upstream host")
	return ips, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]net.IP, uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, 0, fmt.Errorf("query %s %s: %w", name, dns.TypeToString[qtype], err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("query %s %s: %s", name, dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}

	var ips []net.IP
	var ttl uint32
	for _, ans := range resp.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			ips = append(ips, rr.A)
		case *dns.AAAA:
			ips = append(ips, rr.AAAA)
		default:
			continue
		}
		if h := ans.Header(); ttl == 0 || h.Ttl < ttl {
			ttl = h.Ttl
		}
	}
	return ips, ttl, nil
}

// DialContext resolves the host of address and dials each address in turn.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := r.LookupIP(ctx, host)
	if err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: host, Server: r.server, IsNotFound: errors.Is(err, ErrNoRecords)}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func clampTTL(ttl uint32) time.Duration {
	d := time.Duration(ttl) * time.Second
	if d < minTTL {
		return minTTL
	}
	if d > maxTTL {
		return maxTTL
	}
	return d
}
