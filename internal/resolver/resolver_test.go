package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDNS struct {
	addr    string
	queries atomic.Int32
}

func startDNS(t *testing.T, records map[string][]dns.RR) *fakeDNS {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeDNS{addr: pc.LocalAddr().String()}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			f.queries.Add(1)
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			rrs, ok := records[q.Name]
			if !ok {
				m.Rcode = dns.RcodeNameError
			}
			for _, rr := range rrs {
				if rr.Header().Rrtype == q.Qtype {
					m.Answer = append(m.Answer, rr)
				}
			}
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return f
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestLookupIP(t *testing.T) {
	f := startDNS(t, map[string][]dns.RR{
		"example.com.": {
			mustRR(t, "example.com. 300 IN A 93.184.216.34"),
			mustRR(t, "example.com. 60 IN AAAA 2606:2800:220:1::248"),
		},
	})

	r, err := New(f.addr, time.Second, nil)
	require.NoError(t, err)

	ips, err := r.LookupIP(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, ips, 2)
	assert.Equal(t, "93.184.216.34", ips[0].String())
	assert.Equal(t, "2606:2800:220:1::248", ips[1].String())
	assert.Equal(t, int32(2), f.queries.Load())

	_, err = r.LookupIP(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.queries.Load(), "second lookup should hit the cache")
}

func TestLookupIPCacheExpiry(t *testing.T) {
	f := startDNS(t, map[string][]dns.RR{
		"short.test.": {mustRR(t, "short.test. 1 IN A 10.1.2.3")},
	})

	r, err := New(f.addr, time.Second, nil)
	require.NoError(t, err)

	now := time.Now()
	r.now = func() time.Time { return now }

	_, err = r.LookupIP(context.Background(), "short.test")
	require.NoError(t, err)
	before := f.queries.Load()

	now = now.Add(minTTL + time.Second)
	ips, err := r.LookupIP(context.Background(), "short.test")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ips[0].String())
	assert.Greater(t, f.queries.Load(), before)
}

func TestLookupIPLiteral(t *testing.T) {
	r, err := New("127.0.0.1:1", time.Second, nil)
	require.NoError(t, err)

	ips, err := r.LookupIP(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, []net.IP{net.ParseIP("192.0.2.1")}, ips)
}

func TestLookupIPNotFound(t *testing.T) {
	f := startDNS(t, nil)

	r, err := New(f.addr, time.Second, nil)
	require.NoError(t, err)

	_, err = r.LookupIP(context.Background(), "missing.test")
	assert.Error(t, err)

	_, err = r.DialContext(context.Background(), "tcp", "missing.test:80")
	var dnsErr *net.DNSError
	assert.ErrorAs(t, err, &dnsErr)
}

func TestDialContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	f := startDNS(t, map[string][]dns.RR{
		"upstream.test.": {mustRR(t, "upstream.test. 60 IN A 127.0.0.1")},
	})
	r, err := New(f.addr, time.Second, nil)
	require.NoError(t, err)

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	conn, err := r.DialContext(context.Background(), "tcp", net.JoinHostPort("upstream.test", port))
	require.NoError(t, err)
	conn.Close()
}

func TestNewAddsDefaultPort(t *testing.T) {
	r, err := New("1.1.1.1", time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1:53", r.server)
}
