package client

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

type dohServer struct {
	address string
	sni     string
	isV4    bool
}

type dnsServer struct {
	address string
	isV4    bool
}

var defaultDoHServers = []dohServer{
	{"1.1.1.1:443", "cloudflare-dns.com", true},
	{"1.0.0.1:443", "cloudflare-dns.com", true},
	{"8.8.8.8:443", "dns.google", true},
	{"8.8.4.4:443", "dns.google", true},
	{"9.9.9.9:443", "dns.quad9.net", true},
	{"[2606:4700:4700::1111]:443", "cloudflare-dns.com", false},
	{"[2001:4860:4860::8888]:443", "dns.google", false},
	{"[2620:fe::fe]:443", "dns.quad9.net", false},
}

var defaultDNSServers = []dnsServer{
	{"1.1.1.1:53", true},
	{"8.8.8.8:53", true},
	{"9.9.9.9:53", true},
	{"[2606:4700:4700::1111]:53", false},
}

// Resolver looks names up with the system resolver first, then races
// DNS-over-HTTPS servers, then plain UDP DNS.
type Resolver struct {
	ipv4Only bool
	ipv6Only bool

	system     *net.Resolver
	doh        []dohServer
	dns        []dnsServer
	tlsConfig  *tls.Config
	dnsTimeout time.Duration
}

func NewResolver(ipv4Only, ipv6Only bool, tlsConfig *tls.Config) *Resolver {
	return &Resolver{
		ipv4Only:   ipv4Only,
		ipv6Only:   ipv6Only,
		system:     &net.Resolver{},
		doh:        defaultDoHServers,
		dns:        defaultDNSServers,
		tlsConfig:  tlsConfig,
		dnsTimeout: 3 * time.Second,
	}
}

func (r *Resolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	var errs []error

	ips, err := r.resolveSystem(ctx, host)
	if len(ips) > 0 {
		return ips, nil
	}
	errs = append(errs, fmt.Errorf("system DNS failed: %w", err))

	ips, err = r.resolveDoH(ctx, host)
	if len(ips) > 0 {
		return ips, nil
	}
	errs = append(errs, fmt.Errorf("doH failed: %w", err))

	ips, err = r.resolveDirect(ctx, host)
	if len(ips) > 0 {
		return ips, nil
	}
	errs = append(errs, fmt.Errorf("direct DNS failed: %w", err))

	return nil, fmt.Errorf("all resolution methods failed for %s: %w", host, errors.Join(errs...))
}

func (r *Resolver) resolveSystem(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := r.system.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, a := range addrs {
		// Loopback is only trusted from the system resolver.
		if a.IP.IsLoopback() && familyAllowed(a.IP, r.ipv4Only, r.ipv6Only) || r.usable(a.IP) {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return nil, errors.New("no usable addresses")
	}
	return ips, nil
}

func (r *Resolver) resolveDoH(ctx context.Context, host string) ([]net.IP, error) {
	var servers []dohServer
	for _, s := range shuffle(r.doh) {
		if (r.ipv4Only && !s.isV4) || (r.ipv6Only && s.isV4) {
			continue
		}
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		return nil, errors.New("no DoH servers for the requested address family")
	}

	var lastErr error
	for _, qtype := range r.queryTypes() {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true
		packed, err := m.Pack()
		if err != nil {
			return nil, err
		}
		query := base64.RawURLEncoding.EncodeToString(packed)

		ips, err := race(ctx, len(servers), func(ctx context.Context, i int) ([]net.IP, error) {
			resp, err := r.exchangeDoH(ctx, servers[i], query)
			if err != nil {
				return nil, err
			}
			return r.answers(resp, qtype), nil
		})
		if len(ips) > 0 {
			return ips, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Resolver) exchangeDoH(ctx context.Context, server dohServer, query string) (*dns.Msg, error) {
	tlsConfig := &tls.Config{ServerName: server.sni}
	if r.tlsConfig != nil {
		tlsConfig.RootCAs = r.tlsConfig.RootCAs
		tlsConfig.InsecureSkipVerify = r.tlsConfig.InsecureSkipVerify
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, server.address)
			},
			DisableKeepAlives:   true,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}

	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("https://%s/dns-query?dns=%s", server.sni, query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-message")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", server.sni, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Resolver) resolveDirect(ctx context.Context, host string) ([]net.IP, error) {
	var servers []string
	for _, s := range shuffle(r.dns) {
		if (r.ipv4Only && !s.isV4) || (r.ipv6Only && s.isV4) {
			continue
		}
		servers = append(servers, s.address)
	}
	if len(servers) == 0 {
		return nil, errors.New("no DNS servers for the requested address family")
	}

	client := &dns.Client{Net: "udp", Timeout: r.dnsTimeout}

	var lastErr error
	for _, qtype := range r.queryTypes() {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		ips, err := race(ctx, len(servers), func(ctx context.Context, i int) ([]net.IP, error) {
			resp, _, err := client.ExchangeContext(ctx, m.Copy(), servers[i])
			if err != nil {
				return nil, err
			}
			if resp.Rcode != dns.RcodeSuccess {
				return nil, fmt.Errorf("%s: %s", servers[i], dns.RcodeToString[resp.Rcode])
			}
			return r.answers(resp, qtype), nil
		})
		if len(ips) > 0 {
			return ips, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Resolver) queryTypes() []uint16 {
	switch {
	case r.ipv4Only:
		return []uint16{dns.TypeA}
	case r.ipv6Only:
		return []uint16{dns.TypeAAAA}
	default:
		return []uint16{dns.TypeA, dns.TypeAAAA}
	}
}

func (r *Resolver) answers(msg *dns.Msg, qtype uint16) []net.IP {
	var ips []net.IP
	for _, rr := range msg.Answer {
		switch a := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA && r.usable(a.A) {
				ips = append(ips, a.A)
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA && r.usable(a.AAAA) {
				ips = append(ips, a.AAAA)
			}
		}
	}
	return ips
}

func (r *Resolver) usable(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() || ip.IsLoopback() {
		return false
	}
	return familyAllowed(ip, r.ipv4Only, r.ipv6Only)
}

// race runs query for every index concurrently and returns the first
// non-empty answer, cancelling the rest.
func race(ctx context.Context, n int, query func(ctx context.Context, i int) ([]net.IP, error)) ([]net.IP, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		ips []net.IP
		err error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			ips, err := query(ctx, i)
			results <- result{ips, err}
		}(i)
	}

	var firstErr error
	for i := 0; i < n; i++ {
		res := <-results
		if len(res.ips) > 0 {
			return res.ips, nil
		}
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no usable answers")
	}
	return nil, firstErr
}

func shuffle[T any](in []T) []T {
	out := append([]T(nil), in...)
	rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
