package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gwatts/rootcerts"
	"golang.org/x/net/proxy"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Options struct {
	IPv4Only bool
	IPv6Only bool
	// Interface is a network interface name or a local source IP.
	Interface string
	Insecure  bool
	// Proxy is socks5://host:port or an http(s) proxy URL. Empty means the
	// environment's HTTP_PROXY settings.
	Proxy   string
	Timeout time.Duration
}

// BrowserTransport adds the headers speedtest hosts expect from a browser.
type BrowserTransport struct {
	Transport *http.Transport
}

func (t *BrowserTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())

	if clone.Header.Get("User-Agent") == "" {
		clone.Header.Set("User-Agent", userAgent)
	}
	if clone.Header.Get("Accept") == "" {
		clone.Header.Set("Accept", "*/*")
	}
	if clone.Header.Get("Cache-Control") == "" {
		clone.Header.Set("Cache-Control", "no-cache")
	}
	clone.Header.Set("Accept-Language", "en-US,en;q=0.9")

	return t.Transport.RoundTrip(clone)
}

func NewHTTPClient(opts Options) (*http.Client, error) {
	if opts.IPv4Only && opts.IPv6Only {
		return nil, errors.New("IPv4-only and IPv6-only are mutually exclusive")
	}

	localAddr, err := getLocalAddr(opts.Interface, opts.IPv4Only, opts.IPv6Only)
	if err != nil {
		return nil, err
	}

	tlsClientConfig := &tls.Config{InsecureSkipVerify: opts.Insecure}
	if !opts.Insecure {
		tlsClientConfig.RootCAs = rootcerts.ServerCertPool()
		if tlsClientConfig.RootCAs == nil {
			return nil, errors.New("critical failure: unable to obtain a valid root CA pool")
		}
	}

	d := &dialer{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			LocalAddr: localAddr,
		},
		resolver: NewResolver(opts.IPv4Only, opts.IPv6Only, tlsClientConfig),
		ipv4Only: opts.IPv4Only,
		ipv6Only: opts.IPv6Only,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       tlsClientConfig,
	}

	if opts.Proxy != "" {
		if err := applyProxy(transport, opts.Proxy, d); err != nil {
			return nil, err
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Transport: &BrowserTransport{Transport: transport},
		Timeout:   timeout,
	}, nil
}

func applyProxy(transport *http.Transport, raw string, d *dialer) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid proxy %q: %w", raw, err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		socks, err := proxy.SOCKS5("tcp", u.Host, auth, d)
		if err != nil {
			return fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return errors.New("socks5 dialer does not support contexts")
		}
		transport.Proxy = nil
		transport.DialContext = cd.DialContext
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	default:
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return nil
}

type dialer struct {
	dialer   *net.Dialer
	resolver *Resolver
	ipv4Only bool
	ipv6Only bool
}

func (d *dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	ipv4Only, ipv6Only := d.ipv4Only, d.ipv6Only
	if tcpAddr, ok := d.dialer.LocalAddr.(*net.TCPAddr); ok && tcpAddr.IP != nil {
		isIPv4 := tcpAddr.IP.To4() != nil
		if isIPv4 && ipv6Only {
			return nil, fmt.Errorf("cannot bind to IPv4 address %s when --ipv6 is specified", tcpAddr.IP)
		}
		if !isIPv4 && ipv4Only {
			return nil, fmt.Errorf("cannot bind to IPv6 address %s when --ipv4 is specified", tcpAddr.IP)
		}
		ipv4Only, ipv6Only = isIPv4, !isIPv4
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format: %w", err)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !familyAllowed(ip, ipv4Only, ipv6Only) {
			return nil, fmt.Errorf("target IP address %s does not match the required address family", host)
		}
		return d.dialer.DialContext(ctx, networkFor(ip), addr)
	}

	ips, err := d.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %s: %w", host, err)
	}

	var firstDialErr error
	for _, ip := range ips {
		if !familyAllowed(ip, ipv4Only, ipv6Only) {
			continue
		}
		// Per-IP timeout; the next address is tried on expiry.
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		conn, err := d.dialer.DialContext(dialCtx, networkFor(ip), net.JoinHostPort(ip.String(), port))
		cancel()
		if err == nil {
			return conn, nil
		}
		if firstDialErr == nil {
			firstDialErr = err
		}
	}
	if firstDialErr == nil {
		return nil, fmt.Errorf("DNS resolution failed: no usable IPs returned for %s", host)
	}
	return nil, fmt.Errorf("connection failed to all resolved IPs for %s:%s (first error: %v)", host, port, firstDialErr)
}

func networkFor(ip net.IP) string {
	if ip.To4() != nil {
		return "tcp4"
	}
	return "tcp6"
}

func familyAllowed(ip net.IP, ipv4Only, ipv6Only bool) bool {
	isIPv4 := ip.To4() != nil
	return !(ipv4Only && !isIPv4) && !(ipv6Only && isIPv4)
}

func getLocalAddr(interfaceOrIP string, ipv4Only, ipv6Only bool) (net.Addr, error) {
	if interfaceOrIP == "" {
		return nil, nil
	}

	if ip := net.ParseIP(interfaceOrIP); ip != nil {
		isIPv4 := ip.To4() != nil
		if ipv4Only && !isIPv4 {
			return nil, fmt.Errorf("provided IP %s is not IPv4, but --ipv4 flag was specified", interfaceOrIP)
		}
		if ipv6Only && isIPv4 {
			return nil, fmt.Errorf("provided IP %s is not IPv6, but --ipv6 flag was specified", interfaceOrIP)
		}
		return &net.TCPAddr{IP: ip}, nil
	}

	iface, err := net.InterfaceByName(interfaceOrIP)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %q: %w", interfaceOrIP, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("failed to get addresses for interface %q: %w", interfaceOrIP, err)
	}

	// Prefer a global address, fall back to link-local.
	var selected net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsUnspecified() {
			continue
		}
		if !familyAllowed(ipNet.IP, ipv4Only, ipv6Only) {
			continue
		}
		if !ipNet.IP.IsLinkLocalUnicast() {
			selected = ipNet.IP
			break
		}
		if selected == nil {
			selected = ipNet.IP
		}
	}

	if selected == nil {
		family := "any"
		if ipv4Only {
			family = "IPv4"
		} else if ipv6Only {
			family = "IPv6"
		}
		return nil, fmt.Errorf("no suitable %s IP address found for interface %q", family, interfaceOrIP)
	}
	return &net.TCPAddr{IP: selected}, nil
}
