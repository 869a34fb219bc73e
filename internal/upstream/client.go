package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport builds the outbound HTTP transport shared by all upstream
// traffic. DNS lookups go through a shared resolver cache so high request
// volume does not hammer the resolver. A non-nil proxy routes through an
// http, https or socks5 forward proxy.
func NewTransport(resolver *dnscache.Resolver, proxy *url.URL) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no addresses for %s", host)
			}
			return nil, lastErr
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0, // streaming first-byte deadline is per-request
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
		// Proxied connections dial through the proxy, so the cached
		// resolver short-circuits only the proxy host itself.
		t.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	}
	return t
}

// ClientPool hands out http.Clients keyed by forward-proxy URL so endpoints
// sharing a proxy share connection pools. The empty key is the direct client.
type ClientPool struct {
	resolver *dnscache.Resolver

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClientPool creates the pool and starts a resolver refresh loop that
// runs until ctx is cancelled.
func NewClientPool(ctx context.Context) *ClientPool {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resolver.Refresh(true)
			}
		}
	}()
	return &ClientPool{
		resolver: resolver,
		clients:  make(map[string]*http.Client),
	}
}

// Client returns the shared client for proxyURL (empty for direct).
// Timeouts are per-request via context; the client itself has none so
// streams can outlive any fixed deadline.
func (p *ClientPool) Client(proxyURL string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[proxyURL]; ok {
		return c, nil
	}

	var proxy *url.URL
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxy url %s: %w", RedactURL(proxyURL), err)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return nil, fmt.Errorf("proxy url %s: unsupported scheme %q", RedactURL(proxyURL), u.Scheme)
		}
		proxy = u
	}

	c := &http.Client{Transport: NewTransport(p.resolver, proxy)}
	p.clients[proxyURL] = c
	return c, nil
}

// CloseIdle drops idle connections on every pooled client.
func (p *ClientPool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if t, ok := c.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}
