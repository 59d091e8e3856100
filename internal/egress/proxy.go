// Package egress implements the allowlisting HTTP forward proxy isolates use
// for network access.
//
// Security:
//   - Only hosts on the allowlist (exact or "*.suffix") are dialed; everything else gets 403
//   - Allowlisted names resolving to private, loopback or link-local addresses are refused
//     unless private networks are explicitly allowed
//   - The dial goes to the address that was checked, not a second lookup
//   - CONNECT tunnels are limited to port 443 by default
//   - Hop-by-hop headers are stripped from forwarded requests
package egress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Observer is told about every allow/deny decision.
type Observer interface {
	RecordEgress(allowed bool)
}

// Config configures the proxy.
type Config struct {
	ListenAddr   string
	Allowlist    []string
	AllowPrivate bool          // Permit allowlisted hosts that resolve to private addresses.
	ConnectPorts []int         // Ports CONNECT may reach. Default: 443.
	DialTimeout  time.Duration // Default: 10s.
	Observer     Observer      // Optional.
}

// Proxy is an HTTP forward proxy that only reaches allowlisted hosts.
type Proxy struct {
	config    Config
	allow     *Allowlist
	ports     map[int]bool
	dialer    *net.Dialer
	resolver  *net.Resolver
	transport *http.Transport
	logger    *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// New creates a proxy. It does not listen until Start.
func New(cfg Config, logger *slog.Logger) *Proxy {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if len(cfg.ConnectPorts) == 0 {
		cfg.ConnectPorts = []int{443}
	}
	p := &Proxy{
		config:   cfg,
		allow:    NewAllowlist(cfg.Allowlist),
		ports:    make(map[int]bool, len(cfg.ConnectPorts)),
		dialer:   &net.Dialer{Timeout: cfg.DialTimeout},
		resolver: net.DefaultResolver,
		logger:   logger,
	}
	for _, port := range cfg.ConnectPorts {
		p.ports[port] = true
	}
	p.transport = &http.Transport{
		Proxy:                 nil,
		DialContext:           p.dial,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return p
}

// ServeHTTP handles CONNECT tunnels and absolute-URI requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() || (r.URL.Scheme != "http" && r.URL.Scheme != "https") {
		http.Error(w, "labbox egress: only proxy requests are served", http.StatusBadRequest)
		return
	}
	p.handleForward(w, r)
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, portStr, err := net.SplitHostPort(r.Host)
	if err != nil {
		http.Error(w, "labbox egress: CONNECT target must be host:port", http.StatusBadRequest)
		return
	}
	port, _ := strconv.Atoi(portStr)
	if !p.decide(host) || !p.ports[port] {
		p.deny(w, r, host)
		return
	}

	upstream, err := p.dial(r.Context(), "tcp", r.Host)
	if err != nil {
		p.badGateway(w, host, err)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "labbox egress: hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		p.logger.Warn("egress hijack failed", slog.String("error", err.Error()))
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	// Bytes the client sent after the CONNECT line are already buffered.
	if n := buf.Reader.Buffered(); n > 0 {
		pending, _ := buf.Reader.Peek(n)
		if _, err := upstream.Write(pending); err != nil {
			_ = client.Close()
			_ = upstream.Close()
			return
		}
	}
	tunnel(client, upstream)
}

// tunnel copies in both directions until either side closes.
func tunnel(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	cp := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		if tc, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}
	go cp(a, b)
	go cp(b, a)
	wg.Wait()
	_ = a.Close()
	_ = b.Close()
}

func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	if !p.decide(host) {
		p.deny(w, r, host)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		p.badGateway(w, host, err)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// decide applies the allowlist and reports the decision.
func (p *Proxy) decide(host string) bool {
	allowed := p.allow.Allows(host)
	if p.config.Observer != nil {
		p.config.Observer.RecordEgress(allowed)
	}
	return allowed
}

func (p *Proxy) deny(w http.ResponseWriter, r *http.Request, host string) {
	p.logger.Warn("egress denied",
		slog.String("host", host),
		slog.String("method", r.Method),
		slog.String("remote", r.RemoteAddr),
	)
	http.Error(w, fmt.Sprintf("labbox egress: host %q is not allowlisted", host), http.StatusForbidden)
}

func (p *Proxy) badGateway(w http.ResponseWriter, host string, err error) {
	p.logger.Warn("egress upstream failed",
		slog.String("host", host),
		slog.String("error", err.Error()),
	)
	http.Error(w, "labbox egress: upstream unreachable", http.StatusBadGateway)
}

// dial resolves addr once, checks the addresses, and connects to a checked one.
func (p *Proxy) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if !p.allow.Allows(host) {
		return nil, fmt.Errorf("host %q is not allowlisted", host)
	}
	if p.config.AllowPrivate {
		return p.dialer.DialContext(ctx, network, addr)
	}

	addrs, err := p.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	var lastErr error
	for _, ip := range addrs {
		if isPrivateIP(ip.IP) {
			lastErr = fmt.Errorf("host %q resolves to private IP %s", host, ip.IP)
			continue
		}
		conn, err := p.dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %q", host)
	}
	return nil, lastErr
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, name := range strings.Split(f, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Start listens on the configured address and serves until Stop or ctx is canceled.
func (p *Proxy) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              p.config.ListenAddr,
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	p.mu.Lock()
	p.server = srv
	p.mu.Unlock()

	p.logger.Info("egress proxy starting",
		slog.String("addr", p.config.ListenAddr),
		slog.Int("allowlist_entries", len(p.config.Allowlist)),
	)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("egress proxy: %w", err)
	}
	return nil
}

// Stop shuts the listener down. Hijacked tunnels end when either side closes.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	p.logger.Info("egress proxy stopping")
	p.transport.CloseIdleConnections()
	return srv.Shutdown(ctx)
}
