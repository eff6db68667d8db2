// Package connectivity tracks whether the service can reach the outside
// world, which decides if emergency calls are dispatched or queued.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

// Probe performs one reachability check. A nil error means online.
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Monitor caches the result of the most recent probe. It starts online.
type Monitor struct {
	probe   Probe
	timeout time.Duration
	online  atomic.Bool
	group   singleflight.Group
}

// NewMonitor creates a Monitor. A timeout <= 0 uses DefaultTimeout.
func NewMonitor(probe Probe, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Monitor{probe: probe, timeout: timeout}
	m.online.Store(true)
	return m
}

// IsOnline reports the result of the last completed probe.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Check runs one probe and records the result. Callers that arrive while a
// probe is in flight share its result. There is no retry.
func (m *Monitor) Check(ctx context.Context) bool {
	v, _, _ := m.group.Do("probe", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()

		err := m.probe.Probe(probeCtx)
		online := err == nil
		was := m.online.Swap(online)

		switch {
		case err != nil && was:
			slog.Warn("connectivity lost", "component", "connectivity", "error", err)
		case err == nil && !was:
			slog.Info("connectivity restored", "component", "connectivity")
		case err != nil:
			slog.Debug("still offline", "component", "connectivity", "error", err)
		}
		return online, nil
	})
	return v.(bool)
}

// Resolver is the subset of *net.Resolver used by DNSProbe.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSProbe treats a successful host lookup as online.
type DNSProbe struct {
	Host     string
	Resolver Resolver
}

// NewDNSProbe returns a probe resolving host with the default resolver.
func NewDNSProbe(host string) *DNSProbe {
	return &DNSProbe{Host: host, Resolver: net.DefaultResolver}
}

func (p *DNSProbe) Probe(ctx context.Context) error {
	addrs, err := p.Resolver.LookupHost(ctx, p.Host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", p.Host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", p.Host)
	}
	return nil
}

// HTTPProbe treats any response below 500 as online.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPProbe returns a probe sending HEAD requests to url.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{URL: url, Client: http.DefaultClient}
}

func (p *HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}
