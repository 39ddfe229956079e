package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ProbeFunc checks reachability. A nil error means online.
type ProbeFunc func(ctx context.Context) error

// Prober is a Signal driven by periodic probes.
type Prober struct {
	broadcaster

	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout bounds each probe call.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = d
	}
}

// NewProber creates a Prober that runs probe every interval once started.
func NewProber(probe ProbeFunc, interval time.Duration, opts ...ProberOption) *Prober {
	p := &Prober{
		probe:    probe,
		interval: interval,
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run probes immediately and then every interval until ctx is done.
// Always returns ctx.Err().
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Check runs one probe and records the result.
func (p *Prober) Check(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		s, _ := p.current()
		return s
	}

	changed := p.set(State{Online: err == nil})
	s, _ := p.current()
	if changed {
		if err != nil {
			slog.Info("connectivity changed", "state", s, "error", err)
		} else {
			slog.Info("connectivity changed", "state", s)
		}
	}
	return s
}

// HTTPProbe returns a ProbeFunc that GETs url. Any response below 500
// counts as reachable: the server answered.
func HTTPProbe(url string, client *http.Client) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe: HTTP %d", resp.StatusCode)
		}
		return nil
	}
}
