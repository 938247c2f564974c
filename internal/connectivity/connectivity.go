// Package connectivity reports whether the backend is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const eventBuffer = 16

// Monitor publishes online/offline transitions. A closed Events channel
// means the source is gone and callers should assume offline.
type Monitor interface {
	Online() bool
	Events() <-chan bool
}

type state struct {
	mu     sync.Mutex
	online bool
	events chan bool
	closed bool
}

func newState(online bool) *state {
	return &state{online: online, events: make(chan bool, eventBuffer)}
}

func (s *state) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *state) Events() <-chan bool {
	return s.events
}

// set records the new state and reports whether it changed. Transitions are
// dropped rather than blocking when nobody is reading.
func (s *state) set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.online == online {
		return false
	}
	s.online = online
	select {
	case s.events <- online:
	default:
	}
	return true
}

func (s *state) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.online = false
	close(s.events)
}

// Manual is switched explicitly, from tests or the admin API.
type Manual struct {
	*state
}

func NewManual(online bool) *Manual {
	return &Manual{state: newState(online)}
}

func (m *Manual) Set(online bool) bool {
	return m.set(online)
}

func (m *Manual) Close() {
	m.close()
}

// Probe polls a URL with HEAD requests. Any response below 500 counts as
// online; transport errors and 5xx count as offline.
type Probe struct {
	*state
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

func NewProbe(url string, interval time.Duration, startOnline bool, logger *slog.Logger) *Probe {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		state:    newState(startOnline),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run probes until ctx is done, then closes the event stream.
func (p *Probe) Run(ctx context.Context) {
	defer p.close()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Probe) check(ctx context.Context) {
	online := p.reachable(ctx)
	if ctx.Err() != nil {
		return
	}
	if p.set(online) {
		p.logger.Info("connectivity changed", "online", online, "probe", p.url)
	}
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
