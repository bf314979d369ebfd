// Package balancer tracks the pool of media-server hosts and picks one per
// new pipeline according to the configured strategy.
package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/metrics"
)

// Client is the backend connection handle a host wraps. The dialer is
// injected by whoever owns the backend protocol (the Kurento adapter in
// production, fakes in tests).
type Client interface {
	Close() error
}

// ConnectFunc dials one media-server host.
type ConnectFunc func(ctx context.Context, url, ip string) (Client, error)

// HostEntry is one configured pool member.
type HostEntry struct {
	URL       string
	IP        string
	MediaType domain.MediaType
}

// Host is one live media-server process connection.
type Host struct {
	ID        domain.HostID
	URL       string
	IP        string
	MediaType domain.MediaType

	client Client

	mu      sync.Mutex
	streams map[domain.MediaType]int
}

// StreamCount returns the current counter for one media type.
func (h *Host) StreamCount(t domain.MediaType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[t]
}

// Load is the sum of all per-type counters.
func (h *Host) Load() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, n := range h.streams {
		total += n
	}
	return total
}

// Client returns the backend connection handle.
func (h *Host) Conn() Client { return h.client }

// Options tunes retry, timeout and strategy behavior.
type Options struct {
	// Label names the owning adapter on the exported host gauges.
	Label             string
	Strategy          string
	Retries           int
	RetryDelay        time.Duration
	FailoverTimeout   time.Duration
	ReconnectInterval time.Duration
	// Ceilings are the per-type load limits used by round-robin. Zero means
	// unlimited for that type.
	Ceilings map[domain.MediaType]int
	// AllowMixing lets the affinity strategy place a media type on a host
	// dedicated to another one when no dedicated host exists.
	AllowMixing bool
}

const (
	StrategyRoundRobin = "round-robin"
	StrategyAffinity   = "media-affinity"

	defaultFailoverTimeout   = 15 * time.Second
	defaultRetryDelay        = 3 * time.Second
	defaultReconnectInterval = 3 * time.Second
	defaultRetries           = 5
)

// Balancer owns the host pool.
type Balancer struct {
	bus     *core.EventBus
	connect ConnectFunc
	opts    Options

	mu      sync.Mutex
	hosts   []*Host
	rr      int
	stopped bool
}

func New(bus *core.EventBus, connect ConnectFunc, opts Options) *Balancer {
	if opts.FailoverTimeout <= 0 {
		opts.FailoverTimeout = defaultFailoverTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyRoundRobin
	}
	return &Balancer{bus: bus, connect: connect, opts: opts}
}

// UpstartHosts starts one independent retry loop per configured entry. Each
// loop gives up after the configured retries and logs; it never blocks the
// others.
func (b *Balancer) UpstartHosts(ctx context.Context, entries []HostEntry) {
	for _, e := range entries {
		entry := e
		go func() {
			for attempt := 1; attempt <= b.opts.Retries; attempt++ {
				if ctx.Err() != nil {
					return
				}
				if _, err := b.ConnectToHost(ctx, entry); err == nil {
					return
				} else {
					log.Warn().Str("module", "balancer").Str("url", entry.URL).
						Int("attempt", attempt).Err(err).Msg("host connect failed")
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.opts.RetryDelay):
				}
			}
			log.Error().Str("module", "balancer").Str("url", entry.URL).
				Msg("giving up on host after exhausting retries")
		}()
	}
}

// ConnectToHost races one connect attempt against the failover timeout.
// Whichever settles first wins; a late successful connect after timeout is
// closed so it does not leak.
func (b *Balancer) ConnectToHost(ctx context.Context, entry HostEntry) (*Host, error) {
	type result struct {
		client Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, err := b.connect(ctx, entry.URL, entry.IP)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, core.Normalize(r.err)
		}
		return b.addHost(entry, r.client), nil
	case <-time.After(b.opts.FailoverTimeout):
		go func() {
			if r := <-done; r.err == nil && r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, core.NewErrorf(core.ErrRequestTimeout,
			"host %s connect timed out after %s", entry.URL, b.opts.FailoverTimeout)
	case <-ctx.Done():
		return nil, core.Normalize(ctx.Err())
	}
}

func (b *Balancer) addHost(entry HostEntry, client Client) *Host {
	h := &Host{
		ID:        domain.HostID(domain.NewID()),
		URL:       entry.URL,
		IP:        entry.IP,
		MediaType: entry.MediaType,
		client:    client,
		streams:   make(map[domain.MediaType]int),
	}
	b.mu.Lock()
	b.hosts = append(b.hosts, h)
	b.mu.Unlock()
	log.Info().Str("module", "balancer").Str("host", string(h.ID)).
		Str("url", h.URL).Msg("host online")
	metrics.HostsOnline.WithLabelValues(b.opts.Label).Inc()
	b.bus.Emit(core.Event{Kind: core.EventHostOnline, Identifier: string(h.ID), HostID: h.ID})
	return h
}

// GetHost selects a host for a new pipeline per the configured strategy.
func (b *Balancer) GetHost(mediaType domain.MediaType) (*Host, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.hosts) == 0 {
		return nil, core.NewError(core.ErrMediaServerOffline, "no media server hosts registered")
	}
	switch b.opts.Strategy {
	case StrategyAffinity:
		return b.affinityLocked(mediaType)
	default:
		return b.roundRobinLocked(mediaType), nil
	}
}

// roundRobinLocked prefers a host below the per-type load ceilings; when all
// are saturated the list is rotated and the head returned.
func (b *Balancer) roundRobinLocked(mediaType domain.MediaType) *Host {
	ceiling := b.opts.Ceilings[mediaType]
	n := len(b.hosts)
	for i := 0; i < n; i++ {
		h := b.hosts[(b.rr+i)%n]
		if ceiling == 0 || h.StreamCount(mediaType) < ceiling {
			b.rr = (b.rr + i + 1) % n
			return h
		}
	}
	// All saturated: rotate and return the head.
	b.hosts = append(b.hosts[1:], b.hosts[0])
	return b.hosts[0]
}

// affinityLocked prefers a host dedicated to the requested type; when none
// exists and mixing is disallowed the call fails, otherwise the least-loaded
// host wins, keeping audio isolated from video/content when possible.
func (b *Balancer) affinityLocked(mediaType domain.MediaType) (*Host, error) {
	for _, h := range b.hosts {
		if h.MediaType == mediaType {
			return h, nil
		}
	}
	if !b.opts.AllowMixing {
		return nil, core.NewErrorf(core.ErrMediaServerNoResources,
			"no host dedicated to %s and mixing is disallowed", mediaType)
	}
	var best *Host
	for _, h := range b.hosts {
		if mediaType == domain.MediaTypeAudio && h.MediaType != "" && h.MediaType != domain.MediaTypeAudio {
			continue
		}
		if best == nil || h.Load() < best.Load() {
			best = h
		}
	}
	if best == nil {
		best = b.hosts[0]
	}
	return best, nil
}

// Host resolves a pool member by id.
func (b *Balancer) Host(id domain.HostID) (*Host, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.hosts {
		if h.ID == id {
			return h, true
		}
	}
	return nil, false
}

// Hosts snapshots the pool.
func (b *Balancer) Hosts() []*Host {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Host(nil), b.hosts...)
}

// IncrementHostStreams bumps the per-type counter. Callers pair this with
// DecrementHostStreams over each media lifecycle.
func (b *Balancer) IncrementHostStreams(id domain.HostID, t domain.MediaType) {
	if h, ok := b.Host(id); ok {
		h.mu.Lock()
		h.streams[t]++
		h.mu.Unlock()
		metrics.HostStreams.WithLabelValues(b.opts.Label, string(id)).Inc()
	}
}

// DecrementHostStreams lowers the per-type counter. It is not clamped;
// callers must not double-decrement.
func (b *Balancer) DecrementHostStreams(id domain.HostID, t domain.MediaType) {
	if h, ok := b.Host(id); ok {
		h.mu.Lock()
		h.streams[t]--
		h.mu.Unlock()
		metrics.HostStreams.WithLabelValues(b.opts.Label, string(id)).Dec()
	}
}

// NotifyDisconnect removes the host from the pool immediately, emits
// host-offline (adapters evict the elements bound to it) and starts an
// independent fixed-interval reconnection loop.
func (b *Balancer) NotifyDisconnect(ctx context.Context, id domain.HostID) {
	b.mu.Lock()
	var entry HostEntry
	found := false
	kept := b.hosts[:0]
	for _, h := range b.hosts {
		if h.ID == id {
			entry = HostEntry{URL: h.URL, IP: h.IP, MediaType: h.MediaType}
			found = true
			continue
		}
		kept = append(kept, h)
	}
	b.hosts = kept
	stopped := b.stopped
	b.mu.Unlock()
	if !found {
		return
	}
	log.Warn().Str("module", "balancer").Str("host", string(id)).Msg("host offline")
	metrics.HostsOnline.WithLabelValues(b.opts.Label).Dec()
	metrics.HostStreams.DeleteLabelValues(b.opts.Label, string(id))
	b.bus.Emit(core.Event{Kind: core.EventHostOffline, Identifier: string(id), HostID: id})
	if stopped {
		return
	}
	go b.reconnectLoop(ctx, entry)
}

func (b *Balancer) reconnectLoop(ctx context.Context, entry HostEntry) {
	ticker := time.NewTicker(b.opts.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			stopped := b.stopped
			b.mu.Unlock()
			if stopped {
				return
			}
			if _, err := b.ConnectToHost(ctx, entry); err == nil {
				log.Info().Str("module", "balancer").Str("url", entry.URL).
					Msg("host reconnected")
				return
			}
		}
	}
}

// Stop closes every host connection and ends reconnection loops.
func (b *Balancer) Stop() {
	b.mu.Lock()
	b.stopped = true
	hosts := b.hosts
	b.hosts = nil
	b.mu.Unlock()
	for _, h := range hosts {
		if h.client != nil {
			_ = h.client.Close()
		}
		metrics.HostsOnline.WithLabelValues(b.opts.Label).Dec()
		metrics.HostStreams.DeleteLabelValues(b.opts.Label, string(h.ID))
	}
}
