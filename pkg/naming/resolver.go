package naming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrNoServiceURIs is returned when a lookup is needed but no naming
// endpoints are configured.
var ErrNoServiceURIs = errors.New("naming: no service uris configured")

// MaxInterval caps the delay between lookup attempts
const MaxInterval = 60 * time.Second

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// Config configures a Resolver
type Config struct {
	// ServiceURIs are naming endpoint prefixes; a lookup GETs prefix+name
	ServiceURIs []string

	// Interval is the first retry delay. It doubles up to MaxInterval.
	Interval time.Duration

	Client *http.Client
}

// Resolver maps service names to locations through the naming endpoints
// and caches every answer until InvalidateCache.
type Resolver struct {
	uris     []string
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string

	// wait sleeps between attempts; it returns ctx's error when cancelled
	wait func(ctx context.Context, d time.Duration) error
}

// NewResolver creates a resolver
func NewResolver(cfg Config) *Resolver {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{
		uris:     append([]string(nil), cfg.ServiceURIs...),
		interval: cfg.Interval,
		client:   cfg.Client,
		logger:   log.WithComponent("naming"),
		cache:    make(map[string]string),
		wait:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetServiceLocation returns the location of name. A cache miss queries
// the endpoints round-robin from a random start, backing off between
// failures, until one answers or ctx is done.
func (r *Resolver) GetServiceLocation(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	location, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		metrics.NamingLookupsTotal.WithLabelValues("hit").Inc()
		return location, nil
	}

	if len(r.uris) == 0 {
		return "", ErrNoServiceURIs
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval
	b.Multiplier = 2
	b.MaxInterval = MaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()

	first := rand.IntN(len(r.uris))
	next := first
	delay := b.NextBackOff()
	for attempt := 1; ; attempt++ {
		endpoint := r.uris[next]
		next = (next + 1) % len(r.uris)

		loc, err := r.query(ctx, endpoint, name)
		if err == nil {
			location = loc
			break
		}
		if ctx.Err() != nil {
			metrics.NamingLookupsTotal.WithLabelValues("failed").Inc()
			return "", ctx.Err()
		}
		r.logger.Warn().Err(err).
			Str("service", name).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Service lookup failed")

		if err := r.wait(ctx, delay); err != nil {
			metrics.NamingLookupsTotal.WithLabelValues("failed").Inc()
			return "", err
		}
		// the delay doubles once per failed pass over all endpoints
		if next == first {
			delay = b.NextBackOff()
		}
	}

	r.mu.Lock()
	r.cache[name] = location
	r.mu.Unlock()

	metrics.NamingLookupsTotal.WithLabelValues("resolved").Inc()
	r.logger.Info().Str("service", name).Str("location", location).Msg("Service resolved")
	return location, nil
}

// InvalidateCache drops every cached location
func (r *Resolver) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
	r.logger.Debug().Msg("Naming cache invalidated")
}

// ResolveURI replaces each {ServiceName} placeholder in template with the
// location of that service.
func (r *Resolver) ResolveURI(ctx context.Context, template string) (string, error) {
	matches := placeholder.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return template, nil
	}

	resolved := template
	for _, m := range matches {
		location, err := r.GetServiceLocation(ctx, m[1])
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", m[1], err)
		}
		resolved = strings.ReplaceAll(resolved, m[0], location)
	}
	return resolved, nil
}

func (r *Resolver) query(ctx context.Context, endpoint, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+name, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var location string
	if err := json.NewDecoder(resp.Body).Decode(&location); err != nil {
		return "", fmt.Errorf("invalid location body: %w", err)
	}
	if location == "" {
		return "", fmt.Errorf("empty location")
	}
	return location, nil
}
