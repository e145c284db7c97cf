package monitor

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/rs/zerolog"
)

// Querier lists the instance names matching filter. An empty filter
// matches every instance.
type Querier func(filter string) ([]string, error)

// SampleFunc reads the current value of one instance
type SampleFunc func(instance string) (float32, bool)

// InstanceIDLookup maps instance names to the cluster's instance ids,
// one id per name in order.
type InstanceIDLookup interface {
	Lookup(ctx context.Context, names []string) ([]int, error)
}

// Collector tracks the configured instances of one counter path. Filter
// counters are resolved asynchronously through the querier and the
// instance id lookup.
type Collector struct {
	querier    Querier
	lookup     InstanceIDLookup
	invalidate func()
	logger     zerolog.Logger

	mu        sync.RWMutex
	instances map[uint16]map[uint16]string
	enabled   bool
}

// NewCollector creates a disabled collector. querier may be nil for
// single-instance counters; invalidate is called when a filter lookup
// fails.
func NewCollector(path string, querier Querier, lookup InstanceIDLookup, invalidate func()) *Collector {
	return &Collector{
		querier:    querier,
		lookup:     lookup,
		invalidate: invalidate,
		logger:     log.WithComponent("monitor").With().Str("counter", path).Logger(),
		instances:  make(map[uint16]map[uint16]string),
	}
}

// ApplyConfig installs counter. A literal counter is installed before
// ApplyConfig returns. A filter counter is resolved in the background;
// the returned channel is closed once that finishes.
func (c *Collector) ApplyConfig(ctx context.Context, counter types.MetricCounter) <-chan struct{} {
	done := make(chan struct{})

	if !counter.IsFilter() || c.querier == nil {
		c.logger.Debug().
			Uint16("metric_id", counter.MetricId).
			Uint16("instance_id", counter.InstanceId).
			Str("instance", counter.InstanceName).
			Msg("Counter installed")
		c.install(counter.MetricId, map[uint16]string{counter.InstanceId: counter.InstanceName})
		close(done)
		return done
	}

	go func() {
		defer close(done)
		c.resolve(ctx, counter)
	}()
	return done
}

func (c *Collector) resolve(ctx context.Context, counter types.MetricCounter) {
	names, err := c.querier(counter.InstanceName)
	if err != nil {
		c.logger.Error().Err(err).Uint16("metric_id", counter.MetricId).Msg("Failed to query instances")
		c.invalidateCache()
		return
	}

	if len(names) == 0 {
		c.logger.Warn().Uint16("metric_id", counter.MetricId).Msg("No instances returned for metric")
		c.install(counter.MetricId, map[uint16]string{counter.InstanceId: counter.InstanceName})
		return
	}

	if c.lookup == nil {
		c.logger.Error().Strs("instances", names).Msg("No instance id lookup configured")
		return
	}

	ids, err := c.lookup.Lookup(ctx, names)
	if err != nil {
		c.logger.Error().Err(err).Strs("instances", names).Msg("Failed to query instance ids, resetting naming cache")
		c.invalidateCache()
		return
	}

	if len(ids) != len(names) {
		c.logger.Error().
			Ints("ids", ids).
			Strs("instances", names).
			Msgf("Queried ids size %d != instance names size %d", len(ids), len(names))
		c.mu.Lock()
		c.enabled = false
		c.mu.Unlock()
		return
	}

	instances := make(map[uint16]string, len(ids))
	for i, id := range ids {
		instances[uint16(id)] = names[i]
	}
	c.logger.Debug().Ints("ids", ids).Strs("instances", names).Msg("Instance ids resolved")
	c.install(counter.MetricId, instances)
}

func (c *Collector) install(metricID uint16, instances map[uint16]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[metricID] = instances
	c.enabled = true
}

func (c *Collector) invalidateCache() {
	if c.invalidate != nil {
		c.invalidate()
	}
}

// Enabled reports whether CollectValues will produce samples
func (c *Collector) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// CollectValues samples every installed instance in metric and instance
// id order. A disabled collector returns nothing.
func (c *Collector) CollectValues(sample SampleFunc) ([]types.Umid, []float32) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.enabled {
		return nil, nil
	}

	var umids []types.Umid
	var values []float32
	for _, metricID := range slices.Sorted(maps.Keys(c.instances)) {
		instances := c.instances[metricID]
		for _, instanceID := range slices.Sorted(maps.Keys(instances)) {
			v, ok := sample(instances[instanceID])
			if !ok {
				continue
			}
			umids = append(umids, types.Umid{MetricId: metricID, InstanceId: instanceID})
			values = append(values, v)
		}
	}
	return umids, values
}

// Reset removes every instance and disables the collector
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = make(map[uint16]map[uint16]string)
	c.enabled = false
}
