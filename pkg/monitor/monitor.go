package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/metrics"
	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrNotCollected is returned by the report getters before the first
// sample completes.
var ErrNotCollected = errors.New("monitor: no sample collected yet")

// Config configures a Monitor
type Config struct {
	Name string

	// NetworkName selects the interface for the ip address, MAC and the
	// default network counter. Empty picks the first non-loopback one.
	NetworkName string

	Interval time.Duration
	NodeUUID uuid.UUID
	Probe    Probe

	// InstanceIDs resolves filter counters; may be nil
	InstanceIDs InstanceIDLookup

	// InvalidateNaming is called when an instance id lookup fails
	InvalidateNaming func()
}

// Monitor samples the machine on a fixed interval and serves the
// resulting metric and register reports.
type Monitor struct {
	cfg        Config
	logger     zerolog.Logger
	errLimiter *rate.Limiter

	mu        sync.RWMutex
	collected bool
	current   readings
	host      HostSample
	ipAddress string
	mac       string
	timestamp time.Time

	// rate baselines, owned by the sampling goroutine
	lastSample SystemSample
	lastTime   time.Time

	collectorsMu sync.Mutex
	collectors   map[string]*Collector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. Nothing is sampled until Start.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Probe == nil {
		cfg.Probe = NewSystemProbe()
	}
	return &Monitor{
		cfg:        cfg,
		logger:     log.WithComponent("monitor"),
		errLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
		collectors: make(map[string]*Collector),
	}
}

// Start takes the first sample synchronously and then samples every
// interval until Stop.
func (m *Monitor) Start() {
	metrics.RegisterComponent("monitor", false, "first sample pending")

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.sample()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Monitoring started")
}

// Stop ends sampling
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// Collected reports whether at least one sample has completed
func (m *Monitor) Collected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collected
}

// MacAddress returns the MAC of the monitored interface
func (m *Monitor) MacAddress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mac
}

func (m *Monitor) sample() {
	now := time.Now()

	s, err := m.cfg.Probe.Sample()
	if err != nil && m.errLimiter.Allow() {
		m.logger.Warn().Err(err).Msg("Incomplete system sample")
	}
	h, err := m.cfg.Probe.Host()
	if err != nil && m.errLimiter.Allow() {
		m.logger.Warn().Err(err).Msg("Incomplete host information")
	}

	r := m.derive(s, now)
	ip, mac := m.primaryNetwork(h.Networks)

	m.lastSample = s
	m.lastTime = now

	m.mu.Lock()
	first := !m.collected
	m.current = r
	m.host = h
	m.ipAddress = ip
	m.mac = mac
	m.timestamp = now
	m.collected = true
	m.mu.Unlock()

	if first {
		metrics.UpdateComponent("monitor", true, "")
		m.logger.Debug().Str("ip_address", ip).Str("mac", mac).Int("cores", h.Cores).Msg("First sample collected")
	}
}

// derive turns cumulative counters into rates against the previous sample
func (m *Monitor) derive(s SystemSample, now time.Time) readings {
	r := readings{
		availableMemoryMB: float32(s.MemoryAvailable) / (1024 * 1024),
		totalMemoryMB:     float32(s.MemoryTotal) / (1024 * 1024),
		diskFreePercent:   float32(s.DiskFreePercent),
		queueLength:       float32(s.ProcsRunning),
		interfaceBps:      make(map[string]float32, len(s.NetworkBytes)),
	}

	prev := m.lastSample
	if dTotal := s.CPUTotal - prev.CPUTotal; dTotal > 0 {
		dIdle := s.CPUIdle - prev.CPUIdle
		r.cpuUsage = float32(100 * (dTotal - dIdle) / dTotal)
	}

	elapsed := now.Sub(m.lastTime).Seconds()
	if m.lastTime.IsZero() || elapsed <= 0 {
		for name := range s.NetworkBytes {
			r.interfaceBps[name] = 0
		}
		return r
	}

	for name, total := range s.NetworkBytes {
		var bps float32
		if last, ok := prev.NetworkBytes[name]; ok && total >= last {
			bps = float32(float64(total-last) / elapsed)
		}
		r.interfaceBps[name] = bps
		if m.cfg.NetworkName == "" || name == m.cfg.NetworkName {
			if name != "lo" {
				r.networkBps += bps
			}
		}
	}
	if s.ContextSwitches >= prev.ContextSwitches {
		r.contextSwitches = float32(float64(s.ContextSwitches-prev.ContextSwitches) / elapsed)
	}
	return r
}

func (m *Monitor) primaryNetwork(networks []types.NetworkInfo) (string, string) {
	for _, n := range networks {
		if m.cfg.NetworkName != "" && n.Name != m.cfg.NetworkName {
			continue
		}
		if n.IpV4 == "" && m.cfg.NetworkName == "" {
			continue
		}
		return n.IpV4, n.MacAddress
	}
	return "", ""
}

// ApplyMetricConfig installs the configured counters. Unknown paths are
// logged and skipped. The returned channel is closed once every filter
// counter has been resolved.
func (m *Monitor) ApplyMetricConfig(ctx context.Context, cfg types.MetricCountersConfig) <-chan struct{} {
	var pending []<-chan struct{}

	for _, counter := range cfg.MetricCounters {
		def, ok := lookupCounter(counter.Path)
		if !ok {
			m.logger.Debug().
				Uint16("metric_id", counter.MetricId).
				Uint16("instance_id", counter.InstanceId).
				Str("path", counter.Path).
				Msg("Unable to enable metric counter")
			continue
		}
		pending = append(pending, m.collector(counter.Path, def).ApplyConfig(ctx, counter))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range pending {
			<-ch
		}
	}()
	return done
}

func (m *Monitor) collector(p string, def counterDef) *Collector {
	m.collectorsMu.Lock()
	defer m.collectorsMu.Unlock()

	key := normalizePath(p)
	if c, ok := m.collectors[key]; ok {
		return c
	}

	var querier Querier
	if def.instances != nil {
		querier = func(filter string) ([]string, error) {
			m.mu.RLock()
			names := def.instances(&m.current)
			m.mu.RUnlock()
			return matchInstances(names, filter), nil
		}
	}

	c := NewCollector(p, querier, m.cfg.InstanceIDs, m.cfg.InvalidateNaming)
	m.collectors[key] = c
	return c
}

// ResetMetricConfig drops every configured counter
func (m *Monitor) ResetMetricConfig() {
	m.collectorsMu.Lock()
	defer m.collectorsMu.Unlock()
	for _, c := range m.collectors {
		c.Reset()
	}
}

type snapshot struct {
	readings  readings
	host      HostSample
	ipAddress string
	timestamp time.Time
}

func (m *Monitor) snapshot() (snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.collected {
		return snapshot{}, false
	}
	return snapshot{
		readings:  m.current,
		host:      m.host,
		ipAddress: m.ipAddress,
		timestamp: m.timestamp,
	}, true
}

// samples builds the default umids followed by every configured counter
func (m *Monitor) samples(snap snapshot) ([]types.Umid, []float32) {
	umids := []types.Umid{
		{MetricId: defaultCPUMetric, InstanceId: defaultCPUInstance},
		{MetricId: defaultMemoryMetric, InstanceId: defaultMemoryInst},
		{MetricId: defaultNetworkMetric, InstanceId: defaultNetworkInst},
	}
	values := []float32{
		snap.readings.cpuUsage,
		snap.readings.availableMemoryMB,
		snap.readings.networkBps,
	}

	m.collectorsMu.Lock()
	collectors := make(map[string]*Collector, len(m.collectors))
	for k, c := range m.collectors {
		collectors[k] = c
	}
	m.collectorsMu.Unlock()

	for _, key := range slices.Sorted(maps.Keys(collectors)) {
		c, def := collectors[key], counterDefs[key]
		u, v := c.CollectValues(func(instance string) (float32, bool) {
			return def.sample(&snap.readings, instance)
		})
		umids = append(umids, u...)
		values = append(values, v...)
	}
	return umids, values
}

func (m *Monitor) tickCount() int {
	return max(1, int(m.cfg.Interval/time.Second))
}

// MetricReport returns the JSON metric report
func (m *Monitor) MetricReport() ([]byte, error) {
	snap, ok := m.snapshot()
	if !ok {
		return nil, ErrNotCollected
	}

	umids, values := m.samples(snap)
	return json.Marshal(types.MetricReport{
		Name:            m.cfg.Name,
		Time:            formatTime(snap.timestamp),
		Umids:           umids,
		Values:          values,
		TickCount:       m.tickCount(),
		IpAddress:       snap.ipAddress,
		CoreCount:       snap.host.Cores,
		SocketCount:     snap.host.Sockets,
		MemoryMegabytes: float64(snap.readings.totalMemoryMB),
	})
}

// PacketData returns the binary metric packets, MaxPacketSize bytes each
func (m *Monitor) PacketData() ([]byte, error) {
	snap, ok := m.snapshot()
	if !ok {
		return nil, ErrNotCollected
	}

	umids, values := m.samples(snap)
	return EncodePackets(m.cfg.NodeUUID, m.tickCount(), umids, values), nil
}

// RegisterInfo returns the JSON register report
func (m *Monitor) RegisterInfo() ([]byte, error) {
	snap, ok := m.snapshot()
	if !ok {
		return nil, ErrNotCollected
	}

	networks := snap.host.Networks
	if networks == nil {
		networks = []types.NetworkInfo{}
	}
	return json.Marshal(types.RegisterInfo{
		NodeName:        m.cfg.Name,
		Time:            formatTime(snap.timestamp),
		IpAddress:       snap.ipAddress,
		CoreCount:       snap.host.Cores,
		SocketCount:     snap.host.Sockets,
		MemoryMegabytes: float64(snap.readings.totalMemoryMB),
		DistroInfo:      snap.host.Distro,
		NetworksInfo:    networks,
	})
}

func formatTime(t time.Time) string {
	return strings.TrimSpace(t.Format(time.ANSIC))
}
