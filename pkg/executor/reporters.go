package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/hpcagent/pkg/events"
	"github.com/cuemby/hpcagent/pkg/monitor"
	"github.com/cuemby/hpcagent/pkg/reporter"
	"github.com/cuemby/hpcagent/pkg/storage"
)

// setTarget persists uri under marker and reports whether it changed.
// Concurrent calls commit in order, so the marker file and the
// in-memory target always agree.
func (e *Executor) setTarget(marker, uri string) (bool, error) {
	e.markersMu.Lock()
	defer e.markersMu.Unlock()

	e.targetsMu.RLock()
	current := &e.nodeURI
	if marker == storage.MarkerMetricReportURI {
		current = &e.metricURI
	}
	unchanged := *current == uri
	e.targetsMu.RUnlock()
	if unchanged {
		return false, nil
	}

	if err := e.store.Write(marker, uri); err != nil {
		return false, fmt.Errorf("failed to persist %s marker: %w", marker, err)
	}

	e.targetsMu.Lock()
	*current = uri
	e.targetsMu.Unlock()

	e.logger.Info().Str("marker", marker).Str("uri", uri).Msg("Report target changed")
	e.broker.Publish(&events.Event{
		Type:     events.EventReportTargetChanged,
		Metadata: map[string]string{"marker": marker, "uri": uri},
	})
	return true, nil
}

// nodeTemplate is the node report target before placeholder expansion
func (e *Executor) nodeTemplate() string {
	e.targetsMu.RLock()
	defer e.targetsMu.RUnlock()
	if e.nodeURI != "" {
		return e.nodeURI
	}
	return e.cfg.HeartbeatURI
}

func (e *Executor) metricTemplate() string {
	e.targetsMu.RLock()
	defer e.targetsMu.RUnlock()
	if e.metricURI != "" {
		return e.metricURI
	}
	return e.cfg.MetricURI
}

// resolveTarget expands template through the resolver. A failed
// expansion yields an empty target so the cycle is skipped.
func (e *Executor) resolveTarget(ctx context.Context, name, template string) string {
	if template == "" || e.resolver == nil {
		return template
	}
	uri, err := e.resolver.ResolveURI(ctx, template)
	if err != nil {
		if ctx.Err() == nil && e.resolveLimiter.Allow() {
			e.logger.Warn().Err(err).Str("reporter", name).Str("template", template).Msg("Failed to resolve report target")
		}
		return ""
	}
	return uri
}

func isUDP(uri string) bool {
	return strings.HasPrefix(strings.ToLower(uri), "udp://")
}

// retire stops a replaced reporter in the background. Stop waits for an
// in-flight send, which must not hold up the request that retargeted it.
func (e *Executor) retire(r *reporter.Reporter) {
	if r == nil {
		return
	}
	e.retired.Add(1)
	go func() {
		defer e.retired.Done()
		r.Stop()
	}()
}

func (e *Executor) restartNodeReporter() {
	e.reportersMu.Lock()
	defer e.reportersMu.Unlock()

	if e.ctx.Err() != nil {
		return
	}
	e.retire(e.node)
	e.node = reporter.Start(reporter.Config{
		Name:     "node",
		Interval: e.cfg.HeartbeatInterval,
		URI: func(ctx context.Context) string {
			return e.resolveTarget(ctx, "node", e.nodeTemplate())
		},
		Fetch:  e.table.ToJSON,
		Sender: reporter.NewHTTPSender(e.cfg.ReportTimeout),
	})
}

// restartMetricReporter picks the packet form for udp:// targets and
// the JSON form otherwise.
func (e *Executor) restartMetricReporter() {
	e.reportersMu.Lock()
	defer e.reportersMu.Unlock()

	if e.ctx.Err() != nil || e.metrics == nil {
		return
	}
	e.retire(e.metric)

	template := e.metricTemplate()
	cfg := reporter.Config{
		Name:     "metric",
		Interval: e.cfg.MetricInterval,
		URI: func(ctx context.Context) string {
			return e.resolveTarget(ctx, "metric", e.metricTemplate())
		},
	}
	if isUDP(template) {
		cfg.Fetch = e.metrics.PacketData
		cfg.Sender = reporter.NewUDPSender(monitor.MaxPacketSize)
	} else {
		cfg.Fetch = e.metrics.MetricReport
		cfg.Sender = reporter.NewHTTPSender(e.cfg.ReportTimeout)
	}
	e.metric = reporter.Start(cfg)
}

func (e *Executor) startRegisterReporter() {
	e.reportersMu.Lock()
	defer e.reportersMu.Unlock()

	if e.ctx.Err() != nil || e.metrics == nil || e.register != nil {
		return
	}
	e.register = reporter.Start(reporter.Config{
		Name:     "register",
		Interval: e.cfg.RegisterInterval,
		URI: func(ctx context.Context) string {
			return e.resolveTarget(ctx, "register", e.cfg.RegisterURI)
		},
		Fetch:  e.metrics.RegisterInfo,
		Sender: reporter.NewHTTPSender(e.cfg.ReportTimeout),
	})
}
