package reporter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultErrorRetry is the delay before the next cycle after a failed one
const DefaultErrorRetry = 2 * time.Second

// Sender delivers one payload to uri. A positive interval returned with
// a nil error replaces the reporter's interval.
type Sender interface {
	Send(ctx context.Context, uri string, payload []byte) (time.Duration, error)
	Close() error
}

// Config describes one standing reporter
type Config struct {
	Name string

	// Hold delays the first cycle
	Hold       time.Duration
	Interval   time.Duration
	ErrorRetry time.Duration

	// URI returns the current target. An empty target skips the cycle.
	URI func(ctx context.Context) string

	// Fetch produces the payload for one cycle
	Fetch func() ([]byte, error)

	Sender Sender
}

// Reporter periodically pushes a payload to a resolvable target
type Reporter struct {
	cfg      Config
	interval atomic.Int64
	logger   zerolog.Logger

	// errLimiter throttles repeated failure logs
	errLimiter *rate.Limiter

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Start creates a reporter and begins its loop
func Start(cfg Config) *Reporter {
	if cfg.ErrorRetry <= 0 {
		cfg.ErrorRetry = DefaultErrorRetry
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.ErrorRetry
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		cfg:        cfg,
		logger:     log.WithComponent("reporter").With().Str("reporter", cfg.Name).Logger(),
		errLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
		cancel:     cancel,
	}
	r.interval.Store(int64(cfg.Interval))

	r.wg.Add(1)
	go r.run(ctx)

	r.logger.Debug().Dur("interval", cfg.Interval).Dur("hold", cfg.Hold).Msg("Reporter started")
	return r
}

// Name returns the reporter name
func (r *Reporter) Name() string {
	return r.cfg.Name
}

// Interval returns the current delay between successful cycles
func (r *Reporter) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// Stop cancels the loop and waits for an in-flight cycle to finish. No
// fetch or send happens after Stop returns.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		if err := r.cfg.Sender.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("Failed to close sender")
		}
		r.logger.Debug().Msg("Reporter stopped")
	})
}

func (r *Reporter) run(ctx context.Context) {
	defer r.wg.Done()

	delay := r.cfg.Hold
	for {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		delay = r.cycle(ctx)
	}
}

// cycle runs one report and returns the delay before the next
func (r *Reporter) cycle(ctx context.Context) time.Duration {
	uri := r.cfg.URI(ctx)
	if ctx.Err() != nil {
		return 0
	}
	if uri == "" {
		metrics.ReportsTotal.WithLabelValues(r.cfg.Name, "skipped").Inc()
		return r.Interval()
	}

	payload, err := r.cfg.Fetch()
	if err != nil {
		r.failed(uri, err)
		return r.cfg.ErrorRetry
	}

	timer := metrics.NewTimer()
	next, err := r.cfg.Sender.Send(ctx, uri, payload)
	timer.ObserveDurationVec(metrics.ReportDuration, r.cfg.Name)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		r.failed(uri, err)
		return r.cfg.ErrorRetry
	}

	metrics.ReportsTotal.WithLabelValues(r.cfg.Name, "ok").Inc()
	metrics.UpdateComponent("reporter."+r.cfg.Name, true, "")

	if next > 0 && next != r.Interval() {
		r.logger.Info().Dur("interval", next).Msg("Report interval changed by target")
		r.interval.Store(int64(next))
	}
	return r.Interval()
}

func (r *Reporter) failed(uri string, err error) {
	metrics.ReportsTotal.WithLabelValues(r.cfg.Name, "error").Inc()
	metrics.UpdateComponent("reporter."+r.cfg.Name, false, err.Error())

	if r.errLimiter.Allow() {
		r.logger.Warn().Err(err).Str("uri", uri).Msg("Report failed")
	}
}
