package metrics

import (
	"github.com/cuemby/hpcagent/pkg/events"
)

// Collector turns task lifecycle events into task metrics
type Collector struct {
	broker *events.Broker
	sub    events.Subscriber
	done   chan struct{}
}

// NewCollector creates a collector over broker
func NewCollector(broker *events.Broker) *Collector {
	return &Collector{
		broker: broker,
		done:   make(chan struct{}),
	}
}

// Start subscribes to the broker and begins consuming events
func (c *Collector) Start() {
	c.sub = c.broker.Subscribe()
	go func() {
		defer close(c.done)
		for ev := range c.sub {
			c.observe(ev)
		}
	}()
}

// Stop unsubscribes and waits for the consumer to drain
func (c *Collector) Stop() {
	if c.sub == nil {
		return
	}
	c.broker.Unsubscribe(c.sub)
	<-c.done
}

func (c *Collector) observe(ev *events.Event) {
	switch ev.Type {
	case events.EventTaskStarted:
		TasksStarted.Inc()
		TasksRunning.Inc()
	case events.EventTaskCompleted:
		TasksRunning.Dec()
		TasksCompleted.WithLabelValues(completionResult(ev)).Inc()
	}
}

func completionResult(ev *events.Event) string {
	switch {
	case ev.Metadata["killed"] == "true":
		return "killed"
	case ev.ExitCode == 0:
		return "success"
	default:
		return "failed"
	}
}
