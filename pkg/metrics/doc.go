/*
Package metrics provides Prometheus instrumentation and the health registry
for the agent.

All collectors are package-level vectors registered with the default
Prometheus registry at init, and Handler exposes them for scraping on
/metrics.

# Metrics

	hpcagent_tasks_running                  gauge
	hpcagent_tasks_started_total            counter
	hpcagent_tasks_completed_total          counter   result=success|failed|killed
	hpcagent_reports_total                  counter   reporter, status=ok|error|skipped
	hpcagent_report_duration_seconds        histogram reporter
	hpcagent_api_requests_total             counter   method, status
	hpcagent_api_request_duration_seconds   histogram method
	hpcagent_naming_lookups_total           counter   result=hit|resolved|failed
	hpcagent_callbacks_total                counter   status=ok|error

The task metrics are not updated inline. A Collector subscribes to the
events broker and derives them from task.started and task.completed
events.

Durations are recorded with a Timer:

	timer := metrics.NewTimer()
	err := send(payload)
	timer.ObserveDurationVec(metrics.ReportDuration, "node")

# Health

Components report their state with RegisterComponent/UpdateComponent.
The api and monitor components are critical: /ready answers 503 until
both are registered and healthy, and /health answers 503 when either is
unhealthy. Any other failing component (a reporter whose target is
unreachable, for example) marks the node degraded while /health still
answers 200.
*/
package metrics
