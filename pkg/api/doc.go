/*
Package api serves the node's inbound HTTP surface.

Every method is a POST to /api/<node>/<method> with a JSON body:

	startjobandtask  StartJobAndTaskArgs  -> TaskInfo
	starttask        StartTaskArgs        -> TaskInfo
	endjob           EndJobArgs           -> JobInfo
	endtask          EndTaskArgs          -> TaskInfo
	ping             (empty)              -> null
	metric           (empty)              -> null
	metricconfig     MetricCountersConfig -> null
	peektaskoutput   PeekTaskOutputArgs   -> string

The optional CallbackURI header carries the per-task completion target
for starts and the report target for ping and metric. Unknown paths and
methods answer 404, malformed bodies 400, and failed operations 500.

/health, /ready, /live and /metrics are served from the same listener.
*/
package api
