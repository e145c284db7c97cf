/*
Package executor implements the node's remote execution surface.

Every inbound method maps to one Executor call. StartTask registers the
task in the table and, for a new attempt, spawns a supervised process.
When the process ends the record is updated and removed from the table,
the completion is posted to the per-task callback uri, and a
task.completed event is published.

The table lock and the supervisor map lock are never held together.

The executor also owns the standing reporters:

	node      task table snapshot, every 30s, to the ReportUri marker or heartbeat.uri
	metric    samples, every 1s, to the MetricReportUri marker or metric.uri
	register  machine description, every 300s, to register.uri

A udp:// metric target receives binary packets; any other target gets
the JSON report. Targets may hold {ServiceName} placeholders that are
expanded through the naming resolver on every cycle.
*/
package executor
