/*
Package monitor samples the local machine and produces the metric and
register reports.

A Monitor polls a Probe on a fixed interval and derives rates from
consecutive samples. Every report carries three default counters:

	(1,1)   processor time, percent
	(3,0)   available memory, MB
	(12,1)  network bytes per second

Additional counters are installed with ApplyMetricConfig. Each counter
path owns one Collector. A counter whose instance name is empty or holds
'*' is a filter: the matching instance names are posted to the instance
ids endpoint and one umid is reported per returned id.

Reports come in two forms. MetricReport is JSON for HTTP targets.
PacketData is the fixed little-endian packet for UDP targets, one
MaxPacketSize packet per MaxCountersInPacket samples.
*/
package monitor
