/*
Package storage persists the agent's marker files.

The only state that survives a restart is the last callback target the
scheduler handed over through ping and metric requests. Each target is a
flat file under the data directory holding a single URI:

	<data_dir>/ReportUri         node snapshot target
	<data_dir>/MetricReportUri   metric report target

MarkerStore works over any afero.Fs. Production code roots an OsFs at the
data directory with a BasePathFs; tests use a MemMapFs.
*/
package storage
