/*
Package types defines the data model shared by every hpcagent package.

# Records

TaskInfo is the mutable status of one task attempt. JobInfo owns the tasks of
one job, and NodeInfo is the root aggregate serialized on every node report.
The JSON shapes match what the scheduler consumes: field names are the Go
field names, a job's tasks are an array, and process ids are a single
comma-joined string.

# Attempt Ids

Each TaskInfo carries an AttemptId computed by AttemptID from the requeue
count and the task id. Removal from the task table requires the caller to
present the attempt id it started with, so a completion arriving from a
superseded attempt cannot delete the record of its successor.

# Arguments

The *Args types are the request bodies of the inbound methods. Go's JSON
decoder matches field names case-insensitively, so both "commandLine" and
"CommandLine" populate ProcessStartInfo.CommandLine.

# Exit Codes

Exit codes 170 to 182 and DefaultExitCode are reported for tasks that the
agent ended or could not start, and are the agent's own process exit codes
for fatal startup errors.
*/
package types
