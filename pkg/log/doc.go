/*
Package log provides structured logging for hpcagent using zerolog.

The log package wraps zerolog with a single global Logger, a small level
type that maps onto the configuration file, and child-logger helpers that
attach the identifiers the agent reasons about: the component name, the job
id, and the (job, task, requeue) triple that identifies one task attempt.

# Log Levels

Trace Level:
  - Purpose: Per-cycle reporter and sampler chatter
  - Usage: Diagnosing report intervals or packet contents

Debug Level:
  - Purpose: Request routing, naming lookups, script contents
  - Usage: Development and troubleshooting

Info Level:
  - Purpose: Task start and completion, reporter target changes
  - Usage: Default production level

Warn Level:
  - Purpose: Recovered transport failures, requeue count changes
  - Usage: Situations that may require attention

Error Level:
  - Purpose: Task preparation failures, collector disablement
  - Usage: Failed operations

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stdout,
	})

Component Loggers:

	logger := log.WithComponent("reporter").With().Str("reporter", "node").Logger()
	logger.Warn().Err(err).Str("uri", uri).Msg("Report failed")

Task Loggers:

	taskLog := log.WithTask(jobID, taskID, requeueCount)
	taskLog.Info().Int("pid", pid).Msg("Process started")

Every task-scoped message carries job_id, task_id and requeue fields so a
single attempt can be followed through start, completion and notification.
*/
package log
