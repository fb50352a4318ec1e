/*
Package log provides structured logging for burrow using zerolog.

A single global zerolog logger is configured once at startup through Init and
shared by every component. Components derive child loggers that carry a fixed
context field so that a job's lifecycle can be followed across the engine, the
container runtime and the control API client.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel("debug"),
		JSONOutput: false,
		Output:     os.Stderr,
	})

Console output uses RFC3339 timestamps; JSON output is intended for log
shippers. Levels map one-to-one onto zerolog levels and unknown names fall back
to info.

# Child Loggers

	engineLog := log.WithComponent("processing")
	engineLog.Info().Int("tracked", 2).Msg("Reconciliation cycle started")

	jobLog := log.WithJobID("c5e9...")
	jobLog.Warn().Err(err).Msg("Progress report failed")

Once the session is established the worker calls SetWorkerID so that loggers
derived afterwards carry worker_id.

Access and refresh tokens are never attached to log events. Errors coming from
the control API are logged through fault.Message, which redacts request
headers and truncates oversized response bodies.
*/
package log
