/*
Package log provides structured logging for vine-worker using zerolog.

Logs use the human-readable console format by default and switch to JSON
(suited to being captured by whatever runs the worker) when
Config.JSONOutput is set, as --log-json does. Component
loggers carry fields like worker_id, task_id and manager_addr so that a
single worker process's logs can be correlated across concurrent tasks
and manager connections.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	wl := log.WithWorkerID(workerID)
	wl.Info().Str("manager", addr).Msg("connected to manager")
*/
package log
