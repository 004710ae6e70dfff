/*
Package log provides structured logging for the fleet control plane
using zerolog.

A single global Logger is configured once via Init; component and
entity-scoped child loggers (WithComponent, WithAgent, WithWorkflow,
WithCommand) attach context fields without re-specifying them on every
call site.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	wfLog := log.WithWorkflow(wf.WorkflowID)
	wfLog.Info().Str("phase", phase.Name).Msg("phase started")
*/
package log
