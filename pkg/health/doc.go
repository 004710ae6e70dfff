/*
Package health implements the HTTP, TCP, and Exec checkers used to
evaluate whether a deployed service is healthy. An agent's local
HealthCheck command runs them against the services on the host it
manages; the strategy planner does not use them.

Status tracks consecutive successes/failures per checked target and
derives Healthy from a configurable Retries threshold. The StartPeriod
grace window for slow-starting services is checked separately, by
InStartPeriod; Status.Update does not apply it.
*/
package health
