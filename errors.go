package ensemble

import "fmt"

var (
	// ErrActorNotFound is returned for instance ids that were destroyed or
	// never created.
	ErrActorNotFound = fmt.Errorf("actor not found")

	// ErrPlacementTimeout is returned when a create or wake stayed queued
	// past the configured placement wait.
	ErrPlacementTimeout = fmt.Errorf("placement timed out waiting for capacity")

	// ErrWrongRegion is returned for ids minted by another region. The
	// orchestrator only hosts its own instances; routing an action to the
	// owning region is the peer transport's job.
	ErrWrongRegion = fmt.Errorf("instance is owned by another region")

	ErrUnregisteredActor = fmt.Errorf("unregistered actor definition")
	ErrRunnerEvicted     = fmt.Errorf("runner connection evicted by a newer registration")
	ErrUnknownRunner     = fmt.Errorf("unknown runner key")
	ErrOrchestratorDown  = fmt.Errorf("orchestrator is stopping")

	// ErrInternal masks unexpected internal failures. The real cause is
	// logged with full context, never returned to callers.
	ErrInternal = fmt.Errorf("internal error")

	// errHookTimeout is fed into the crash policy table, never surfaced.
	errHookTimeout = fmt.Errorf("lifecycle hook exceeded its budget")

	// errAsleep signals a caller that the instance went dormant between
	// lookup and dispatch; the call path retries through a wake.
	errAsleep = fmt.Errorf("instance is asleep")
)
