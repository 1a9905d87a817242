package ensemble

// CrashPolicy is the per-definition rule governing what happens to an
// instance when its runner fails. Immutable once the definition is
// registered.
type CrashPolicy int

const (
	// CrashPolicySleep absorbs failures by going dormant; the instance
	// wakes again on the next call. The default.
	CrashPolicySleep CrashPolicy = iota
	// CrashPolicyRestart keeps the instance running at all costs; every
	// failure is retried on a fresh runner.
	CrashPolicyRestart
	// CrashPolicyDestroy treats the instance as a run-to-completion job
	// that must never be silently resurrected.
	CrashPolicyDestroy
)

func (p CrashPolicy) String() string {
	switch p {
	case CrashPolicySleep:
		return "sleep"
	case CrashPolicyRestart:
		return "restart"
	case CrashPolicyDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// CrashEvent is something that happened to an instance's runner or to a
// pending placement attempt.
type CrashEvent int

const (
	EventGracefulExit CrashEvent = iota
	EventCrash
	EventRunnerLost
	EventRunnerLostForced
	EventRunnerGoingAway
	EventNoCapacity
	EventNoCapacityServerless
	EventWakeSignal
)

func (e CrashEvent) String() string {
	switch e {
	case EventGracefulExit:
		return "graceful-exit"
	case EventCrash:
		return "crash"
	case EventRunnerLost:
		return "runner-lost"
	case EventRunnerLostForced:
		return "runner-lost-forced"
	case EventRunnerGoingAway:
		return "runner-going-away"
	case EventNoCapacity:
		return "no-capacity"
	case EventNoCapacityServerless:
		return "no-capacity-serverless"
	case EventWakeSignal:
		return "wake-signal"
	default:
		return "unknown"
	}
}

// Verdict is the lifecycle action the coordinator must take in response to
// a crash event.
type Verdict int

const (
	VerdictDestroy Verdict = iota
	VerdictSleep
	VerdictReschedule
	VerdictQueue
)

func (v Verdict) String() string {
	switch v {
	case VerdictDestroy:
		return "destroy"
	case VerdictSleep:
		return "sleep"
	case VerdictReschedule:
		return "reschedule"
	case VerdictQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// Decide maps a crash event and the instance's crash policy to the next
// lifecycle action. Pure function; the whole fault-tolerance behavior of
// the orchestrator is this table.
func Decide(event CrashEvent, policy CrashPolicy) Verdict {
	switch event {
	case EventGracefulExit:
		return VerdictDestroy

	case EventCrash, EventRunnerLost, EventRunnerGoingAway:
		switch policy {
		case CrashPolicyRestart:
			return VerdictReschedule
		case CrashPolicySleep:
			return VerdictSleep
		default:
			return VerdictDestroy
		}

	case EventRunnerLostForced, EventWakeSignal:
		return VerdictReschedule

	case EventNoCapacity:
		if policy == CrashPolicySleep {
			return VerdictSleep
		}
		return VerdictQueue

	case EventNoCapacityServerless:
		return VerdictQueue
	}

	// Unknown events are treated as crashes.
	return Decide(EventCrash, policy)
}
