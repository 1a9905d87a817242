package ensemble

import (
	"log/slog"
	"time"
)

// DeadLetterHandler receives timer deliveries whose target no longer
// exists.
type DeadLetterHandler func(rec TimerRecord)

type Option func(*orchestratorConfig)

type orchestratorConfig struct {
	region string

	idleTimeout     time.Duration
	cleanupInterval time.Duration
	saveInterval    time.Duration

	placementWait  time.Duration // bound on queued creates; 0 = wait forever
	rescheduleWait time.Duration // bound on queued crash reschedules; 0 = wait forever
	createRetries  int

	heartbeatSweep time.Duration
	suspectAfter   time.Duration
	lostAfter      time.Duration
	drainGrace     time.Duration
	drainOnUpgrade bool

	timerRetryDelay       time.Duration
	timerRecoveryInterval time.Duration
	firedRetention        time.Duration

	inboxSize    int
	eventLogSize int

	stateStore   StateStore
	timerStore   TimerStore
	bindingStore BindingStore
	peers        []RegionPeer

	serverlessPools []string
	deadLetter      DeadLetterHandler
	adminAddr       string
	logLevel        slog.Level
	logLevelSet     bool
	proposeTimeout  time.Duration
}

func defaultConfig() orchestratorConfig {
	return orchestratorConfig{
		region:                "local",
		idleTimeout:           15 * time.Second,
		cleanupInterval:       1 * time.Second,
		saveInterval:          5 * time.Second,
		placementWait:         30 * time.Second,
		rescheduleWait:        0,
		createRetries:         3,
		heartbeatSweep:        1 * time.Second,
		suspectAfter:          5 * time.Second,
		lostAfter:             10 * time.Second,
		drainGrace:            30 * time.Second,
		drainOnUpgrade:        true,
		timerRetryDelay:       3 * time.Second,
		timerRecoveryInterval: 5 * time.Second,
		firedRetention:        10 * time.Minute,
		inboxSize:             64,
		eventLogSize:          256,
		proposeTimeout:        2 * time.Second,
	}
}

// WithRegion sets this orchestrator's region name. Instance ids embed it.
func WithRegion(name string) Option {
	return func(c *orchestratorConfig) { c.region = name }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.idleTimeout = d }
}

func WithCleanupInterval(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.cleanupInterval = d }
}

// WithSaveInterval sets the save-state tick. State loss on a hard crash
// is bounded to one interval's worth of uncommitted writes.
func WithSaveInterval(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.saveInterval = d }
}

// WithPlacementWait bounds how long a create or wake stays queued before
// failing with ErrPlacementTimeout. Zero waits forever.
func WithPlacementWait(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.placementWait = d }
}

// WithRescheduleWait bounds queued crash reschedules. Zero (the default)
// retries until capacity appears, which is what restart-policy liveness
// requires.
func WithRescheduleWait(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.rescheduleWait = d }
}

func WithHeartbeatThresholds(suspectAfter, lostAfter time.Duration) Option {
	return func(c *orchestratorConfig) {
		c.suspectAfter = suspectAfter
		c.lostAfter = lostAfter
	}
}

func WithHeartbeatSweep(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.heartbeatSweep = d }
}

// WithDrainGrace sets how long a draining runner's instances get before
// being forcibly rescheduled.
func WithDrainGrace(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.drainGrace = d }
}

// WithDrainOnUpgrade controls whether registering a higher-version runner
// drains same-pool runners with strictly lower versions.
func WithDrainOnUpgrade(enabled bool) Option {
	return func(c *orchestratorConfig) { c.drainOnUpgrade = enabled }
}

func WithTimerRecoveryInterval(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.timerRecoveryInterval = d }
}

func WithStateStore(s StateStore) Option {
	return func(c *orchestratorConfig) { c.stateStore = s }
}

func WithTimerStore(s TimerStore) Option {
	return func(c *orchestratorConfig) { c.timerStore = s }
}

func WithBindingStore(s BindingStore) Option {
	return func(c *orchestratorConfig) { c.bindingStore = s }
}

// WithRegionPeers wires the transport links to remote regions used by the
// key allocation service.
func WithRegionPeers(peers ...RegionPeer) Option {
	return func(c *orchestratorConfig) { c.peers = append(c.peers, peers...) }
}

// WithServerlessPool declares a pool as serverless-backed even before any
// runner registers in it, so capacity shortages queue instead of sleeping.
func WithServerlessPool(name string) Option {
	return func(c *orchestratorConfig) { c.serverlessPools = append(c.serverlessPools, name) }
}

func WithDeadLetterHandler(h DeadLetterHandler) Option {
	return func(c *orchestratorConfig) { c.deadLetter = h }
}

// WithAdminAddr enables the admin HTTP server (e.g. "127.0.0.1:9090").
func WithAdminAddr(addr string) Option {
	return func(c *orchestratorConfig) { c.adminAddr = addr }
}

// WithLogLevel adjusts the global logger level when the orchestrator
// starts. Without it the level set by InitLogger stands.
func WithLogLevel(level slog.Level) Option {
	return func(c *orchestratorConfig) {
		c.logLevel = level
		c.logLevelSet = true
	}
}

// WithInstanceInboxSize sets the per-instance action buffer. Default: 64.
func WithInstanceInboxSize(n int) Option {
	return func(c *orchestratorConfig) { c.inboxSize = n }
}
