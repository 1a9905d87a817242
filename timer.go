package ensemble

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimerRecord is one durable deferred call. Once persisted it fires
// logically exactly once: delivery is at-least-once at this layer and the
// lifecycle coordinator de-duplicates by ID before invoking the action.
type TimerRecord struct {
	ID     string
	Target InstanceID
	Action string
	Args   []byte
	FireAt time.Time

	// Recurrence. Zero/empty for one-shot. Every and Cron are mutually
	// exclusive; Cron wins if both are set.
	Every time.Duration
	Cron  string
}

func (rec TimerRecord) recurring() bool {
	return rec.Every > 0 || rec.Cron != ""
}

// nextFire computes the fire time after now for a recurring record.
// Returns zero for one-shots or impossible cron schedules.
func (rec TimerRecord) nextFire(now time.Time) time.Time {
	if rec.Cron != "" {
		cs, err := parseCron(rec.Cron)
		if err != nil {
			return time.Time{}
		}
		return cs.next(now)
	}
	if rec.Every > 0 {
		next := rec.FireAt.Add(rec.Every)
		for !next.After(now) {
			next = next.Add(rec.Every)
		}
		return next
	}
	return time.Time{}
}

// TimerService delivers persisted timers. One goroutine sleeps until the
// earliest fire time; a recovery loop re-claims records another process
// (or a crashed self) left behind.
type TimerService struct {
	store   TimerStore
	deliver func(TimerRecord) error

	mu     sync.Mutex
	local  map[string]TimerRecord
	notify chan struct{} // buffered(1), poked on add/cancel
	done   chan struct{}

	retryDelay       time.Duration
	recoveryInterval time.Duration
}

func newTimerService(store TimerStore, deliver func(TimerRecord) error, retryDelay, recoveryInterval time.Duration) *TimerService {
	return &TimerService{
		store:            store,
		deliver:          deliver,
		local:            make(map[string]TimerRecord),
		notify:           make(chan struct{}, 1),
		done:             make(chan struct{}),
		retryDelay:       retryDelay,
		recoveryInterval: recoveryInterval,
	}
}

// Schedule persists and tracks a new timer. There is no upper bound on
// how far out fireAt may be.
func (ts *TimerService) Schedule(rec TimerRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Cron != "" {
		cs, err := parseCron(rec.Cron)
		if err != nil {
			return "", err
		}
		if rec.FireAt.IsZero() {
			rec.FireAt = cs.next(time.Now())
		}
	}
	if err := ts.store.Put(rec); err != nil {
		return "", fmt.Errorf("persist timer: %w", err)
	}

	ts.mu.Lock()
	ts.local[rec.ID] = rec
	ts.mu.Unlock()
	ts.poke()

	return rec.ID, nil
}

// Cancel removes a timer. Best effort: a record already claimed for
// firing still fires.
func (ts *TimerService) Cancel(id string) error {
	ts.mu.Lock()
	delete(ts.local, id)
	ts.mu.Unlock()
	ts.poke()

	_, err := ts.store.Delete(id)
	return err
}

func (ts *TimerService) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.local)
}

func (ts *TimerService) list() []TimerRecord {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]TimerRecord, 0, len(ts.local))
	for _, rec := range ts.local {
		out = append(out, rec)
	}
	return out
}

func (ts *TimerService) poke() {
	select {
	case ts.notify <- struct{}{}:
	default:
	}
}

func (ts *TimerService) stop() {
	close(ts.done)
}

// start loads surviving records, then runs the fire and recovery loops.
func (ts *TimerService) start() {
	recs, err := ts.store.All()
	if err != nil {
		slog.Error("timer: initial load failed", "error", err)
	}
	ts.mu.Lock()
	for _, rec := range recs {
		ts.local[rec.ID] = rec
	}
	ts.mu.Unlock()

	go ts.run()
	go ts.recoveryLoop()
}

// run sleeps until the earliest nextFire, then fires all due records.
func (ts *TimerService) run() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		dur, ok := ts.timeUntilNext()
		if !ok {
			dur = time.Hour // nothing pending, park until poked
		}
		timer.Reset(dur)

		select {
		case <-ts.done:
			timer.Stop()
			return
		case <-ts.notify:
			timer.Stop()
			select {
			case <-timer.C:
			default:
			}
			// Re-loop to recalculate the next fire time.
		case <-timer.C:
			ts.fireDue(time.Now())
		}
	}
}

func (ts *TimerService) timeUntilNext() (time.Duration, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if len(ts.local) == 0 {
		return 0, false
	}
	var earliest time.Time
	for _, rec := range ts.local {
		if earliest.IsZero() || rec.FireAt.Before(earliest) {
			earliest = rec.FireAt
		}
	}
	dur := time.Until(earliest)
	if dur < 0 {
		dur = 0
	}
	return dur, true
}

// fireDue delivers every record with fireAt <= now. The persisted record
// is removed (or advanced, for recurring timers) only after the delivery
// was accepted by the coordinator; a crash in between causes redelivery,
// which the coordinator's dedup absorbs.
func (ts *TimerService) fireDue(now time.Time) {
	ts.mu.Lock()
	var due []TimerRecord
	for _, rec := range ts.local {
		if !rec.FireAt.After(now) {
			due = append(due, rec)
		}
	}
	ts.mu.Unlock()

	for _, rec := range due {
		ts.fire(rec, now)
	}
}

func (ts *TimerService) fire(rec TimerRecord, now time.Time) {
	if err := ts.deliver(rec); err != nil {
		slog.Warn("timer delivery not accepted, will retry", "timer", rec.ID,
			"target", rec.Target, "error", err)
		ts.mu.Lock()
		if cur, ok := ts.local[rec.ID]; ok {
			cur.FireAt = now.Add(ts.retryDelay) // local retry only, not persisted
			ts.local[rec.ID] = cur
		}
		ts.mu.Unlock()
		return
	}

	if !rec.recurring() {
		if _, err := ts.store.Delete(rec.ID); err != nil {
			slog.Error("timer: delete after fire failed", "timer", rec.ID, "error", err)
		}
		ts.mu.Lock()
		delete(ts.local, rec.ID)
		ts.mu.Unlock()
		return
	}

	next := rec.nextFire(now)
	if next.IsZero() {
		// Impossible schedule; drop it.
		ts.store.Delete(rec.ID)
		ts.mu.Lock()
		delete(ts.local, rec.ID)
		ts.mu.Unlock()
		return
	}
	if ok, err := ts.store.Advance(rec.ID, next); err != nil || !ok {
		if err != nil {
			slog.Error("timer: advance failed", "timer", rec.ID, "error", err)
		}
		// Another process claimed the record; stop tracking locally.
		ts.mu.Lock()
		delete(ts.local, rec.ID)
		ts.mu.Unlock()
		return
	}
	ts.mu.Lock()
	rec.FireAt = next
	ts.local[rec.ID] = rec
	ts.mu.Unlock()
	ts.poke()
}

// recoveryLoop re-adopts overdue persisted records that are not tracked
// locally — timers owned by a crashed process, or dropped between
// delivery and deletion.
func (ts *TimerService) recoveryLoop() {
	ticker := time.NewTicker(ts.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ts.done:
			return
		case <-ticker.C:
			ts.recoverOverdue(time.Now())
		}
	}
}

func (ts *TimerService) recoverOverdue(now time.Time) {
	recs, err := ts.store.Due(now, 100)
	if err != nil {
		slog.Error("timer: recovery query failed", "error", err)
		return
	}
	for _, rec := range recs {
		ts.mu.Lock()
		_, tracked := ts.local[rec.ID]
		if !tracked {
			ts.local[rec.ID] = rec
		}
		ts.mu.Unlock()
		if tracked {
			continue // our own run loop handles it
		}
		slog.Info("timer recovered", "timer", rec.ID, "target", rec.Target)
		ts.fire(rec, now)
	}
}
