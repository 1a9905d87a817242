package ensemble

import (
	"sync"
	"time"
)

// TransitionEvent is one recorded lifecycle transition, kept for the admin
// surface and tests.
type TransitionEvent struct {
	Time   time.Time      `json:"time"`
	ID     InstanceID     `json:"id"`
	Ref    string         `json:"ref"`
	From   LifecycleState `json:"from"`
	To     LifecycleState `json:"to"`
	Event  string         `json:"event,omitempty"`
	Runner string         `json:"runner,omitempty"`
}

// eventLog is a bounded ring of recent transitions. Writes overwrite the
// oldest entry once full; Recent returns newest-first.
type eventLog struct {
	mu       sync.Mutex
	buf      []TransitionEvent
	writeIdx int
	len      int
}

func newEventLog(size int) *eventLog {
	if size <= 0 {
		size = 256
	}
	return &eventLog{buf: make([]TransitionEvent, size)}
}

func (l *eventLog) Record(ev TransitionEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l.mu.Lock()
	l.buf[l.writeIdx] = ev
	l.writeIdx = (l.writeIdx + 1) % len(l.buf)
	if l.len < len(l.buf) {
		l.len++
	}
	l.mu.Unlock()
}

func (l *eventLog) Recent(n int) []TransitionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.len {
		n = l.len
	}
	out := make([]TransitionEvent, 0, n)
	idx := l.writeIdx
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(l.buf) - 1
		}
		out = append(out, l.buf[idx])
	}
	return out
}
