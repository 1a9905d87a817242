package ensemble

import (
	"log/slog"
	"sync"
)

// Conn is the transport-level handle for one remote peer, owned by the
// transport collaborator. The gateway only ever closes it; framing and
// encoding are out of scope.
type Conn interface {
	Close(reason string) error
}

// ConnectParams describes an incoming connection attempt.
type ConnectParams struct {
	SessionID string
	// Hibernatable decouples the session from any specific runner: on a
	// reschedule the session is re-homed instead of closed, and the peer
	// observes a pause, never a disconnect.
	Hibernatable bool
	Conn         Conn
	Params       []byte
}

// Session is one admitted connection. Hibernatable sessions survive
// instance reschedules; others are dropped and must reconnect.
type Session struct {
	ID           string
	Instance     InstanceID
	Hibernatable bool

	// ConnState holds the output of CreateConnState, scoped to this
	// session only.
	ConnState any

	conn      Conn
	runnerKey string // guarded by the gateway mutex
}

// Gateway holds transport sessions on behalf of instances. Session state
// lives here rather than on the runner, which is what makes hibernated
// migration possible: rebinding is a single map update, with no buffered
// application messages to replay.
type Gateway struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	byInstance map[InstanceID]map[string]*Session

	metrics *Metrics
}

func newGateway(metrics *Metrics) *Gateway {
	return &Gateway{
		sessions:   make(map[string]*Session),
		byInstance: make(map[InstanceID]map[string]*Session),
		metrics:    metrics,
	}
}

// Bind admits a session against the instance's current runner.
func (g *Gateway) Bind(s *Session, runnerKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.runnerKey = runnerKey
	g.sessions[s.ID] = s
	set := g.byInstance[s.Instance]
	if set == nil {
		set = make(map[string]*Session)
		g.byInstance[s.Instance] = set
	}
	set[s.ID] = s
}

// Unbind removes a session on peer-initiated disconnect. Returns the
// session so the caller can settle connection accounting.
func (g *Gateway) Unbind(sessionID string) (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, false
	}
	g.removeLocked(s)
	return s, true
}

// RunnerFor resolves the runner currently backing a session. This is the
// routing read path for inbound traffic.
func (g *Gateway) RunnerFor(sessionID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.runnerKey, true
}

// Rebind re-homes an instance's sessions to a new runner after a
// reschedule. Hibernatable sessions switch atomically under the gateway
// lock and their peers never see a close; the rest are dropped. Returns
// the dropped sessions so the caller can settle accounting.
func (g *Gateway) Rebind(id InstanceID, newRunner string) []*Session {
	var dropped []*Session

	g.mu.Lock()
	for _, s := range g.byInstance[id] {
		if s.Hibernatable {
			s.runnerKey = newRunner
			g.metrics.sessionsRebound.Inc()
			continue
		}
		g.removeLocked(s)
		dropped = append(dropped, s)
	}
	g.mu.Unlock()

	for _, s := range dropped {
		g.metrics.sessionsDropped.Inc()
		if err := s.conn.Close("instance rescheduled"); err != nil {
			slog.Warn("session close failed", "session", s.ID, "error", err)
		}
	}
	return dropped
}

// DropInstance closes every session of an instance. Used on destroy.
func (g *Gateway) DropInstance(id InstanceID, reason string) []*Session {
	var dropped []*Session

	g.mu.Lock()
	for _, s := range g.byInstance[id] {
		g.removeLocked(s)
		dropped = append(dropped, s)
	}
	g.mu.Unlock()

	for _, s := range dropped {
		g.metrics.sessionsDropped.Inc()
		if err := s.conn.Close(reason); err != nil {
			slog.Warn("session close failed", "session", s.ID, "error", err)
		}
	}
	return dropped
}

// Open reports how many sessions an instance holds, split by kind.
func (g *Gateway) Open(id InstanceID) (hibernating, other int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.byInstance[id] {
		if s.Hibernatable {
			hibernating++
		} else {
			other++
		}
	}
	return
}

func (g *Gateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// removeLocked must be called with mu held.
func (g *Gateway) removeLocked(s *Session) {
	delete(g.sessions, s.ID)
	if set := g.byInstance[s.Instance]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(g.byInstance, s.Instance)
		}
	}
}
