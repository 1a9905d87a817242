package ensemble

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminServer exposes operational endpoints for an Orchestrator over
// HTTP. All responses are JSON except /metrics (Prometheus text format).
// Intended for admin/internal networks only.
type adminServer struct {
	orch     *Orchestrator
	server   *http.Server
	listener net.Listener
	addr     string
}

func newAdminServer(o *Orchestrator, addr string) *adminServer {
	mux := http.NewServeMux()
	as := &adminServer{
		orch: o,
		addr: addr,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/status", as.handleStatus)
	mux.HandleFunc("/instances", as.handleInstances)
	mux.HandleFunc("/instance", as.handleInstance)
	mux.HandleFunc("/runners", as.handleRunners)
	mux.HandleFunc("/timers", as.handleTimers)
	mux.HandleFunc("/events", as.handleEvents)
	mux.HandleFunc("/definitions", as.handleDefinitions)
	mux.HandleFunc("/bindings", as.handleBindings)
	mux.Handle("/metrics", promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *adminServer) Addr() string {
	if as.listener == nil {
		return as.addr
	}
	return as.listener.Addr().String()
}

// start binds the listener and begins serving. Non-blocking.
func (as *adminServer) start() error {
	ln, err := net.Listen("tcp", as.addr)
	if err != nil {
		return err
	}
	as.listener = ln
	go func() {
		if err := as.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
	return nil
}

func (as *adminServer) shutdown(ctx context.Context) error {
	return as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	Region           string   `json:"region"`
	Instances        int      `json:"instances"`
	Runners          int      `json:"runners"`
	Sessions         int      `json:"sessions"`
	PendingTimers    int      `json:"pending_timers"`
	RegisteredActors []string `json:"registered_actors"`
}

func (as *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	o := as.orch
	writeJSON(w, statusResponse{
		Region:           o.region,
		Instances:        o.instanceCount(),
		Runners:          o.runners.count(),
		Sessions:         o.gateway.count(),
		PendingTimers:    o.timers.count(),
		RegisteredActors: o.definitionNames(),
	})
}

// instanceEntry is a single instance in the GET /instances response.
type instanceEntry struct {
	ID       string `json:"id"`
	Ref      string `json:"ref"`
	State    string `json:"state"`
	Runner   string `json:"runner,omitempty"`
	Sessions int    `json:"sessions"`
}

type instancesResponse struct {
	Instances []instanceEntry `json:"instances"`
}

func (as *adminServer) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := as.orch.snapshotEntries()
	resp := instancesResponse{Instances: make([]instanceEntry, 0, len(entries))}
	for _, e := range entries {
		e.mu.Lock()
		ie := instanceEntry{
			ID:     string(e.id),
			Ref:    e.ref.String(),
			State:  e.state.String(),
			Runner: e.runnerKey,
		}
		e.mu.Unlock()
		hib, other := as.orch.gateway.Open(e.id)
		ie.Sessions = hib + other
		resp.Instances = append(resp.Instances, ie)
	}
	writeJSON(w, resp)
}

// instanceDetailResponse is the JSON structure for GET /instance.
type instanceDetailResponse struct {
	ID          string `json:"id"`
	Ref         string `json:"ref"`
	Found       bool   `json:"found"`
	State       string `json:"state,omitempty"`
	Runner      string `json:"runner,omitempty"`
	Pool        string `json:"pool,omitempty"`
	Policy      string `json:"policy,omitempty"`
	Hibernating int    `json:"hibernating_sessions"`
	Open        int    `json:"open_sessions"`
	InboxSize   int    `json:"inbox_size"`
	InboxCap    int    `json:"inbox_cap"`
}

func (as *adminServer) handleInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, `missing "id" query parameter`, http.StatusBadRequest)
		return
	}

	resp := instanceDetailResponse{ID: id}
	e := as.orch.entryByID(InstanceID(id))
	if e != nil {
		e.mu.Lock()
		resp.Found = true
		resp.Ref = e.ref.String()
		resp.State = e.state.String()
		resp.Runner = e.runnerKey
		resp.Pool = e.def.Pool
		resp.Policy = e.def.Policy.String()
		if e.inst != nil {
			resp.InboxSize = len(e.inst.inbox)
			resp.InboxCap = cap(e.inst.inbox)
		}
		e.mu.Unlock()
		resp.Hibernating, resp.Open = as.orch.gateway.Open(e.id)
	}
	writeJSON(w, resp)
}

type runnersResponse struct {
	Runners []RunnerInfo `json:"runners"`
}

func (as *adminServer) handleRunners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, runnersResponse{Runners: as.orch.runners.Snapshot()})
}

// timerEntry is a single timer in the GET /timers response.
type timerEntry struct {
	ID       string `json:"id"`
	Target   string `json:"target"`
	Action   string `json:"action"`
	Kind     string `json:"kind"` // "one-shot", "repeating", or "cron"
	CronExpr string `json:"cron_expr,omitempty"`
	EveryMs  int64  `json:"every_ms,omitempty"`
	NextFire string `json:"next_fire"`
}

type timersResponse struct {
	Timers []timerEntry `json:"timers"`
}

func (as *adminServer) handleTimers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recs := as.orch.timers.list()
	resp := timersResponse{Timers: make([]timerEntry, len(recs))}
	for i, rec := range recs {
		kind := "one-shot"
		switch {
		case rec.Cron != "":
			kind = "cron"
		case rec.Every > 0:
			kind = "repeating"
		}
		resp.Timers[i] = timerEntry{
			ID:       rec.ID,
			Target:   string(rec.Target),
			Action:   rec.Action,
			Kind:     kind,
			CronExpr: rec.Cron,
			EveryMs:  rec.Every.Milliseconds(),
			NextFire: rec.FireAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, resp)
}

type eventsResponse struct {
	Events []TransitionEvent `json:"events"`
}

func (as *adminServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, eventsResponse{Events: as.orch.events.Recent(100)})
}

type definitionsResponse struct {
	Actors []string `json:"actors"`
}

func (as *adminServer) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, definitionsResponse{Actors: as.orch.definitionNames()})
}

type bindingsResponse struct {
	Region   string            `json:"region"`
	Bindings map[string]string `json:"bindings"`
}

func (as *adminServer) handleBindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bindings, err := as.orch.keys.store.All()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, bindingsResponse{Region: as.orch.region, Bindings: bindings})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}

func (o *Orchestrator) definitionNames() []string {
	o.defsMu.RLock()
	defer o.defsMu.RUnlock()
	names := make([]string, 0, len(o.defs))
	for name := range o.defs {
		names = append(names, name)
	}
	return names
}
