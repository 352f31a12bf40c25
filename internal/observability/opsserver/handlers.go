package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"notifyrelay/internal/emergency"
	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

// Emergency is the orchestrator surface the operator endpoints drive.
type Emergency interface {
	RunHealthCheck(ctx context.Context) emergency.HealthReport
	ActivateEmergencyMode(ctx context.Context, reason, by string) error
	DeactivateEmergencyMode(ctx context.Context, by string) error
	Events(n int) []emergency.Event
	ResolveEvent(ctx context.Context, id, by string) bool
}

// Recovery is the manual suspension surface of the recovery engine.
type Recovery interface {
	Suspend(id model.ChannelID, reason string) bool
	Resume(id model.ChannelID) bool
}

type Deps struct {
	Emergency Emergency
	Recovery  Recovery
	// Status builds the /status document.
	Status func() any
	Pprof  bool
}

type ops struct {
	d   Deps
	log logx.Logger
}

// Handler returns the operator mux.
func Handler(d Deps, log logx.Logger) http.Handler {
	o := &ops{d: d, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", o.healthz)
	mux.HandleFunc("GET /status", o.status)
	mux.HandleFunc("GET /events", o.events)
	mux.HandleFunc("POST /events/{id}/resolve", o.resolve)
	mux.HandleFunc("POST /emergency/activate", o.activate)
	mux.HandleFunc("POST /emergency/deactivate", o.deactivate)
	mux.HandleFunc("POST /recovery/{channel}/suspend", o.suspend)
	mux.HandleFunc("POST /recovery/{channel}/resume", o.resume)
	if d.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

type modeRequest struct {
	Reason string `json:"reason"`
	By     string `json:"by"`
}

func (o *ops) healthz(w http.ResponseWriter, r *http.Request) {
	rep := o.d.Emergency.RunHealthCheck(r.Context())
	code := http.StatusOK
	if rep.Status == emergency.HealthCritical || rep.Status == emergency.HealthError {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (o *ops) status(w http.ResponseWriter, _ *http.Request) {
	if o.d.Status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, o.d.Status())
}

func (o *ops) events(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": o.d.Emergency.Events(n)})
}

func (o *ops) resolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	by := operator(r, "")
	if !o.d.Emergency.ResolveEvent(r.Context(), id, by) {
		http.Error(w, "event not found or already resolved", http.StatusNotFound)
		return
	}
	o.log.Info("event resolved via ops", logx.String("event_id", id), logx.String("by", by))
	writeJSON(w, http.StatusOK, map[string]any{"resolved": id})
}

func (o *ops) activate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMode(w, r)
	if !ok {
		return
	}
	if err := o.d.Emergency.ActivateEmergencyMode(r.Context(), req.Reason, operator(r, req.By)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emergency_mode": true})
}

func (o *ops) deactivate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMode(w, r)
	if !ok {
		return
	}
	err := o.d.Emergency.DeactivateEmergencyMode(r.Context(), operator(r, req.By))
	switch {
	case errors.Is(err, emergency.ErrUnhealthy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emergency_mode": false})
}

func (o *ops) suspend(w http.ResponseWriter, r *http.Request) {
	id := model.ChannelID(r.PathValue("channel"))
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "manual"
	}
	if !o.d.Recovery.Suspend(id, reason) {
		http.Error(w, "unknown or already suspended channel", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suspended": id})
}

func (o *ops) resume(w http.ResponseWriter, r *http.Request) {
	id := model.ChannelID(r.PathValue("channel"))
	if !o.d.Recovery.Resume(id) {
		http.Error(w, "channel not suspended", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": id})
}

// decodeMode accepts an empty body.
func decodeMode(w http.ResponseWriter, r *http.Request) (modeRequest, bool) {
	var req modeRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// operator picks the acting operator from the body, then ?by=, then a
// generic default.
func operator(r *http.Request, fromBody string) string {
	if by := strings.TrimSpace(fromBody); by != "" {
		return by
	}
	if by := strings.TrimSpace(r.URL.Query().Get("by")); by != "" {
		return by
	}
	return "ops"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
