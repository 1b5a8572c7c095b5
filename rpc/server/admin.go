package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/twitter/pelikan-sub003/rpc/common"
)

var adminLogger = logger.GetLogger("admin")

// admin serves metrics and introspection over HTTP
type admin struct {
	srv      *http.Server
	ln       net.Listener
	metrics  *common.Metrics
	sessions *xsync.MapOf[uint64, SessionInfo]
	owner    *engineOwner
}

func newAdmin(cfg common.AdminConfig, m *common.Metrics, sessions *xsync.MapOf[uint64, SessionInfo], owner *engineOwner) (*admin, error) {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return nil, err
	}
	a := &admin{ln: ln, metrics: m, sessions: sessions, owner: owner}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/vars", a.handleVars)
	mux.HandleFunc("/seg", a.handleSeg)
	mux.HandleFunc("/sessions", a.handleSessions)
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("PONG\n"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	a.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return a, nil
}

// Addr returns the bound address
func (a *admin) Addr() net.Addr { return a.ln.Addr() }

func (a *admin) run() {
	adminLogger.Infof("admin listening on %s", a.ln.Addr())
	if err := a.srv.Serve(a.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		adminLogger.Errorf("admin server failed: %v", err)
	}
}

func (a *admin) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		adminLogger.Warningf("failed to encode response: %v", err)
	}
}

func (a *admin) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	a.metrics.WritePrometheus(w)
}

func (a *admin) handleVars(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		Metrics []common.Description `json:"metrics"`
		Values  map[string]float64   `json:"values"`
	}{a.metrics.Describe(), a.metrics.Values()})
}

func (a *admin) handleSeg(w http.ResponseWriter, _ *http.Request) {
	if a.owner == nil {
		http.Error(w, "no storage engine in this process", http.StatusNotFound)
		return
	}
	info, err := a.owner.Info(time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, info)
}

func (a *admin) handleSessions(w http.ResponseWriter, _ *http.Request) {
	out := make([]SessionInfo, 0, a.sessions.Size())
	a.sessions.Range(func(_ uint64, info SessionInfo) bool {
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, out)
}
