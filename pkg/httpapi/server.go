// Package httpapi is the daemon's local HTTP control surface. It binds to
// loopback only; there is no authentication on this plane, authorisation
// lives in the MCP server.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bubbaloop/daemon/pkg/logging"
	"github.com/bubbaloop/daemon/pkg/metrics"
	"github.com/bubbaloop/daemon/pkg/node"
	"github.com/bubbaloop/daemon/pkg/serviceunit"
)

// Server serves the control API over a loopback listener.
type Server struct {
	manager *node.Manager
	metrics *metrics.Metrics
	log     *logging.Logger
	addr    string

	httpSrv *http.Server
}

// NewServer builds the control API bound to addr, which must resolve to a
// loopback address.
func NewServer(manager *node.Manager, m *metrics.Metrics, log *logging.Logger, addr string) *Server {
	return &Server{manager: manager, metrics: m, log: log, addr: addr}
}

// Router assembles the chi route tree; split out so tests can drive it
// through httptest without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/nodes", s.handleListNodes)
	r.Get("/nodes/{name}", s.handleGetNode)
	r.Post("/nodes/{name}/command", s.handleCommand)
	r.Post("/nodes/add", s.handleAdd)
	r.Post("/refresh", s.handleRefresh)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Serve listens on the configured address and blocks until ctx is
// cancelled or the listener fails. Non-loopback addresses are refused.
func (s *Server) Serve(ctx context.Context) error {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: bad listen address %q: %w", s.addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("httpapi: refusing to bind non-loopback address %q", s.addr)
	}

	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.InfoCF(ctx, "control api listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ------------------------------------------------------------------
// Handlers
// ------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// NodeList is the `GET /nodes` body.
type NodeList struct {
	Nodes []node.State `json:"nodes"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	states := s.manager.List()
	if s.metrics != nil {
		byStatus := make(map[string]int)
		for _, st := range states {
			byStatus[string(st.Status)]++
		}
		s.metrics.ObserveNodes(byStatus)
	}
	writeJSON(w, http.StatusOK, NodeList{Nodes: states})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	state, ok := s.manager.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("node %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// The `POST /nodes/{name}/command` body is `{command, ...params}`: the
// command kind plus flat command-specific parameters.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid command body: "+err.Error())
		return
	}
	kind, _ := body["command"].(string)
	if kind == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	delete(body, "command")
	s.execute(w, r.Context(), node.Command{Kind: node.CommandKind(kind), Name: name, Params: body})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodePath string `json:"node_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.NodePath == "" {
		writeError(w, http.StatusBadRequest, "node_path is required")
		return
	}
	s.execute(w, r.Context(), node.Command{Kind: node.CmdAdd, Params: map[string]any{"path": body.NodePath}})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n := s.manager.RefreshAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"refreshed": n})
}

func (s *Server) execute(w http.ResponseWriter, ctx context.Context, cmd node.Command) {
	start := time.Now()
	result, err := s.manager.Execute(ctx, cmd)
	if s.metrics != nil {
		outcome := "ok"
		if err != nil || (result != nil && !result.Success) {
			outcome = "error"
		}
		s.metrics.CommandsTotal.WithLabelValues(string(cmd.Kind), outcome).Inc()
		s.metrics.CommandDuration.WithLabelValues(string(cmd.Kind)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusFor maps the node package's typed errors onto HTTP statuses.
func statusFor(err error) int {
	var timeout *node.TimeoutError
	var unitTimeout *serviceunit.ErrTimeout
	switch {
	case errors.Is(err, node.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, node.ErrProtected):
		return http.StatusForbidden
	case errors.Is(err, node.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, node.ErrInvalidName), errors.Is(err, node.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, node.ErrAlreadyExists):
		return http.StatusConflict
	case errors.As(err, &timeout), errors.As(err, &unitTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
