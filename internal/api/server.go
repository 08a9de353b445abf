package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tryptoph/CTF-Paltform/internal/config"
	"github.com/tryptoph/CTF-Paltform/internal/metrics"
	"github.com/tryptoph/CTF-Paltform/internal/orchestrator"
	"github.com/tryptoph/CTF-Paltform/internal/state"
)

type Orchestrator interface {
	Create(ctx context.Context, owner string, kind state.Kind, targetRef string) (state.Instance, error)
	Renew(ctx context.Context, owner string, kind state.Kind) (state.Instance, error)
	ForceRenew(ctx context.Context, owner string, kind state.Kind) (state.Instance, error)
	Remove(ctx context.Context, owner string, kind state.Kind) error
	Status(ctx context.Context, owner string, kind state.Kind) (string, state.Instance)
	ListAlivePage(offset, limit int) ([]state.Instance, int)
	RefreshPool() error
	PoolStats() (available, issued int)
	AccessURL(inst state.Instance) string
	Health(ctx context.Context) (int, error)
}

type Server struct {
	cfg       config.Config
	engine    Orchestrator
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg config.Config, eng Orchestrator, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, engine: eng, metrics: reg, logger: logger, startedAt: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc(s.cfg.Observability.MetricsPath, s.handleMetrics)

	mux.HandleFunc("/v1/instances", s.handleInstances)
	mux.HandleFunc("/v1/instances/", s.handleInstanceByOwner)
	mux.HandleFunc("/v1/admin/instances", s.handleAdminList)
	mux.HandleFunc("/v1/admin/instances/", s.handleAdminInstance)
	mux.HandleFunc("/v1/admin/pool/refresh", s.handlePoolRefresh)
	return mux
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if req.UserID == "" || req.Kind == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"user_id", "kind", "target"}})
		return
	}
	kind, ok := parseKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "Unknown instance kind.", map[string]any{"kind": req.Kind})
		return
	}

	inst, err := s.engine.Create(r.Context(), req.UserID, kind, req.Target)
	if err != nil {
		s.writeOrchErr(w, err)
		return
	}
	s.metrics.IncInstanceCreate()
	writeJSON(w, http.StatusCreated, CreateInstanceResponse{OK: true, Instance: s.payload(inst, "starting")})
}

func (s *Server) handleInstanceByOwner(w http.ResponseWriter, r *http.Request) {
	owner, kind, action, ok := splitInstancePath(r.URL.Path, "/v1/instances/")
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		status, inst := s.engine.Status(r.Context(), owner, kind)
		writeJSON(w, http.StatusOK, GetInstanceResponse{OK: true, Instance: s.payload(inst, status)})
	case action == "" && r.Method == http.MethodDelete:
		if err := s.engine.Remove(r.Context(), owner, kind); err != nil {
			s.writeOrchErr(w, err)
			return
		}
		s.metrics.IncInstanceRemove()
		writeJSON(w, http.StatusOK, DeleteInstanceResponse{OK: true, OwnerID: owner, Kind: string(kind)})
	case action == "renew" && r.Method == http.MethodPost:
		inst, err := s.engine.Renew(r.Context(), owner, kind)
		if err != nil {
			s.writeOrchErr(w, err)
			return
		}
		s.metrics.IncInstanceRenew()
		writeJSON(w, http.StatusOK, RenewInstanceResponse{OK: true, OwnerID: owner, Kind: string(kind), RenewCount: inst.RenewCount, StartedAt: inst.StartTime})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	perPage := queryInt(r, "per_page", 50)
	if perPage <= 0 || perPage > 500 {
		perPage = 50
	}
	items, total := s.engine.ListAlivePage((page-1)*perPage, perPage)
	payloads := make([]InstancePayload, 0, len(items))
	for _, inst := range items {
		status, _ := s.engine.Status(r.Context(), inst.OwnerID, inst.Kind)
		payloads = append(payloads, s.payload(inst, status))
	}
	pages := (total + perPage - 1) / perPage
	writeJSON(w, http.StatusOK, InstanceListResponse{OK: true, Total: total, Page: page, PerPage: perPage, Pages: pages, Instances: payloads})
}

func (s *Server) handleAdminInstance(w http.ResponseWriter, r *http.Request) {
	owner, kind, action, ok := splitInstancePath(r.URL.Path, "/v1/admin/instances/")
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
		return
	}

	switch {
	case action == "renew" && r.Method == http.MethodPost:
		inst, err := s.engine.ForceRenew(r.Context(), owner, kind)
		if err != nil {
			s.writeOrchErr(w, err)
			return
		}
		s.metrics.IncInstanceRenew()
		writeJSON(w, http.StatusOK, RenewInstanceResponse{OK: true, OwnerID: owner, Kind: string(kind), RenewCount: inst.RenewCount, StartedAt: inst.StartTime})
	case action == "" && r.Method == http.MethodDelete:
		if err := s.engine.Remove(r.Context(), owner, kind); err != nil {
			s.writeOrchErr(w, err)
			return
		}
		s.metrics.IncInstanceRemove()
		writeJSON(w, http.StatusOK, DeleteInstanceResponse{OK: true, OwnerID: owner, Kind: string(kind)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handlePoolRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	if err := s.engine.RefreshPool(); err != nil {
		writeError(w, http.StatusInternalServerError, "pool_refresh_failed", "Port pool refresh failed.", map[string]any{"error": err.Error()})
		return
	}
	available, issued := s.engine.PoolStats()
	s.metrics.SetPortPool(available, issued)
	writeJSON(w, http.StatusOK, PoolRefreshResponse{OK: true, Available: available, Issued: issued})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	active, err := s.engine.Health(r.Context())
	runtimeOK := err == nil
	s.metrics.SetActiveInstances(active)
	status := "ok"
	code := http.StatusOK
	if !runtimeOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:    status,
		Version:   s.cfg.Server.Version,
		Uptime:    int64(time.Since(s.startedAt).Seconds()),
		RuntimeOK: runtimeOK,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	if _, err := s.engine.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) writeOrchErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Instance not found.", nil)
	case errors.Is(err, orchestrator.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrRenewLimit):
		writeError(w, http.StatusForbidden, "renew_limit", "Renewal limit reached.", nil)
	case errors.Is(err, orchestrator.ErrCapacity):
		writeError(w, http.StatusServiceUnavailable, "capacity_full", "No capacity for new instances.", nil)
	case errors.Is(err, orchestrator.ErrUnknownTarget):
		writeError(w, http.StatusUnprocessableEntity, "invalid_target", "Target is not in the catalog.", nil)
	default:
		s.logger.Error("orchestrator_error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed.", nil)
	}
}

// splitInstancePath extracts ({owner}, {kind}, optional action) from a path
// below the given prefix.
func splitInstancePath(path, prefix string) (owner string, kind state.Kind, action string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	kind, valid := parseKind(parts[1])
	if !valid {
		return "", "", "", false
	}
	if len(parts) == 3 {
		action = parts[2]
	}
	return parts[0], kind, action, true
}

func parseKind(v string) (state.Kind, bool) {
	switch state.Kind(strings.ToLower(v)) {
	case state.KindChallenge:
		return state.KindChallenge, true
	case state.KindDesktop:
		return state.KindDesktop, true
	case state.KindShell:
		return state.KindShell, true
	}
	return "", false
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (s *Server) payload(inst state.Instance, status string) InstancePayload {
	uptime := int64(0)
	if !inst.StartTime.IsZero() && (status == "running" || status == "starting") {
		uptime = int64(time.Since(inst.StartTime).Seconds())
	}
	return InstancePayload{
		OwnerID:    inst.OwnerID,
		Kind:       string(inst.Kind),
		Target:     inst.TargetRef,
		Status:     status,
		Port:       inst.Port,
		Token:      inst.Token,
		AccessURL:  s.engine.AccessURL(inst),
		StartedAt:  inst.StartTime,
		RenewCount: inst.RenewCount,
		UptimeSecs: uptime,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, ErrorEnvelope{Error: ErrorBody{Code: errCode, Message: message, Details: details}})
}
