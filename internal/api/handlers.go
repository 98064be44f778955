package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gtaroom/GTA-GAME-sub005/internal/dispatch"
	"github.com/gtaroom/GTA-GAME-sub005/internal/domain"
)

const maxBodyBytes = 1 << 20

// Handler is the HTTP face of the submitter and status reader.
type Handler struct {
	Submitter *dispatch.Submitter
	Status    *dispatch.StatusReader
	Limiter   *TenantLimiter // nil disables throttling
	Log       *zap.Logger

	// Used by /create-user when the request omits credentials.
	DefaultUsername string
	DefaultPassword string
}

// Amount is kept as the literal the caller sent, quoted or not, and forwarded
// to the worker as that number.
type transferReq struct {
	Dashboard string      `json:"dashboard"`
	Username  string      `json:"username"`
	Amount    json.Number `json:"amount"`
}

type transferPayload struct {
	Username string      `json:"username"`
	Amount   json.Number `json:"amount"`
}

type createUserReq struct {
	Dashboard string `json:"dashboard"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type createUserPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type jobResp struct {
	JobID string `json:"jobId"`
}

type statusResp struct {
	JobID     string  `json:"jobId"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Error     *string `json:"error"`
	Dashboard string  `json:"dashboard"`
}

func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, domain.Recharge)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, domain.Withdraw)
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request, action domain.Action) {
	var req transferReq
	if !decode(w, r, &req) {
		return
	}
	req.Dashboard = strings.TrimSpace(req.Dashboard)
	req.Username = strings.TrimSpace(req.Username)
	if req.Dashboard == "" || req.Username == "" || !positive(req.Amount) {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	h.submit(w, r, req.Dashboard, action, transferPayload{Username: req.Username, Amount: req.Amount})
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserReq
	if !decode(w, r, &req) {
		return
	}
	req.Dashboard = strings.TrimSpace(req.Dashboard)
	if req.Dashboard == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	p := createUserPayload{
		Username: firstNonEmpty(req.Username, h.DefaultUsername),
		Password: firstNonEmpty(req.Password, h.DefaultPassword),
	}
	if p.Username == "" || p.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	h.submit(w, r, req.Dashboard, domain.CreateUser, p)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, dashboard string, action domain.Action, payload any) {
	if err := domain.ValidateTenant(dashboard); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid dashboard")
		return
	}
	if h.Limiter != nil && !h.Limiter.Allow(dashboard) {
		writeError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	ref, err := h.Submitter.SubmitPayload(r.Context(), dashboard, action.String(), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, jobResp{JobID: ref.ID})
	case errors.Is(err, domain.ErrInvalidTenant):
		writeError(w, http.StatusBadRequest, "Invalid dashboard")
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Missing required fields")
	default:
		fields := []zap.Field{
			zap.String("dashboard", dashboard),
			zap.Stringer("action", action),
			zap.Error(err),
		}
		if sub, ok := SubjectFromContext(r.Context()); ok {
			fields = append(fields, zap.String("subject", sub))
		}
		h.Log.Error("submit failed", fields...)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	rep, err := h.Status.GetStatusAndReapIfTerminal(r.Context(), jobID)
	if err != nil {
		if !errors.Is(err, dispatch.ErrReapFailed) {
			h.Log.Error("status failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		// The report is still accurate; the job just outlives this read.
		h.Log.Warn("status reap failed", zap.String("job_id", jobID), zap.Error(err))
	}

	resp := statusResp{
		JobID:     rep.JobID,
		Status:    string(rep.Status),
		Progress:  rep.Progress,
		Dashboard: rep.Tenant,
	}
	if rep.Error != "" {
		resp.Error = &rep.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func positive(n json.Number) bool {
	f, err := n.Float64()
	return err == nil && f > 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
