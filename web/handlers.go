package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/farebox/quotagate/domain/quota"
	"github.com/farebox/quotagate/ports"
)

// Enforcer is the quota engine surface the web layer consumes.
type Enforcer interface {
	CheckAndConsume(ctx context.Context, subscriptionID, subjectID, moduleKey, functionKey string) quota.Decision
	ReleaseQuota(ctx context.Context, subscriptionID, subjectID, moduleKey, functionKey string, consumedAt time.Time) quota.Decision
	Complete(ctx context.Context, subscriptionID, subjectID, moduleKey, functionKey string)
	Inspect(ctx context.Context, subscriptionID, subjectID, moduleKey, functionKey string) (quota.Decision, error)
}

// Handler provides the enforcement and admin endpoints.
type Handler struct {
	enforcer Enforcer
	plans    ports.PlanStore
	subs     ports.SubscriptionStore
	hasher   ports.Hasher
	ids      ports.IDGenerator
	admin    AdminAuth
	logger   zerolog.Logger
}

// AdminAuth configures the admin API token check.
type AdminAuth struct {
	Enabled   bool
	TokenHash []byte // bcrypt hash of the admin token
}

// Deps contains dependencies for the web handler.
type Deps struct {
	Enforcer      Enforcer
	Plans         ports.PlanStore         // optional, nil disables plan admin
	Subscriptions ports.SubscriptionStore // optional, nil disables subscription admin
	Hasher        ports.Hasher
	IDs           ports.IDGenerator // optional, used when created entities omit an ID
	Admin         AdminAuth
	Logger        zerolog.Logger
}

// NewHandler creates a new web handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		enforcer: deps.Enforcer,
		plans:    deps.Plans,
		subs:     deps.Subscriptions,
		hasher:   deps.Hasher,
		ids:      deps.IDs,
		admin:    deps.Admin,
		logger:   deps.Logger,
	}
}

// checkRequest is the body of the sidecar enforcement endpoints.
type checkRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	SubjectID      string `json:"subjectId"`
	ModuleKey      string `json:"moduleKey"`
	FunctionKey    string `json:"functionKey"`
	ConsumedAt     int64  `json:"consumedAt,omitempty"` // epoch millis, release only
}

func (req checkRequest) valid() bool {
	return req.SubscriptionID != "" && req.SubjectID != "" && req.ModuleKey != ""
}

func decodeCheck(w http.ResponseWriter, r *http.Request) (checkRequest, bool) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return checkRequest{}, false
	}
	if !req.valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "subscriptionId, subjectId, and moduleKey are required")
		return checkRequest{}, false
	}
	return req, true
}

// handleCheck is POST /v1/quota/check: one consumption attempt.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCheck(w, r)
	if !ok {
		return
	}

	d := h.enforcer.CheckAndConsume(r.Context(), req.SubscriptionID, req.SubjectID, req.ModuleKey, req.FunctionKey)
	// The sidecar caller owns the operation lifecycle; an in-flight
	// slot acquired here is handed back through /v1/quota/complete.
	annotate(w, d)
	status := http.StatusOK
	if !d.Allowed {
		status = denialStatus(d.Reason)
	}
	writeJSON(w, status, toBody(d))
}

// handleRelease is POST /v1/quota/release: a compensating release.
func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCheck(w, r)
	if !ok {
		return
	}

	var consumedAt time.Time
	if req.ConsumedAt > 0 {
		consumedAt = time.UnixMilli(req.ConsumedAt).UTC()
	}

	d := h.enforcer.ReleaseQuota(r.Context(), req.SubscriptionID, req.SubjectID, req.ModuleKey, req.FunctionKey, consumedAt)
	annotate(w, d)
	status := http.StatusOK
	if !d.Allowed {
		status = denialStatus(d.Reason)
	}
	writeJSON(w, status, toBody(d))
}

// handleComplete is POST /v1/quota/complete: returns an in-flight slot.
func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCheck(w, r)
	if !ok {
		return
	}
	h.enforcer.Complete(r.Context(), req.SubscriptionID, req.SubjectID, req.ModuleKey, req.FunctionKey)
	w.WriteHeader(http.StatusNoContent)
}

// handleInspect is GET /v1/quota: read-only usage peek.
func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := checkRequest{
		SubscriptionID: q.Get("subscription"),
		SubjectID:      q.Get("subject"),
		ModuleKey:      q.Get("module"),
		FunctionKey:    q.Get("function"),
	}
	if !req.valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "subscription, subject, and module are required")
		return
	}

	d, err := h.enforcer.Inspect(r.Context(), req.SubscriptionID, req.SubjectID, req.ModuleKey, req.FunctionKey)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "usage store unreachable")
		return
	}
	annotate(w, d)
	writeJSON(w, http.StatusOK, toBody(d))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
