package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/farebox/quotagate/domain/rule"
	"github.com/farebox/quotagate/ports"
)

// requireAdmin gates the admin API behind a bearer token compared
// against a bcrypt hash.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.admin.Enabled || len(h.admin.TokenHash) == 0 {
			writeError(w, http.StatusNotFound, "admin_disabled", "admin API is not enabled")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || !h.hasher.Compare(h.admin.TokenHash, token) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Plan admin.

func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("list plans")
		writeError(w, http.StatusInternalServerError, "internal", "list plans failed")
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (h *Handler) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.plans.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "plan not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("get plan")
		writeError(w, http.StatusInternalServerError, "internal", "get plan failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var p rule.Plan
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if p.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "plan id is required")
		return
	}
	if err := h.plans.Create(r.Context(), p); err != nil {
		// Validation failures are configuration errors, fatal to
		// activation.
		writeError(w, http.StatusUnprocessableEntity, "invalid_plan", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	var p rule.Plan
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	p.ID = chi.URLParam(r, "id")
	err := h.plans.Update(r.Context(), p)
	if errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "plan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_plan", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.plans.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.logger.Error().Err(err).Msg("delete plan")
		writeError(w, http.StatusInternalServerError, "internal", "delete plan failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Subscription admin.

func (h *Handler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	subs, err := h.subs.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("list subscriptions")
		writeError(w, http.StatusInternalServerError, "internal", "list subscriptions failed")
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "subscription not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("get subscription")
		writeError(w, http.StatusInternalServerError, "internal", "get subscription failed")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub ports.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if sub.PlanID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "planId is required")
		return
	}
	if sub.ID == "" {
		if h.ids == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
			return
		}
		sub.ID = h.ids.New()
	}
	if sub.Status == "" {
		sub.Status = ports.SubscriptionActive
	}
	if err := h.subs.Create(r.Context(), sub); err != nil {
		h.logger.Error().Err(err).Msg("create subscription")
		writeError(w, http.StatusInternalServerError, "internal", "create subscription failed")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}
