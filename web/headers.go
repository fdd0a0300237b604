package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/farebox/quotagate/domain/quota"
)

// Response headers exposing the quota decision to clients.
const (
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
)

// annotate writes the decision's allowance headers. Unlimited decisions
// carry no headers - there is nothing to count down.
func annotate(w http.ResponseWriter, d quota.Decision) {
	exposed := ""
	if d.Remaining != quota.UnlimitedRemaining {
		w.Header().Set(headerRemaining, strconv.FormatInt(d.Remaining, 10))
		exposed = headerRemaining
	}
	if !d.ResetAt.IsZero() {
		w.Header().Set(headerReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
		if exposed != "" {
			exposed += ", "
		}
		exposed += headerReset
	}
	if exposed != "" {
		w.Header().Set("Access-Control-Expose-Headers", exposed)
	}
}

// denialStatus maps a denial reason to an HTTP status.
func denialStatus(reason string) int {
	switch reason {
	case quota.ReasonQuotaExceeded, quota.ReasonConcurrencyExceeded:
		return http.StatusTooManyRequests
	case quota.ReasonSubscriptionNotFound, quota.ReasonSubscriptionInactive, quota.ReasonNoRuleDefaultBlock:
		return http.StatusForbidden
	case quota.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

// decisionBody is the wire shape of a decision. concurrencyHeld tells a
// sidecar caller it owes a /v1/quota/complete once the operation ends.
type decisionBody struct {
	Allowed         bool   `json:"allowed"`
	Remaining       *int64 `json:"remaining"`
	ResetAt         *int64 `json:"resetAt"` // epoch millis
	Reason          string `json:"reason,omitempty"`
	ConcurrencyHeld bool   `json:"concurrencyHeld,omitempty"`
}

func toBody(d quota.Decision) decisionBody {
	body := decisionBody{Allowed: d.Allowed, Reason: d.Reason, ConcurrencyHeld: d.ConcurrencyHeld}
	if d.Remaining != quota.UnlimitedRemaining {
		remaining := d.Remaining
		body.Remaining = &remaining
	}
	if !d.ResetAt.IsZero() {
		reset := d.ResetAt.UnixMilli()
		body.ResetAt = &reset
	}
	return body
}

// writeDenial renders a denied decision as the rejection payload.
func writeDenial(w http.ResponseWriter, d quota.Decision) {
	annotate(w, d)
	writeJSON(w, denialStatus(d.Reason), toBody(d))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
