package web

import (
	"net/http"
	"strconv"
	"time"
)

// GateAction distinguishes fresh consumption from a compensating
// release on delete-style endpoints.
type GateAction string

const (
	ActionConsume GateAction = "consume"
	ActionRelease GateAction = "release"
)

// Gate is the static per-route quota annotation, attached at route
// registration time.
type Gate struct {
	ModuleKey   string
	FunctionKey string
	Action      GateAction
}

// Guard returns middleware that asks the enforcer before letting a
// request reach its handler. Consume gates short-circuit denials;
// release gates run the handler first and release quota only when the
// deletion succeeded.
func (h *Handler) Guard(g Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "identity_missing", "subscription and subject headers are required")
				return
			}

			switch g.Action {
			case ActionRelease:
				h.guardRelease(w, r, next, g, id)
			default:
				h.guardConsume(w, r, next, g, id)
			}
		})
	}
}

func (h *Handler) guardConsume(w http.ResponseWriter, r *http.Request, next http.Handler, g Gate, id Identity) {
	d := h.enforcer.CheckAndConsume(r.Context(), id.SubscriptionID, id.SubjectID, g.ModuleKey, g.FunctionKey)
	if !d.Allowed {
		writeDenial(w, d)
		return
	}
	if d.ConcurrencyHeld {
		defer h.enforcer.Complete(r.Context(), id.SubscriptionID, id.SubjectID, g.ModuleKey, g.FunctionKey)
	}
	annotate(w, d)
	next.ServeHTTP(w, r)
}

func (h *Handler) guardRelease(w http.ResponseWriter, r *http.Request, next http.Handler, g Gate, id Identity) {
	// The deletion must succeed before its quota is handed back.
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(rec, r)
	if rec.status < 200 || rec.status >= 300 {
		return
	}

	// The response is already written; a failed release is logged by
	// the enforcer and never surfaces to the deleted resource's caller.
	consumedAt := consumedWindowFrom(r)
	h.enforcer.ReleaseQuota(r.Context(), id.SubscriptionID, id.SubjectID, g.ModuleKey, g.FunctionKey, consumedAt)
}

// consumedWindowFrom reads the optional stamp identifying the window
// that was active when the released resource was created.
func consumedWindowFrom(r *http.Request) time.Time {
	v := r.Header.Get(HeaderQuotaWindow)
	if v == "" {
		return time.Time{}
	}
	millis, err := strconv.ParseInt(v, 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}

// statusRecorder captures the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}
