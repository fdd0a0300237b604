// Package web provides the HTTP surface: the admission guard
// middleware, the enforcement API, and the admin API.
package web

import (
	"context"
	"net/http"
)

// Identity is the metered caller, resolved upstream by the auth layer
// and forwarded on trusted gateway headers.
type Identity struct {
	SubscriptionID string
	SubjectID      string
}

type contextKey int

const identityKey contextKey = iota

// Header names the tenant layer uses to hand identity to the engine.
const (
	HeaderSubscription = "X-Subscription-Id"
	HeaderSubject      = "X-Subject-Id"
	HeaderQuotaWindow  = "X-Quota-Window" // unix millis of the consuming window's start
)

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the caller identity from the context.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.SubscriptionID != "" && id.SubjectID != ""
}

// ResolveIdentity is middleware that reads the identity headers set by
// the upstream auth layer into the request context. Requests without
// identity pass through; the guard rejects them when a gated route
// needs one.
func ResolveIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{
			SubscriptionID: r.Header.Get(HeaderSubscription),
			SubjectID:      r.Header.Get(HeaderSubject),
		}
		if id.SubscriptionID != "" {
			r = r.WithContext(WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
