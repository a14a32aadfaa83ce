package intake

import (
	"context"
	"net/http"
)

type ctxKey int

const actorKey ctxKey = iota

// actorHeader carries the identity verified by the authentication gateway in
// front of this service. Intake consumes it; it never authenticates itself.
const actorHeader = "X-Forwarded-User"

// defaultActor is recorded when no upstream identity is present, so custody
// records are never written with an empty principal.
const defaultActor = "investigator"

// ActorContext is middleware that attaches the verified actor identity to
// the request context.
func ActorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get(actorHeader)
		if actor == "" {
			actor = defaultActor
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

// ActorFromContext returns the acting principal for the request.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return defaultActor
}
