package shared

import (
	"context"
	"net/http"
	"strconv"
)

type actorKey struct{}

// ContextWithActor stores the acting user id in the context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the acting user id, zero when absent.
func ActorFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(actorKey{}).(int64); ok {
		return id
	}
	return 0
}

// ActorFromRequest reads the actor id forwarded by the document layer.
func ActorFromRequest(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
	return id
}
