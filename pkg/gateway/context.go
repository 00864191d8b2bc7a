package gateway

import "context"

type clientIDKey struct{}

func withClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFromContext returns the websocket client that issued the request,
// or "" for one-shot HTTP requests.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}

// actorFromContext names the caller in audit records.
func actorFromContext(ctx context.Context) string {
	if id := ClientIDFromContext(ctx); id != "" {
		return "client:" + id
	}
	return "rpc"
}
