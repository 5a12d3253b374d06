package identity

import "context"

type contextKey struct{}

// WithUser attaches an authenticated user id to the context as ambient
// evidence for the resolver's last fallback step.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserFromContext returns the ambient user id, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(contextKey{}).(string)
	return uid, ok
}
