package authcore

import "context"

type clientIPContextKey struct{}
type priorSessionContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine combines it
// with the submitted email to key the brute-force guard, and records it in
// audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithPriorSession attaches the session ID the request arrived with, if any.
// The Engine destroys that session after a successful authentication so the
// pre-login identifier can never survive a privilege change.
func WithPriorSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, priorSessionContextKey{}, sessionID)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func priorSessionFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	sessionID, _ := ctx.Value(priorSessionContextKey{}).(string)
	return sessionID
}
