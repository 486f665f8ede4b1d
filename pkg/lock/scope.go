package lock

import (
	"context"

	"github.com/pixperk/davlock/pkg/types"
)

type scopeKey struct{}

// runs fn with lc marked as the lock context in effect
// nested code asks LockInScope whether it already runs under a lock
// without a registered provider fn runs unchanged
func RunInScope[T any](ctx context.Context, m *Manager, lc types.LockContext, fn func(context.Context) (T, error)) (T, error) {
	if !m.HasProvider() {
		return fn(ctx)
	}
	return fn(context.WithValue(ctx, scopeKey{}, lc))
}

// the context most recently established by RunInScope on this call chain
func LockInScope(ctx context.Context) (types.LockContext, bool) {
	lc, ok := ctx.Value(scopeKey{}).(types.LockContext)
	return lc, ok
}
