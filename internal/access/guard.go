package access

import "context"

// Guard checks a precondition before an entry point runs. It may return a
// derived context for the guarded call.
type Guard func(ctx context.Context) (context.Context, error)

// AdminOnly rejects callers outside admins.
func AdminOnly(admins *Admins) Guard {
	return func(ctx context.Context) (context.Context, error) {
		caller, ok := Caller(ctx)
		if !ok || !admins.IsAdmin(caller) {
			return ctx, ErrUnauthorized
		}
		return ctx, nil
	}
}

// NotPaused rejects calls while the gate is paused.
func NotPaused(g *Gate) Guard {
	return func(ctx context.Context) (context.Context, error) {
		if g.Paused() {
			return ctx, ErrPaused
		}
		return ctx, nil
	}
}

// NonReentrant marks the context on entry and rejects any nested call
// made with a marked context.
func NonReentrant() Guard {
	return func(ctx context.Context) (context.Context, error) {
		if ctx.Value(reentryKey{}) != nil {
			return ctx, ErrReentrantCall
		}
		return context.WithValue(ctx, reentryKey{}, struct{}{}), nil
	}
}

// Wrap runs guards in order before fn. The first failing guard aborts the
// call with its error.
func Wrap[Req, Res any](fn func(context.Context, Req) (Res, error), guards ...Guard) func(context.Context, Req) (Res, error) {
	return func(ctx context.Context, req Req) (Res, error) {
		var err error
		for _, g := range guards {
			if ctx, err = g(ctx); err != nil {
				var zero Res
				return zero, err
			}
		}
		return fn(ctx, req)
	}
}
