// Package groutine starts named goroutines so the bridge's long-lived
// workers (transport watcher, session timers, sweep loop, socket pumps) are
// identifiable in pprof dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

// Go starts a goroutine labeled with name.
//
//	groutine.Go(ctx, "session-sweep", func(ctx context.Context) { ... })
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	go pprof.Do(parentCtx, pprof.Labels("goroutine_name", name), fn)
}
