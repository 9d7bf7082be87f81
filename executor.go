package vuload

import (
	"context"
	"time"

	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

// withRunScope marks ctx as the scope of the run, iterations derive their contexts from it
func withRunScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, runScopeKey, ctx)
}

// RunEnded is true when ctx descends from a run scope that is done,
// a request failing under it was cut off by the executor
func RunEnded(ctx context.Context) bool {
	scope, ok := ctx.Value(runScopeKey).(context.Context)
	return ok && scope.Err() != nil
}

// constantVUs spawns every virtual user at once, each one loops iterations until the duration ends
func (r *Runner) constantVUs(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.Config.Duration())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	started := 0
	for vu := 1; vu <= r.Config.VUs; vu++ {
		attacker, err := r.spawnAttacker(vu)
		if err != nil {
			r.L.Errorf("%s", err)
			continue
		}
		started++
		vuCtx := WithVU(withRunScope(gctx), vu)
		g.Go(func() error {
			attack(vuCtx, attacker, nil, r.results, r.Config.timeout())
			return nil
		})
	}
	if !r.checkStarted(started) {
		return
	}
	r.Sinks.SetVUs(started)
	_ = g.Wait()
	r.Sinks.SetVUs(0)
}

// constantArrivalRate starts iterations at a fixed rate on a pool of preallocated virtual users,
// an iteration that finds no idle virtual user is dropped
func (r *Runner) constantArrivalRate(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.Config.Duration())
	defer cancel()
	next := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	started := 0
	for vu := 1; vu <= r.Config.maxVUs(); vu++ {
		attacker, err := r.spawnAttacker(vu)
		if err != nil {
			r.L.Errorf("%s", err)
			continue
		}
		started++
		vuCtx := WithVU(withRunScope(gctx), vu)
		g.Go(func() error {
			attack(vuCtx, attacker, next, r.results, r.Config.timeout())
			return nil
		})
	}
	if !r.checkStarted(started) {
		return
	}
	r.Sinks.SetVUs(started)
	limiter := ratelimit.New(r.Config.Rate)
	for {
		limiter.Take()
		if ctx.Err() != nil {
			break
		}
		select {
		case next <- struct{}{}:
		case <-ctx.Done():
		default:
			r.dropped.Add(1)
			if r.verbose() {
				r.L.Infof("no idle virtual user at %s, iteration dropped", time.Now().Format(time.RFC3339Nano))
			}
		}
	}
	_ = g.Wait()
	r.Sinks.SetVUs(0)
}

// checkStarted fails the run when every virtual user failed its setup
func (r *Runner) checkStarted(started int) bool {
	if started > 0 {
		return true
	}
	r.L.Errorf("no virtual user started, failing the run")
	r.failed.Store(true)
	return false
}
