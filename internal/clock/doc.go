// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of calling
// time.Now, time.After, time.NewTicker, time.AfterFunc, or time.Sleep
// directly. In production, Real() provides the standard library
// behavior. In tests, Fake() provides a deterministic clock that
// advances only when Advance is called.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time. internal/identity's
// Resolver holds one for its token-cache TTL and sweep; internal/store's
// Store holds one for every row's createdAt/bannedAt stamp;
// internal/moderation's Heartbeat holds one for its send interval:
//
//	type Resolver struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production, cmd/remus-node wires the same clock.Real() into all
// three:
//
//	clk := clock.Real()
//	resolver := identity.New(cfg.MainBackendURL, clk)
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	resolver := identity.New(authorityURL, c)
//	// ... resolve a token, populating the cache ...
//	c.Advance(identity.CacheTTL + time.Second) // expire it deterministically
//
// # Scheduled Work
//
// "Run this now, then again every interval, until told to stop" is a
// recurring shape: internal/identity's Resolver sweeps its token cache
// this way, and internal/moderation's Heartbeat announces this way (with
// runImmediately=true, since a heartbeat fires once at startup too).
// Rather than each caller hand-rolling a ticker plus a select loop,
// NewPeriodicRunner carries that shape directly on Clock:
//
//	runner := clk.NewPeriodicRunner(ctx, 30*time.Second, true, func(time.Time) {
//	    heartbeat.send(ctx)
//	})
//	// ... later, or when ctx is done ...
//	runner.Stop()
//
// On a FakeClock, the runner reschedules itself through AfterFunc: each
// scheduled run happens synchronously inside the Advance call that
// crosses its deadline (the immediate run, when requested, happens on
// the runner's own goroutine), so periodic production code stays
// deterministic under test the same way a single After or AfterFunc
// call does.
//
// # FakeClock Synchronization
//
// When a goroutine calls Sleep, After, NewTicker, or AfterFunc on a
// FakeClock, it registers a pending timer. Use WaitForTimers to block
// until a specific number of timers are registered before calling
// Advance. This eliminates the race between timer registration and
// time advancement that plagues tests using time.Sleep for
// synchronization.
package clock
