// Package shutdown tears a process down in phases.
//
// A process that mirrors values into a store has to stop in a fixed order:
// first the goroutines that read or edit values, then the registry that owns
// the values, then the stores they write to, and last the telemetry that
// recorded all of it. Handlers registered with a lower phase finish before
// the next phase starts; handlers sharing a phase run concurrently.
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Logger: logger})
//	ctx := coord.HandleSignals(context.Background())
//
//	coord.Register("registry", shutdown.PhaseRegistry, shutdown.Closer(reg))
//	coord.Register("store", shutdown.PhaseStore, shutdown.Closer(store))
//	coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
//
//	<-ctx.Done()
//	if err := coord.ShutdownWithTimeout(0); err != nil {
//	    logger.Warn("shutdown incomplete", ...)
//	}
package shutdown
