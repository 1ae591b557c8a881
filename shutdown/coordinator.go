package shutdown

import (
	"cmp"
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/kvsync/errors"
	"github.com/vinayprograms/kvsync/logging"
)

// Coordinator runs registered handlers phase by phase when the process
// stops. Handlers in one phase run concurrently.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	regs    []registration
	once    sync.Once
	started chan struct{}
	done    chan struct{}
	result  *Result
	signals chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Coordinator{
		config:  cfg,
		logger:  logging.OrDefault(cfg.Logger, "shutdown"),
		started: make(chan struct{}),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = append(c.regs, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds fn to phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// HandleSignals returns a context that is cancelled on SIGINT or SIGTERM, or
// when Shutdown starts. It does not run the handlers: the caller returns from
// its main loop and then calls Shutdown.
func (c *Coordinator) HandleSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	signal.Notify(c.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c.signals)
		defer cancel()
		select {
		case sig := <-c.signals:
			c.logger.Info("signal received", map[string]interface{}{"signal": sig.String()})
		case <-c.started:
		case <-ctx.Done():
		}
	}()
	return ctx
}

// Trigger acts as if SIGTERM had arrived.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Shutdown runs every phase in ascending order. Phases that have not
// started when ctx ends are skipped with ErrTimeout. Only the first call
// runs the handlers; later calls wait for it and return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.once.Do(func() {
		first = true
		close(c.started)
		c.result = c.run(ctx)
		close(c.done)
	})
	if !first {
		<-c.done
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the configured
// timeout when it is zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed once Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	regs := slices.Clone(c.regs)
	c.mu.Unlock()
	slices.SortStableFunc(regs, func(a, b registration) int { return cmp.Compare(a.phase, b.phase) })

	res := &Result{Steps: make([]StepResult, 0, len(regs))}
	for len(regs) > 0 {
		n := 1
		for n < len(regs) && regs[n].phase == regs[0].phase {
			n++
		}
		phase := regs[:n]
		regs = regs[n:]

		if ctx.Err() != nil || (c.config.StopOnError && res.Err != nil) {
			reason := ErrTimeout
			if ctx.Err() == nil {
				reason = ErrStepFailed
			}
			for _, r := range phase {
				res.Steps = append(res.Steps, StepResult{Name: r.name, Phase: r.phase, Err: reason})
			}
			if res.Err == nil {
				res.Err = reason
			}
			continue
		}

		for _, s := range c.runPhase(ctx, phase) {
			if s.Err != nil && res.Err == nil {
				res.Err = ErrStepFailed
			}
			res.Steps = append(res.Steps, s)
		}
	}

	res.Duration = time.Since(start)
	fields := map[string]interface{}{"duration_ms": res.Duration.Milliseconds()}
	if failed := res.Failed(); len(failed) > 0 {
		fields["failed"] = failed
		c.logger.Warn("shutdown incomplete", fields)
	} else {
		c.logger.Info("shutdown complete", fields)
	}
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, phase []registration) []StepResult {
	out := make([]StepResult, len(phase))
	var wg sync.WaitGroup
	for i, r := range phase {
		wg.Add(1)
		go func() {
			defer wg.Done()
			begin := time.Now()
			err := c.call(ctx, r.handler)
			out[i] = StepResult{Name: r.name, Phase: r.phase, Duration: time.Since(begin), Err: err}
			c.report(out[i])
		}()
	}
	wg.Wait()
	return out
}

// call runs h, turning a panic into an error.
func (c *Coordinator) call(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

func (c *Coordinator) report(s StepResult) {
	fields := map[string]interface{}{
		"step":        s.Name,
		"phase":       s.Phase,
		"duration_ms": s.Duration.Milliseconds(),
	}
	if s.Err != nil {
		fields["error"] = s.Err.Error()
		c.logger.Warn("shutdown step failed", fields)
	} else {
		c.logger.Debug("shutdown step done", fields)
	}
	if c.config.OnProgress != nil {
		c.config.OnProgress(s)
	}
}
