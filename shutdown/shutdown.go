package shutdown

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/vinayprograms/kvsync/logging"
)

var (
	// ErrAlreadyShutdown is returned by every Shutdown call after the first.
	ErrAlreadyShutdown = stderrors.New("shutdown already initiated")

	// ErrTimeout marks steps skipped because the shutdown context ended.
	ErrTimeout = stderrors.New("shutdown timeout exceeded")

	// ErrStepFailed is returned when one or more steps failed.
	ErrStepFailed = stderrors.New("one or more shutdown steps failed")
)

// Phases for a process that mirrors values into a store. Each phase starts
// after the previous one has finished.
const (
	// PhaseWorkers stops goroutines that feed or read values: file watchers,
	// update readers, edit loops.
	PhaseWorkers = 10

	// PhaseRegistry disposes values and stops their loop, so nothing writes
	// to the store any more.
	PhaseRegistry = 20

	// PhaseStore closes stores together with their pollers and connections.
	PhaseStore = 30

	// PhaseTelemetry flushes spans recorded by the earlier phases.
	PhaseTelemetry = 40
)

// Handler releases one component.
type Handler interface {
	// OnShutdown releases the component. ctx ends at the shutdown deadline.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown calls f.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer, such as a store or registry, to Handler.
func Closer(c io.Closer) Handler {
	return Func(func(context.Context) error { return c.Close() })
}

// StepResult is the outcome of one handler.
type StepResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	Duration time.Duration
	Steps    []StepResult

	// Err is nil when every step succeeded.
	Err error
}

// Failed returns the names of steps that failed or were skipped.
func (r *Result) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Err != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0).
	// Default: 30s
	Timeout time.Duration

	// StopOnError skips later phases once a step fails.
	StopOnError bool

	// Logger records each step. Default: a "shutdown" logger.
	Logger *logging.Logger

	// OnProgress is called as each step finishes, possibly concurrently.
	OnProgress func(StepResult)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
