package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/pi-cli/exthost/internal/extension"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

// DefaultCallBudget bounds one call into the engine when the caller does
// not carry its own deadline.
const DefaultCallBudget = 5 * time.Second

// DefaultQuarantineStreak is how many consecutive budget failures
// quarantine an extension for the session.
const DefaultQuarantineStreak = 5

// errBudgetExceeded is the sentinel the interrupt watcher plants; the
// engine observes it at the next safepoint.
var errBudgetExceeded = errors.New("execution budget exceeded")

// engine owns one extension's single-threaded execution context: the goja
// runtime, the registration registry, and the dedicated executor goroutine
// every call into the runtime is posted to. No extension code ever runs on
// more than one thread.
type engine struct {
	id       string
	identity extension.Identity
	vm       *goja.Runtime
	registry *extension.Registry

	// tools and handlers hold script callables by registration key. They
	// are only touched from the executor goroutine, so no lock is needed.
	tools    map[string]goja.Callable
	handlers map[string][]goja.Callable

	jobs chan func()
	quit chan struct{}
	done chan struct{}

	budgetStreak int
	quarantined  bool
}

func newEngine(id string, identity extension.Identity) *engine {
	e := &engine{
		id:       id,
		identity: identity,
		vm:       goja.New(),
		registry: extension.NewRegistry(),
		tools:    make(map[string]goja.Callable),
		handlers: make(map[string][]goja.Callable),
		jobs:     make(chan func(), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

// run is the executor loop: jobs execute one at a time on this goroutine,
// which is the only thread that ever touches e.vm.
func (e *engine) run() {
	defer close(e.done)
	for {
		select {
		case job := <-e.jobs:
			job()
		case <-e.quit:
			// Drain whatever was already queued before shutting down.
			for {
				select {
				case job := <-e.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// post schedules work on the executor and blocks until it completes.
func (e *engine) post(job func()) error {
	reply := make(chan struct{})
	wrapped := func() {
		defer close(reply)
		job()
	}
	select {
	case e.jobs <- wrapped:
	case <-e.quit:
		return hosterrors.ExtensionQuarantined("engine disposed")
	}
	select {
	case <-reply:
		return nil
	case <-e.done:
		return hosterrors.ExtensionQuarantined("engine disposed")
	}
}

// enqueue schedules work without waiting for it, falling back to a
// goroutine when the job buffer is full so a publish from this extension's
// own executor can never deadlock against itself.
func (e *engine) enqueue(job func()) {
	select {
	case e.jobs <- job:
	default:
		go func() {
			select {
			case e.jobs <- job:
			case <-e.quit:
			}
		}()
	}
}

// stop shuts the executor down; already-queued jobs drain first.
func (e *engine) stop() {
	close(e.quit)
	<-e.done
}

// withBudget runs fn on the current (executor) goroutine under the given
// deadline, interrupting the runtime at its next safepoint on overshoot.
// The watcher pattern follows the function executor's cooperative
// cancellation: a goroutine waits on the context and calls Interrupt, and
// the interrupt is cleared before returning so future calls start clean.
func (e *engine) withBudget(ctx context.Context, budget time.Duration, fn func() (goja.Value, error)) (goja.Value, error) {
	if budget <= 0 {
		budget = DefaultCallBudget
	}
	budgetCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-budgetCtx.Done():
			e.vm.Interrupt(errBudgetExceeded)
		case <-stop:
		}
	}()

	val, err := fn()
	e.vm.ClearInterrupt()
	if err != nil {
		return nil, e.normalize(err, budgetCtx)
	}
	e.budgetStreak = 0
	return val, nil
}

// normalize converts an engine failure into the host taxonomy: interrupts
// become ExecutionBudgetExceeded (counting toward the quarantine streak),
// script exceptions become ExtensionScriptError, and anything else is
// wrapped as a script error with an "internal" kind.
func (e *engine) normalize(err error, ctx context.Context) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v := interrupted.Value(); v != nil {
			if inner, ok := v.(error); ok && errors.Is(inner, errBudgetExceeded) {
				e.budgetStreak++
				if e.budgetStreak >= DefaultQuarantineStreak {
					e.quarantined = true
				}
				return hosterrors.ExecutionBudgetExceeded(e.budgetStreak)
			}
		}
		if ctx.Err() != nil {
			e.budgetStreak++
			if e.budgetStreak >= DefaultQuarantineStreak {
				e.quarantined = true
			}
			return hosterrors.ExecutionBudgetExceeded(e.budgetStreak)
		}
		return hosterrors.ExtensionScriptError("interrupted", fmt.Sprint(interrupted.Value()))
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		e.budgetStreak = 0
		return hosterrors.ExtensionScriptError("exception", exception.Error())
	}

	return hosterrors.ExtensionScriptError("internal", err.Error())
}

// drainMicrotasks pumps the engine's pending job queue by entering and
// leaving the runtime once. Called after every user callback returns, so a
// tick's observable hostcalls stay contiguous — the host pumps, never the
// engine's implicit loop. Must run on the executor goroutine.
func (e *engine) drainMicrotasks() {
	_, _ = e.vm.RunString("undefined")
}

// resolvePromise settles a returned promise the way the function executor
// resolves devpack results: fulfilled yields the result, rejected yields
// the rejection as an error, and a still-pending promise after the drain
// means the script awaited something outside the three sanctioned
// suspension points.
func resolvePromise(val goja.Value) (goja.Value, error) {
	if val == nil {
		return nil, nil
	}
	exported := val.Export()
	promise, ok := exported.(*goja.Promise)
	if !ok {
		return val, nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil
	case goja.PromiseStateRejected:
		reason := promise.Result()
		if reason != nil {
			return nil, hosterrors.ExtensionScriptError("rejection", reason.String())
		}
		return nil, hosterrors.ExtensionScriptError("rejection", "promise rejected")
	default:
		return nil, hosterrors.ExtensionScriptError("pending", "promise did not settle within the tick")
	}
}
