// Package deploy executes a deployment plan one service at a time,
// isolating failures so a single broken service never blocks the rest
// of the fleet.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/fleetsync/fleetsync/internal/plan"
)

// Executor runs deployment actions sequentially. Actions on one host
// compete for ports, networks and images, so there is no fan-out.
type Executor struct {
	deps    *Deps
	timeout time.Duration

	// newAction builds the action for a unit; tests swap it out.
	newAction func(plan.Unit) Action
}

// NewExecutor creates an executor with the given per-action timeout.
func NewExecutor(deps *Deps, timeout time.Duration) *Executor {
	return &Executor{
		deps:      deps,
		timeout:   timeout,
		newAction: NewComposeAction,
	}
}

// Execute runs every planned unit in order and returns one result per
// unit, in the same order. A failed or timed-out action is recorded
// and the executor moves on; it never aborts the plan. There are no
// automatic retries: a failed service is left as the action left it,
// and the recovery path is the next run.
func (e *Executor) Execute(ctx context.Context, p plan.Plan) []Result {
	results := make([]Result, 0, len(p.Units))
	for _, unit := range p.Units {
		fmt.Fprintf(e.deps.Out, ">> deploying %s\n", unit.Name)

		action := e.newAction(unit)
		res := e.runOne(ctx, action)
		res.Unit = unit
		results = append(results, res)

		switch res.Outcome {
		case OutcomeSuccess:
			fmt.Fprintf(e.deps.Out, "   done (%s)\n", res.Duration.Round(time.Millisecond))
		case OutcomeTimeout:
			_ = level.Error(e.deps.Logger).Log("msg", "deploy timed out", "service", unit.Name, "timeout", e.timeout)
			fmt.Fprintf(e.deps.Out, "   timed out after %s\n", e.timeout)
		default:
			_ = level.Error(e.deps.Logger).Log("msg", "deploy failed", "service", unit.Name, "exit_code", res.ExitCode)
			fmt.Fprintf(e.deps.Out, "   failed (exit %d)\n", res.ExitCode)
			if res.Detail != "" {
				fmt.Fprintln(e.deps.Out, res.Detail)
			}
		}
	}
	return results
}

func (e *Executor) runOne(parent context.Context, action Action) Result {
	ctx := parent
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.timeout)
		defer cancel()
	}

	start := time.Now()
	res := action.Run(ctx, e.deps)
	res.Duration = time.Since(start)

	// An action that ran into the deadline counts as a timeout even if
	// it didn't classify itself.
	if ctx.Err() == context.DeadlineExceeded && res.Outcome != OutcomeSuccess {
		res.Outcome = OutcomeTimeout
	}
	return res
}
