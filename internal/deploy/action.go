package deploy

import (
	"context"
	"io"
	"time"

	"github.com/go-kit/log"

	"github.com/fleetsync/fleetsync/internal/plan"
)

// Outcome classifies how one service's deployment action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// Result is the recorded outcome of one planned unit's action.
type Result struct {
	Unit     plan.Unit
	Outcome  Outcome
	ExitCode int
	Detail   string
	Duration time.Duration
}

// OK reports whether the action succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Deps contains dependencies injected into actions.
type Deps struct {
	FleetRoot string
	DockerBin string
	Logger    log.Logger
	Out       io.Writer
}

// Action deploys one service unit. Implementations must honor ctx
// cancellation: when the per-action timeout fires the executor expects
// any spawned process to die with the context.
type Action interface {
	// Name returns the service unit name the action deploys.
	Name() string

	// Run executes the action and reports its result.
	Run(ctx context.Context, deps *Deps) Result
}
