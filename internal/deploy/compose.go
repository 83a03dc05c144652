package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-kit/log/level"

	"github.com/fleetsync/fleetsync/internal/plan"
)

// ComposeAction redeploys one service unit with docker compose, run in
// the unit's working directory. Build-relevant changes force a rebuild;
// runtime-only changes restart the running containers, or bring them up
// if nothing is running yet.
type ComposeAction struct {
	unit plan.Unit
}

// NewComposeAction returns the compose action for a planned unit.
func NewComposeAction(u plan.Unit) Action {
	return &ComposeAction{unit: u}
}

func (a *ComposeAction) Name() string { return a.unit.Name }

func (a *ComposeAction) Run(ctx context.Context, deps *Deps) Result {
	if a.unit.Rebuild {
		fmt.Fprintf(deps.Out, "   [build-relevant changes] rebuilding %s\n", a.unit.Name)
		return a.compose(ctx, deps, "up", "-d", "--build", "--remove-orphans")
	}

	fmt.Fprintf(deps.Out, "   [runtime-only changes] checking %s\n", a.unit.Name)
	running, err := a.runningContainers(ctx, deps)
	if err != nil {
		// Can't tell what's running; `up` is correct either way.
		running = false
	}
	if running {
		fmt.Fprintln(deps.Out, "   restarting")
		return a.compose(ctx, deps, "restart")
	}
	fmt.Fprintln(deps.Out, "   creating (up)")
	return a.compose(ctx, deps, "up", "-d", "--remove-orphans")
}

func (a *ComposeAction) runningContainers(ctx context.Context, deps *Deps) (bool, error) {
	cmd := exec.CommandContext(ctx, deps.DockerBin, "compose", "ps", "-q")
	cmd.Dir = a.unit.WorkingDir
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

func (a *ComposeAction) compose(ctx context.Context, deps *Deps, args ...string) Result {
	full := append([]string{"compose"}, args...)
	cmd := exec.CommandContext(ctx, deps.DockerBin, full...)
	cmd.Dir = a.unit.WorkingDir

	out, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		outcome := OutcomeFailed
		if ctx.Err() == context.DeadlineExceeded {
			outcome = OutcomeTimeout
		}
		return Result{
			Unit:     a.unit,
			Outcome:  outcome,
			ExitCode: exitCode,
			Detail:   lastLines(string(out), 20),
		}
	}

	return Result{Unit: a.unit, Outcome: OutcomeSuccess}
}

// lastLines keeps the tail of a command's output for the result detail.
func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
		s = "...(truncated)...\n" + strings.Join(lines, "\n")
	}
	return strings.TrimSpace(s)
}

// Prune reclaims disk from unused images and containers after a run.
// Failure is a warning, never part of the run outcome.
func Prune(ctx context.Context, deps *Deps) {
	fmt.Fprintln(deps.Out, ">> pruning unused images")
	cmd := exec.CommandContext(ctx, deps.DockerBin, "system", "prune", "-af")
	cmd.Dir = deps.FleetRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = level.Warn(deps.Logger).Log("msg", "docker system prune failed", "err", err, "output", lastLines(string(out), 5))
	}
}
