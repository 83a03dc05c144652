package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fleetsync/fleetsync/cmd/fleetsync/internal/clierr"
	"github.com/fleetsync/fleetsync/internal/deploy"
	"github.com/fleetsync/fleetsync/internal/deploylock"
	"github.com/fleetsync/fleetsync/internal/fleetroot"
	"github.com/fleetsync/fleetsync/internal/gitdiff"
	"github.com/fleetsync/fleetsync/internal/manifest"
	"github.com/fleetsync/fleetsync/internal/plan"
	"github.com/fleetsync/fleetsync/internal/report"
)

// Commit identifiers come from the caller's `git rev-parse` and are
// abbreviated or full sha1/sha256 hashes.
var commitRe = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)

var (
	deployFleetRoot string
	deployPrev      string
	deployCurrent   string
	deployTimeout   time.Duration
	deployLockWait  time.Duration
	deployPrune     bool
	deployDryRun    bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Redeploy the services affected by a commit range",
	Long: `Loads sync.yml from the fleet root, diffs the previous and current
commits, and redeploys every service whose declared paths changed.
Services are deployed one at a time; a failure in one never blocks the
rest. Exit codes: 0 success or no changes, 1 one or more services
failed, 2 nothing was deployed (bad input, bad manifest, or another
deploy already running).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeploy(cmd.Context(), cmd.OutOrStdout())
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which services a commit range would redeploy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, p, err := resolvePlan(cmd.Context(), newLogger())
		if err != nil {
			return err
		}
		printPlan(cmd.OutOrStdout(), p)
		return nil
	},
}

func registerRangeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&deployFleetRoot, "fleet-root", "", "absolute path to the fleet repository checkout (required)")
	cmd.Flags().StringVar(&deployPrev, "prev", "", "commit the fleet was last deployed from (required)")
	cmd.Flags().StringVar(&deployCurrent, "current", "", "commit to deploy (required)")
}

func init() {
	registerRangeFlags(deployCmd)
	deployCmd.Flags().DurationVar(&deployTimeout, "timeout", 10*time.Minute, "per-service action timeout")
	deployCmd.Flags().DurationVar(&deployLockWait, "lock-wait", 5*time.Second, "how long to wait for a concurrent deploy before giving up")
	deployCmd.Flags().BoolVar(&deployPrune, "prune", false, "run `docker system prune -af` after the plan")
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "print the plan and exit without deploying")

	registerRangeFlags(planCmd)
}

// GetDeployCmd exposes the deploy command to the root command.
func GetDeployCmd() *cobra.Command { return deployCmd }

// GetPlanCmd exposes the plan command to the root command.
func GetPlanCmd() *cobra.Command { return planCmd }

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

// resolvePlan runs the pre-deployment half of the pipeline: argument
// validation, manifest load, change detection, service resolution.
// Every error here is pre-deployment (exit 2).
func resolvePlan(ctx context.Context, logger log.Logger) (string, gitdiff.CommitRange, plan.Plan, error) {
	var zero gitdiff.CommitRange

	if deployPrev == "" || deployCurrent == "" {
		return "", zero, plan.Plan{}, clierr.New(clierr.CodePreDeploy, "--prev and --current are required")
	}
	for _, commit := range []string{deployPrev, deployCurrent} {
		if !commitRe.MatchString(commit) {
			return "", zero, plan.Plan{}, clierr.Newf(clierr.CodePreDeploy, "malformed commit id %q", commit)
		}
	}
	root, err := fleetroot.Resolve(deployFleetRoot)
	if err != nil {
		return "", zero, plan.Plan{}, clierr.Wrap(clierr.CodePreDeploy, "invalid arguments", err)
	}

	m, err := manifest.Load(root)
	if err != nil {
		return "", zero, plan.Plan{}, clierr.Wrap(clierr.CodePreDeploy, "loading manifest", err)
	}

	rng := gitdiff.CommitRange{Previous: deployPrev, Current: deployCurrent}
	cs, err := gitdiff.Detect(ctx, root, rng)
	if err != nil {
		return "", zero, plan.Plan{}, clierr.Wrap(clierr.CodePreDeploy, "detecting changes", err)
	}
	if cs.Degraded {
		_ = level.Warn(logger).Log("msg", "change detection degraded, redeploying the whole fleet", "reason", cs.Reason)
	}

	return root, rng, plan.Resolve(m, cs), nil
}

func runDeploy(ctx context.Context, out io.Writer) error {
	logger := newLogger()

	root, rng, p, err := resolvePlan(ctx, logger)
	if err != nil {
		return err
	}

	if deployDryRun {
		printPlan(out, p)
		return nil
	}

	runID := uuid.New()

	if p.Empty() {
		fmt.Fprint(out, report.New(runID, rng, nil).Summary())
		return nil
	}

	lock := deploylock.New(root, logger)
	if err := lock.Acquire(ctx, runID.String(), deployLockWait); err != nil {
		return clierr.Wrap(clierr.CodePreDeploy, "cannot start deploy", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			_ = level.Error(logger).Log("msg", "releasing deploy lock", "err", err)
		}
	}()

	_ = level.Info(logger).Log("msg", "starting deploy", "run_id", runID, "range", rng, "services", strings.Join(p.Names(), ","))

	deps := &deploy.Deps{
		FleetRoot: root,
		DockerBin: dockerBin(),
		Logger:    logger,
		Out:       out,
	}
	results := deploy.NewExecutor(deps, deployTimeout).Execute(ctx, p)

	if deployPrune {
		deploy.Prune(ctx, deps)
	}

	rep := report.New(runID, rng, results)
	fmt.Fprint(out, rep.Summary())

	if rep.Status == report.StatusPartialFailure {
		return clierr.Newf(clierr.CodeDeployFailed, "%d of %d service(s) failed", len(rep.Failed()), len(rep.Results))
	}
	return nil
}

func printPlan(out io.Writer, p plan.Plan) {
	if p.Empty() {
		fmt.Fprintln(out, "no services to deploy")
		return
	}
	if p.Degraded {
		fmt.Fprintln(out, "change detection degraded: redeploying the whole fleet")
	}
	for _, u := range p.Units {
		kind := "restart"
		if u.Rebuild {
			kind = "rebuild"
		}
		fmt.Fprintf(out, "%s (%s)\n", u.Name, kind)
		for _, f := range u.Changed {
			fmt.Fprintf(out, "    %s\n", f)
		}
	}
}

// dockerBin locates the container runtime, falling back to PATH lookup
// at exec time.
func dockerBin() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	return "docker"
}
