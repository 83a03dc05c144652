// Package report aggregates per-service deployment results into the
// run's single outcome: the summary the caller's logging captures and
// the process exit status.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsync/fleetsync/internal/deploy"
	"github.com/fleetsync/fleetsync/internal/gitdiff"
)

// Status is the aggregate outcome of one run.
type Status string

const (
	// StatusSuccess means every planned service deployed cleanly.
	StatusSuccess Status = "success"
	// StatusPartialFailure means at least one service failed or timed
	// out; the rest were still attempted.
	StatusPartialFailure Status = "partial-failure"
	// StatusNoChanges means the plan was empty.
	StatusNoChanges Status = "no-changes"
)

// RunReport is the complete record of one invocation.
type RunReport struct {
	ID      uuid.UUID
	Range   gitdiff.CommitRange
	Results []deploy.Result
	Status  Status
}

// New builds the report for a finished run. Results must be in plan
// order; the report preserves it.
func New(id uuid.UUID, rng gitdiff.CommitRange, results []deploy.Result) RunReport {
	r := RunReport{ID: id, Range: rng, Results: results, Status: StatusSuccess}
	if len(results) == 0 {
		r.Status = StatusNoChanges
		return r
	}
	for _, res := range results {
		if !res.OK() {
			r.Status = StatusPartialFailure
			break
		}
	}
	return r
}

// Failed returns the names of services whose action did not succeed,
// in plan order.
func (r RunReport) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if !res.OK() {
			names = append(names, res.Unit.Name)
		}
	}
	return names
}

// Summary renders the caller-facing run summary: one line per planned
// service, then a trailer with the aggregate status.
func (r RunReport) Summary() string {
	var b strings.Builder

	if r.Status == StatusNoChanges {
		fmt.Fprintf(&b, "run %s: no changes in %s, nothing to deploy\n", r.ID, r.Range)
		return b.String()
	}

	width := 0
	for _, res := range r.Results {
		if len(res.Unit.Name) > width {
			width = len(res.Unit.Name)
		}
	}

	for _, res := range r.Results {
		fmt.Fprintf(&b, "%-*s  %-8s %s", width, res.Unit.Name, res.Outcome, res.Duration.Round(time.Millisecond))
		if res.Outcome == deploy.OutcomeFailed {
			fmt.Fprintf(&b, " (exit %d)", res.ExitCode)
		}
		b.WriteString("\n")
	}

	failed := r.Failed()
	if len(failed) == 0 {
		fmt.Fprintf(&b, "run %s: %d service(s) deployed for %s\n", r.ID, len(r.Results), r.Range)
	} else {
		fmt.Fprintf(&b, "run %s: %d of %d service(s) failed for %s: %s\n",
			r.ID, len(failed), len(r.Results), r.Range, strings.Join(failed, ", "))
	}
	return b.String()
}
