package deploy

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync/fleetsync/internal/manifest"
	"github.com/fleetsync/fleetsync/internal/plan"
)

// mockAction implements Action for testing.
type mockAction struct {
	unit    plan.Unit
	outcome Outcome
	block   bool // sleep until ctx is done
	called  bool
}

func (m *mockAction) Name() string { return m.unit.Name }

func (m *mockAction) Run(ctx context.Context, deps *Deps) Result {
	m.called = true
	if m.block {
		<-ctx.Done()
		return Result{Unit: m.unit, Outcome: OutcomeFailed, ExitCode: -1}
	}
	res := Result{Unit: m.unit, Outcome: m.outcome}
	if m.outcome != OutcomeSuccess {
		res.ExitCode = 1
	}
	return res
}

func testPlan(names ...string) plan.Plan {
	p := plan.Plan{}
	for _, n := range names {
		p.Units = append(p.Units, plan.Unit{ServiceUnit: manifest.ServiceUnit{Name: n}})
	}
	return p
}

func newTestExecutor(timeout time.Duration, actions map[string]*mockAction) *Executor {
	e := NewExecutor(&Deps{Logger: log.NewNopLogger(), Out: &bytes.Buffer{}}, timeout)
	e.newAction = func(u plan.Unit) Action { return actions[u.Name] }
	return e
}

func TestExecute_AllSucceed(t *testing.T) {
	actions := map[string]*mockAction{
		"web": {outcome: OutcomeSuccess},
		"db":  {outcome: OutcomeSuccess},
	}
	e := newTestExecutor(time.Minute, actions)

	results := e.Execute(context.Background(), testPlan("web", "db"))
	require.Len(t, results, 2)
	assert.True(t, results[0].OK())
	assert.True(t, results[1].OK())
	assert.True(t, actions["web"].called)
	assert.True(t, actions["db"].called)
}

func TestExecute_FailureDoesNotAbortPlan(t *testing.T) {
	actions := map[string]*mockAction{
		"a": {outcome: OutcomeSuccess},
		"b": {outcome: OutcomeFailed},
		"c": {outcome: OutcomeSuccess},
	}
	e := newTestExecutor(time.Minute, actions)

	results := e.Execute(context.Background(), testPlan("a", "b", "c"))
	require.Len(t, results, 3)

	var failed int
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, OutcomeFailed, results[1].Outcome)
	assert.True(t, actions["c"].called, "failure in b must not skip c")
}

func TestExecute_PreservesPlanOrder(t *testing.T) {
	actions := map[string]*mockAction{
		"web": {outcome: OutcomeFailed},
		"db":  {outcome: OutcomeSuccess},
	}
	e := newTestExecutor(time.Minute, actions)

	results := e.Execute(context.Background(), testPlan("web", "db"))
	require.Len(t, results, 2)
	assert.Equal(t, "web", results[0].Unit.Name)
	assert.Equal(t, "db", results[1].Unit.Name)
}

func TestExecute_TimeoutRecorded(t *testing.T) {
	actions := map[string]*mockAction{
		"slow": {block: true},
		"next": {outcome: OutcomeSuccess},
	}
	e := newTestExecutor(50*time.Millisecond, actions)

	results := e.Execute(context.Background(), testPlan("slow", "next"))
	require.Len(t, results, 2)
	assert.Equal(t, OutcomeTimeout, results[0].Outcome)
	assert.True(t, results[1].OK(), "timeout must not block the next service")
	assert.GreaterOrEqual(t, results[0].Duration, 50*time.Millisecond)
}

func TestExecute_EmptyPlan(t *testing.T) {
	e := newTestExecutor(time.Minute, nil)
	results := e.Execute(context.Background(), plan.Plan{})
	assert.Empty(t, results)
}
