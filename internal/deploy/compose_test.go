package deploy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync/fleetsync/internal/manifest"
	"github.com/fleetsync/fleetsync/internal/plan"
)

// fakeDocker writes a shell script standing in for the docker binary.
// Invocations are appended to a log file; behavior is keyed on the
// compose subcommand.
func fakeDocker(t *testing.T, script string) (bin, logFile string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "docker")
	logFile = filepath.Join(dir, "invocations.log")
	full := "#!/bin/sh\necho \"$@\" >> " + logFile + "\n" + script
	require.NoError(t, os.WriteFile(bin, []byte(full), 0755))
	return bin, logFile
}

func invocations(t *testing.T, logFile string) []string {
	t.Helper()
	data, err := os.ReadFile(logFile)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func composeUnit(t *testing.T, rebuild bool) plan.Unit {
	return plan.Unit{
		ServiceUnit: manifest.ServiceUnit{Name: "web", WorkingDir: t.TempDir()},
		Rebuild:     rebuild,
	}
}

func testDeps(bin string) *Deps {
	return &Deps{DockerBin: bin, Logger: log.NewNopLogger(), Out: &bytes.Buffer{}}
}

func TestComposeAction_RebuildRunsUpBuild(t *testing.T) {
	bin, logFile := fakeDocker(t, "exit 0")
	a := NewComposeAction(composeUnit(t, true))

	res := a.Run(context.Background(), testDeps(bin))
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	calls := invocations(t, logFile)
	require.Len(t, calls, 1)
	assert.Equal(t, "compose up -d --build --remove-orphans", calls[0])
}

func TestComposeAction_RuntimeChangeRestartsRunning(t *testing.T) {
	// ps -q reports a running container; everything else succeeds.
	bin, logFile := fakeDocker(t, `case "$2" in ps) echo abc123 ;; esac
exit 0`)
	a := NewComposeAction(composeUnit(t, false))

	res := a.Run(context.Background(), testDeps(bin))
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	calls := invocations(t, logFile)
	require.Len(t, calls, 2)
	assert.Equal(t, "compose ps -q", calls[0])
	assert.Equal(t, "compose restart", calls[1])
}

func TestComposeAction_RuntimeChangeUpsStopped(t *testing.T) {
	bin, logFile := fakeDocker(t, "exit 0")
	a := NewComposeAction(composeUnit(t, false))

	res := a.Run(context.Background(), testDeps(bin))
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	calls := invocations(t, logFile)
	require.Len(t, calls, 2)
	assert.Equal(t, "compose up -d --remove-orphans", calls[1])
}

func TestComposeAction_FailureCapturesOutput(t *testing.T) {
	bin, _ := fakeDocker(t, `echo "no such image" >&2
exit 17`)
	a := NewComposeAction(composeUnit(t, true))

	res := a.Run(context.Background(), testDeps(bin))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 17, res.ExitCode)
	assert.Contains(t, res.Detail, "no such image")
}

func TestPrune_FailureIsOnlyAWarning(t *testing.T) {
	bin, logFile := fakeDocker(t, "exit 1")
	Prune(context.Background(), testDeps(bin))

	calls := invocations(t, logFile)
	require.Len(t, calls, 1)
	assert.Equal(t, "system prune -af", calls[0])
}

func TestLastLines(t *testing.T) {
	long := strings.Repeat("line\n", 30)
	got := lastLines(long, 20)
	assert.Contains(t, got, "...(truncated)...")
	assert.Equal(t, "short", lastLines("short\n", 20))
}
