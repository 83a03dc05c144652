// Package golden compares rendered output against checked-in golden
// files. Run tests with -update to regenerate them.
package golden

import (
	"flag"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

var Update = flag.Bool("update", false, "update golden files")

// TestdataDir returns the testdata directory next to the calling test
// file.
func TestdataDir(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		t.Fatalf("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(filename), "testdata")
}

// Assert compares got against the named golden file, rewriting the
// file instead when -update is set.
func Assert(t *testing.T, testdataDir, name, got string) {
	t.Helper()
	if *Update {
		Write(t, testdataDir, name, got)
		return
	}
	want := Read(t, testdataDir, name)
	if got != want {
		t.Errorf("golden mismatch for %s\n--- want ---\n%s\n--- got ---\n%s", name, want, got)
	}
}

func Read(t *testing.T, testdataDir, name string) string {
	t.Helper()
	safeName(t, name)

	path := filepath.Join(testdataDir, name+".golden")
	data, err := os.ReadFile(path) //nolint:gosec // testdata path controlled by test
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("read golden %s: %v", path, err)
	}
	return string(data)
}

func Write(t *testing.T, testdataDir, name, content string) {
	t.Helper()
	safeName(t, name)

	if err := os.MkdirAll(testdataDir, 0o750); err != nil {
		t.Fatalf("mkdir testdata: %v", err)
	}
	path := filepath.Join(testdataDir, name+".golden")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write golden %s: %v", path, err)
	}
}

func safeName(t *testing.T, name string) {
	t.Helper()
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		t.Fatalf("invalid golden name %q", name)
	}
}
