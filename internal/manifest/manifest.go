// Package manifest loads and validates the fleet manifest (sync.yml),
// which maps repository paths to deployable service units.
package manifest

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileName is the manifest's fixed location under the fleet root.
const FileName = "sync.yml"

// ErrNotFound is returned by Load when the fleet root has no manifest.
var ErrNotFound = errors.New("manifest not found")

// InvalidError wraps every validation problem found in a manifest.
// Load reports all of them at once rather than stopping at the first.
type InvalidError struct {
	Err error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid manifest: %v", e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// ServiceUnit is one deployable group of containers. Changes under any
// of its Paths trigger its redeployment. WorkingDir is where the
// deployment action runs; it is resolved at load time and always lies
// under the fleet root.
type ServiceUnit struct {
	Name       string   `yaml:"name"`
	Paths      []string `yaml:"paths"`
	WorkingDir string   `yaml:"-"`
}

// Manifest is the ordered collection of service units declared in
// sync.yml. Declaration order is the plan and report order.
type Manifest struct {
	Services []ServiceUnit `yaml:"services"`
}

// Load reads and validates the manifest under fleetRoot.
// It returns ErrNotFound if the file is absent and *InvalidError if
// the content fails validation.
func Load(fleetRoot string) (*Manifest, error) {
	p := filepath.Join(fleetRoot, FileName)
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, p)
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening manifest")
	}
	defer func() { _ = f.Close() }()

	var m Manifest
	dec := yaml.NewDecoder(f)
	// Reject unknown keys so a typo fails at load time instead of
	// silently deploying nothing.
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, &InvalidError{Err: errors.Wrap(err, "parsing yaml")}
	}

	if err := m.validate(fleetRoot); err != nil {
		return nil, &InvalidError{Err: err}
	}
	return &m, nil
}

// validate checks the whole manifest and accumulates every problem.
func (m *Manifest) validate(fleetRoot string) error {
	var result *multierror.Error

	if len(m.Services) == 0 {
		result = multierror.Append(result, errors.New("no services declared"))
	}

	seen := map[string]bool{}
	for i := range m.Services {
		u := &m.Services[i]
		if u.Name == "" {
			result = multierror.Append(result, fmt.Errorf("service #%d: empty name", i))
			continue
		}
		if seen[u.Name] {
			result = multierror.Append(result, fmt.Errorf("service %q: duplicate name", u.Name))
		}
		seen[u.Name] = true

		if len(u.Paths) == 0 {
			result = multierror.Append(result, fmt.Errorf("service %q: no paths declared", u.Name))
			continue
		}
		for j, raw := range u.Paths {
			cleaned, err := cleanRelPath(raw)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("service %q: path %q: %v", u.Name, raw, err))
				continue
			}
			u.Paths[j] = cleaned
		}

		u.WorkingDir = filepath.Join(fleetRoot, filepath.FromSlash(u.Paths[0]))
		if info, err := os.Stat(u.WorkingDir); err != nil || !info.IsDir() {
			result = multierror.Append(result, fmt.Errorf("service %q: working directory %s does not exist", u.Name, u.WorkingDir))
		}
	}

	// Overlapping paths between two services would make change
	// attribution ambiguous, so they are a load error.
	for i := 0; i < len(m.Services); i++ {
		for j := i + 1; j < len(m.Services); j++ {
			a, b := m.Services[i], m.Services[j]
			if pa, pb, ok := overlap(a.Paths, b.Paths); ok {
				result = multierror.Append(result,
					fmt.Errorf("services %q and %q declare overlapping paths (%s, %s)", a.Name, b.Name, pa, pb))
			}
		}
	}

	return result.ErrorOrNil()
}

// cleanRelPath normalizes a declared path to a slash-separated,
// root-relative form and rejects anything that escapes the fleet root.
func cleanRelPath(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty path")
	}
	if strings.HasPrefix(raw, "/") {
		return "", errors.New("must be relative to the fleet root")
	}
	cleaned := path.Clean(filepath.ToSlash(raw))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("escapes the fleet root")
	}
	if cleaned == "." {
		return "", errors.New("refers to the fleet root itself")
	}
	return cleaned, nil
}

func overlap(as, bs []string) (string, string, bool) {
	for _, a := range as {
		for _, b := range bs {
			if a == b || Under(a, b) || Under(b, a) {
				return a, b, true
			}
		}
	}
	return "", "", false
}

// Under reports whether file equals dir or lies beneath it. Both are
// cleaned slash-separated paths; matching is per path component, so
// "services/webapp" is not under "services/web".
func Under(file, dir string) bool {
	return file == dir || strings.HasPrefix(file, dir+"/")
}
