// Package plan resolves a change set against the manifest into the
// ordered list of service units to redeploy.
package plan

import (
	"regexp"

	"github.com/fleetsync/fleetsync/internal/gitdiff"
	"github.com/fleetsync/fleetsync/internal/manifest"
)

// buildRelevant matches files whose change invalidates built images:
// Dockerfiles, python requirements, and the compose definition itself.
var buildRelevant = regexp.MustCompile(`(?i)(^|/)(Dockerfile|requirements(\.txt)?$|compose\.ya?ml$)`)

// Unit is one planned deployment: the service plus the changed paths
// that selected it. Rebuild is set when any of those paths is
// build-relevant, switching the action from a restart to a full
// `up --build`.
type Unit struct {
	manifest.ServiceUnit
	Changed []string
	Rebuild bool
}

// Plan is the ordered selection of units for one run. Order is
// manifest declaration order.
type Plan struct {
	Units    []Unit
	Degraded bool
}

// Empty reports whether the run has nothing to do.
func (p Plan) Empty() bool { return len(p.Units) == 0 }

// Names returns the planned unit names in order.
func (p Plan) Names() []string {
	names := make([]string, len(p.Units))
	for i, u := range p.Units {
		names[i] = u.Name
	}
	return names
}

// Resolve selects every manifest service with at least one declared
// path touched by the change set, preserving manifest order. A
// degraded change set selects the whole fleet, with a rebuild, since
// nothing narrower can be proven safe.
func Resolve(m *manifest.Manifest, cs gitdiff.ChangeSet) Plan {
	p := Plan{Degraded: cs.Degraded}
	for _, svc := range m.Services {
		if cs.Degraded {
			p.Units = append(p.Units, Unit{ServiceUnit: svc, Rebuild: true})
			continue
		}
		matched := match(svc, cs.Paths)
		if len(matched) == 0 {
			continue
		}
		p.Units = append(p.Units, Unit{
			ServiceUnit: svc,
			Changed:     matched,
			Rebuild:     anyBuildRelevant(matched),
		})
	}
	return p
}

func match(svc manifest.ServiceUnit, changed []string) []string {
	var matched []string
	for _, file := range changed {
		for _, dir := range svc.Paths {
			if manifest.Under(file, dir) {
				matched = append(matched, file)
				break
			}
		}
	}
	return matched
}

func anyBuildRelevant(files []string) bool {
	for _, f := range files {
		if buildRelevant.MatchString(f) {
			return true
		}
	}
	return false
}
