package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetsync/fleetsync/internal/gitdiff"
	"github.com/fleetsync/fleetsync/internal/manifest"
)

func fleet() *manifest.Manifest {
	return &manifest.Manifest{Services: []manifest.ServiceUnit{
		{Name: "web", Paths: []string{"services/web"}},
		{Name: "db", Paths: []string{"services/db"}},
	}}
}

func TestResolve_SelectsOnlyMatchingServices(t *testing.T) {
	p := Resolve(fleet(), gitdiff.ChangeSet{Paths: []string{"services/web/docker-compose.yml"}})
	assert.Equal(t, []string{"web"}, p.Names())
	assert.Equal(t, []string{"services/web/docker-compose.yml"}, p.Units[0].Changed)
}

func TestResolve_EmptyChangeSet(t *testing.T) {
	p := Resolve(fleet(), gitdiff.ChangeSet{})
	assert.True(t, p.Empty())
}

func TestResolve_PreservesManifestOrder(t *testing.T) {
	p := Resolve(fleet(), gitdiff.ChangeSet{Paths: []string{"services/db/y", "services/web/x"}})
	assert.Equal(t, []string{"web", "db"}, p.Names())
}

func TestResolve_NoDuplicateUnits(t *testing.T) {
	p := Resolve(fleet(), gitdiff.ChangeSet{Paths: []string{"services/web/a", "services/web/b"}})
	assert.Equal(t, []string{"web"}, p.Names())
	assert.Len(t, p.Units[0].Changed, 2)
}

func TestResolve_PrefixMatchIsComponentWise(t *testing.T) {
	m := &manifest.Manifest{Services: []manifest.ServiceUnit{
		{Name: "web", Paths: []string{"services/web"}},
	}}
	p := Resolve(m, gitdiff.ChangeSet{Paths: []string{"services/webapp/compose.yaml"}})
	assert.True(t, p.Empty())
}

func TestResolve_ExactPathMatch(t *testing.T) {
	m := &manifest.Manifest{Services: []manifest.ServiceUnit{
		{Name: "web", Paths: []string{"services/web/compose.yaml"}},
	}}
	p := Resolve(m, gitdiff.ChangeSet{Paths: []string{"services/web/compose.yaml"}})
	assert.Equal(t, []string{"web"}, p.Names())
}

func TestResolve_DegradedSelectsEverything(t *testing.T) {
	p := Resolve(fleet(), gitdiff.ChangeSet{Degraded: true, Reason: "history rewritten"})
	assert.Equal(t, []string{"web", "db"}, p.Names())
	assert.True(t, p.Degraded)
	for _, u := range p.Units {
		assert.True(t, u.Rebuild)
	}
}

func TestResolve_RebuildClassification(t *testing.T) {
	cases := []struct {
		file    string
		rebuild bool
	}{
		{"services/web/Dockerfile", true},
		{"services/web/Dockerfile.prod", true},
		{"services/web/compose.yaml", true},
		{"services/web/compose.yml", true},
		{"services/web/requirements.txt", true},
		{"services/web/requirements", true},
		{"services/web/conf/app.toml", false},
		{"services/web/static/index.html", false},
	}
	for _, c := range cases {
		p := Resolve(fleet(), gitdiff.ChangeSet{Paths: []string{c.file}})
		if assert.Len(t, p.Units, 1, c.file) {
			assert.Equal(t, c.rebuild, p.Units[0].Rebuild, c.file)
		}
	}
}
