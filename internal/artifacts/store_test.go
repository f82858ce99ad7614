package artifacts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(opts ...Option) *Store {
	s := New("wo-1", opts...)
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s
}

func put(t *testing.T, s *Store, path string, role domain.Role, phase int, content string) domain.Artifact {
	t.Helper()
	a, err := s.Put(domain.Artifact{
		Path:        path,
		Content:     content,
		CreatedBy:   "pod-" + string(role),
		CreatorRole: role,
		PhaseIndex:  phase,
	})
	require.NoError(t, err)
	return a
}

func paths(items []domain.Artifact) []string {
	out := make([]string, 0, len(items))
	for _, a := range items {
		out = append(out, a.Path)
	}
	return out
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestPut_VersionsSamePath(t *testing.T) {
	s := newTestStore()
	v1 := put(t, s, "src/app.go", domain.RoleBackend, 1, "v1")
	v2 := put(t, s, "src/app.go", domain.RoleBackend, 1, "v2")

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ID, v2.Supersedes)
	assert.Equal(t, "wo-1", v2.WorkOrderID)

	latest, ok := s.Latest("src/app.go")
	require.True(t, ok)
	assert.Equal(t, "v2", latest.Content, "last write wins")
	assert.Len(t, s.History("src/app.go"), 2, "provenance is retained")

	got, ok := s.Get(v1.ID)
	require.True(t, ok)
	assert.Equal(t, "v1", got.Content)
}

func TestPut_RequiresKey(t *testing.T) {
	s := newTestStore()
	_, err := s.Put(domain.Artifact{Content: "x"})
	assert.Error(t, err)
}

// Build depends on Design; Build must see exactly Design's one artifact.
func TestSelectRelevant_DesignThenBuild(t *testing.T) {
	s := newTestStore()
	put(t, s, "design/tokens.json", domain.RoleDesign, 0, `{"primary":"#123"}`)

	sel := s.SelectRelevant(domain.RoleFrontend, 1)
	require.Len(t, sel.Artifacts, 1)
	assert.Equal(t, "design/tokens.json", sel.Artifacts[0].Path)
	assert.Empty(t, sel.Manifest)
}

func TestSelectRelevant_NonQAVisibilityBound(t *testing.T) {
	s := newTestStore()
	put(t, s, "brief.md", domain.RoleOrchestrator, 0, "brief")
	put(t, s, "research.md", domain.RoleResearch, 0, "r")
	put(t, s, "design.fig", domain.RoleDesign, 1, "d")
	put(t, s, "index.html", domain.RoleFrontend, 2, "old")
	put(t, s, "index.html", domain.RoleFrontend, 2, "new")

	sel := s.SelectRelevant(domain.RoleBackend, 2)

	assert.Equal(t, []string{"index.html", "design.fig", "brief.md"}, paths(sel.Artifacts))
	assert.Equal(t, "new", sel.Artifacts[0].Content, "only the latest version is shown")

	phases := map[int]bool{}
	for _, a := range sel.Artifacts {
		if a.CreatorRole != domain.RoleOrchestrator {
			phases[a.PhaseIndex] = true
		}
	}
	assert.LessOrEqual(t, len(phases), 2)
}

func TestSelectRelevant_QASeesHistoryWithinBudget(t *testing.T) {
	s := newTestStore(WithQABudget(10))
	put(t, s, "a.txt", domain.RoleCopy, 0, "aaaaaa")
	put(t, s, "b.txt", domain.RoleCopy, 0, "bbbb")
	put(t, s, "b.txt", domain.RoleCopy, 1, "BBBB")

	sel := s.SelectRelevant(domain.RoleQA, 3)

	require.Len(t, sel.Artifacts, 2)
	assert.Equal(t, "BBBB", sel.Artifacts[0].Content)
	assert.Equal(t, "bbbb", sel.Artifacts[1].Content, "QA sees superseded versions")
	require.Len(t, sel.Manifest, 1)
	assert.Equal(t, "a.txt", sel.Manifest[0].Path)
	assert.Equal(t, 6, sel.Manifest[0].Size)
}

func TestLoad_RestoresWithoutRenumbering(t *testing.T) {
	src := newTestStore()
	put(t, src, "x.md", domain.RoleCopy, 0, "one")
	put(t, src, "x.md", domain.RoleCopy, 0, "two")

	dst := newTestStore()
	dst.Load(src.All())
	dst.Load(src.All())

	assert.Equal(t, 2, dst.Len())
	next := put(t, dst, "x.md", domain.RoleCopy, 0, "three")
	assert.Equal(t, 3, next.Version)
	assert.Len(t, dst.LatestAll(), 1)
}

func TestSelectRelevant_NewestFirst(t *testing.T) {
	s := newTestStore()
	for _, p := range []string{"1", "2", "3"} {
		put(t, s, p+".md", domain.RoleDesign, 0, strings.Repeat(p, 3))
	}
	sel := s.SelectRelevant(domain.RoleDesign, 0)
	assert.Equal(t, []string{"3.md", "2.md", "1.md"}, paths(sel.Artifacts))
}
