package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/artifacts"
	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func testTask() domain.Task {
	return domain.Task{ID: "t1", Name: "Build landing page", Description: "Implement the hero section.", Role: domain.RoleFrontend}
}

func testPod() domain.Pod {
	return domain.Pod{ID: "pod-fe", Role: domain.RoleFrontend, Tools: []string{domain.ToolFileWrite}}
}

func testWorld() World {
	return World{
		WorkOrderID:   "wo-1",
		Objective:     "Ship a marketing site",
		Quality:       domain.QualityStandard,
		PhaseName:     "build",
		TimeRemaining: 30 * time.Minute,
		TimeTotal:     time.Hour,
		Budget:        Budget{TokensUsed: 100, MaxTokens: 1000},
		Guidance:      "Prefer semantic HTML.",
	}
}

func codeArtifact(size int) domain.Artifact {
	return domain.Artifact{
		Path:        "design/notes.md",
		Type:        domain.ArtifactReport,
		Version:     1,
		CreatorRole: domain.RoleDesign,
		Content:     "Notes:\n```css\n" + strings.Repeat("a", size) + "\n```\nend",
	}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestBuild_FullPromptSections(t *testing.T) {
	w := testWorld()
	w.Artifacts = artifacts.Selection{Artifacts: []domain.Artifact{codeArtifact(10)}}
	w.Messages = []domain.BusMessage{{From: "pod-design", Payload: domain.Question{Text: "need a logo?"}}}
	w.Answers = []domain.HumanAnswer{{Question: "Brand colour?", Answer: "teal", Fields: map[string]string{"primary": "#0aa"}}}

	p := Build(testTask(), testPod(), w, 0)

	assert.Equal(t, LevelFull, p.Level)
	for _, want := range []string{
		"frontend pod (pod-fe)",
		"Prefer semantic HTML.",
		"Ship a marketing site",
		"Build landing page",
		"30m0s of 1h0m0s",
		"Tokens used: 100 of 1000",
		"design/notes.md",
		"need a logo?",
		"A: teal",
		"primary: #0aa",
		"request_pause_and_ask",
		"Trust rules",
	} {
		assert.Contains(t, p.Text, want)
	}
	assert.Equal(t, EstimateTokens(p.Text), p.Tokens)
}

func TestBuild_CompactionOrder(t *testing.T) {
	w := testWorld()
	w.Artifacts = artifacts.Selection{Artifacts: []domain.Artifact{codeArtifact(8000)}}
	w.Messages = []domain.BusMessage{{From: "pod-x", Payload: domain.Result{Summary: strings.Repeat("m", 400)}}}

	p := Build(testTask(), testPod(), w, 1000)
	assert.Equal(t, LevelCodeOmitted, p.Level)
	assert.Contains(t, p.Text, CodeOmittedMarker)
	assert.Contains(t, p.Text, "Messages from other pods")

	w.Messages = []domain.BusMessage{{From: "pod-x", Payload: domain.Result{Summary: strings.Repeat("m", 8000)}}}
	p = Build(testTask(), testPod(), w, 1000)
	assert.Equal(t, LevelNoMessages, p.Level)
	assert.NotContains(t, p.Text, "Messages from other pods")

	w.Guidance = strings.Repeat("g", 8000)
	p = Build(testTask(), testPod(), w, 1000)
	assert.Equal(t, LevelMinimal, p.Level)
	assert.Contains(t, p.Text, "Build landing page")
	assert.Contains(t, p.Text, "Ship a marketing site")
	assert.Contains(t, p.Text, "standard")
}

func TestBuild_NeverExceedsCeiling(t *testing.T) {
	task := testTask()
	task.Description = strings.Repeat("very long description ", 5000)

	for _, ceiling := range []int{50, 200, 1000, 25_000} {
		p := Build(task, testPod(), testWorld(), ceiling)
		assert.LessOrEqual(t, p.Tokens, ceiling, "ceiling %d", ceiling)
		assert.LessOrEqual(t, EstimateTokens(p.Text), ceiling)
	}

	p := Build(task, testPod(), testWorld(), 1000)
	assert.Equal(t, LevelTruncated, p.Level)
	assert.Contains(t, p.Text, "[truncated]")
}

func TestOmitCodeBlocks_Idempotent(t *testing.T) {
	in := "intro\n```go\nfunc main() {}\n```\nmiddle\n```\nraw\n```\nend"
	once := OmitCodeBlocks(in)
	twice := OmitCodeBlocks(once)

	assert.Equal(t, once, twice)
	assert.Equal(t, 2, strings.Count(once, CodeOmittedMarker))
	assert.NotContains(t, once, "func main")
}

func TestBuild_CodeArtifactReplacedWhole(t *testing.T) {
	w := testWorld()
	w.Artifacts = artifacts.Selection{Artifacts: []domain.Artifact{{
		Path: "src/app.go", Type: domain.ArtifactCode, Version: 1, Content: strings.Repeat("x", 9000),
	}}}
	p := Build(testTask(), testPod(), w, 1000)
	assert.Equal(t, LevelCodeOmitted, p.Level)
	assert.NotContains(t, p.Text, strings.Repeat("x", 100))
}

func TestBuild_ManifestListed(t *testing.T) {
	w := testWorld()
	w.Artifacts = artifacts.Selection{Manifest: []artifacts.ManifestEntry{{Path: "big.json", Size: 90000, Version: 2, CreatorRole: domain.RoleData}}}
	p := Build(testTask(), testPod(), w, 0)
	assert.Contains(t, p.Text, "fetch_artifact")
	assert.Contains(t, p.Text, "big.json (v2, 90000 chars")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestParseCatalogAndBuilder(t *testing.T) {
	c, err := ParseCatalog([]byte("roles:\n  frontend: Use the design tokens.\n  three_d: Keep meshes light.\n"))
	require.NoError(t, err)
	assert.Equal(t, "Keep meshes light.", c[domain.Role3D])

	_, err = ParseCatalog([]byte("roles:\n  wizard: nope\n"))
	assert.Error(t, err)

	b := NewBuilder(c, 0)
	assert.Equal(t, DefaultCeiling, b.Ceiling())
	w := testWorld()
	w.Guidance = ""
	p := b.Build(testTask(), testPod(), w)
	assert.Contains(t, p.Text, "Use the design tokens.")
}
