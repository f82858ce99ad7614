package prompt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// Catalog maps a role to its guidance text. The text is opaque
// configuration and is injected verbatim.
type Catalog map[domain.Role]string

type catalogFile struct {
	Roles map[string]string `yaml:"roles"`
}

// LoadCatalog reads a YAML file of the form
//
//	roles:
//	  design: |
//	    ...
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guidance catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML, rejecting unknown roles.
func ParseCatalog(data []byte) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse guidance catalog: %w", err)
	}
	c := make(Catalog, len(f.Roles))
	for name, text := range f.Roles {
		role, err := domain.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("guidance catalog: %w", err)
		}
		c[role] = text
	}
	return c, nil
}

// Builder binds a guidance catalog and ceiling to Build and records
// compaction metrics.
type Builder struct {
	catalog Catalog
	ceiling int
}

// NewBuilder creates a Builder. A ceiling <= 0 uses DefaultCeiling.
func NewBuilder(catalog Catalog, ceiling int) *Builder {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Builder{catalog: catalog, ceiling: ceiling}
}

// Ceiling returns the configured token ceiling.
func (b *Builder) Ceiling() int { return b.ceiling }

// Build fills in the role guidance and builds the prompt.
func (b *Builder) Build(task domain.Task, pod domain.Pod, w World) Prompt {
	if w.Guidance == "" {
		w.Guidance = b.catalog[pod.Role]
	}
	p := Build(task, pod, w, b.ceiling)
	if p.Level > LevelFull {
		telemetry.PromptCompactions.WithLabelValues(p.Level.String()).Inc()
	}
	telemetry.PromptTokens.Observe(float64(p.Tokens))
	return p
}
