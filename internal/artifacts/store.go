// Package artifacts is the append-only, versioned store of pod outputs for
// one work order, with the per-role visibility policy.
package artifacts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// DefaultQABudget is the number of content characters a QA selection may
// carry before the remainder is listed in the manifest.
const DefaultQABudget = 60_000

// ManifestEntry describes an artifact whose content was left out of a
// selection.
type ManifestEntry struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	Size        int         `json:"size"`
	Version     int         `json:"version"`
	CreatedBy   string      `json:"created_by"`
	CreatorRole domain.Role `json:"creator_role"`
}

// Selection is what one pod gets to see.
type Selection struct {
	Artifacts []domain.Artifact
	Manifest  []ManifestEntry
}

// Store keeps every artifact ever written. Nothing is mutated or removed.
type Store struct {
	workOrderID string
	qaBudget    int
	now         func() time.Time

	mu     sync.RWMutex
	all    []domain.Artifact // write order
	byID   map[string]int
	byPath map[string][]int
}

// Option configures a Store.
type Option func(*Store)

// WithQABudget overrides DefaultQABudget.
func WithQABudget(chars int) Option {
	return func(s *Store) {
		if chars > 0 {
			s.qaBudget = chars
		}
	}
}

// New creates an empty store for workOrderID.
func New(workOrderID string, opts ...Option) *Store {
	s := &Store{
		workOrderID: workOrderID,
		qaBudget:    DefaultQABudget,
		now:         time.Now,
		byID:        make(map[string]int),
		byPath:      make(map[string][]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put appends a new artifact and returns it with ID, version and supersedes
// filled in. A write to an existing path supersedes the previous version:
// last write wins, and the earlier versions stay in History.
func (s *Store) Put(a domain.Artifact) (domain.Artifact, error) {
	if a.Key() == "" {
		return domain.Artifact{}, fmt.Errorf("artifact needs a name or path")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, dup := s.byID[a.ID]; dup {
		return domain.Artifact{}, fmt.Errorf("artifact %s already stored", a.ID)
	}
	if a.Name == "" {
		a.Name = a.Path
	}
	if a.Type == "" {
		a.Type = domain.ArtifactFile
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.WorkOrderID = s.workOrderID

	key := a.Key()
	a.Version = 1
	a.Supersedes = ""
	if hist := s.byPath[key]; len(hist) > 0 {
		prev := s.all[hist[len(hist)-1]]
		a.Version = prev.Version + 1
		a.Supersedes = prev.ID
	}

	s.all = append(s.all, a)
	idx := len(s.all) - 1
	s.byID[a.ID] = idx
	s.byPath[key] = append(s.byPath[key], idx)
	return a, nil
}

// Load restores previously persisted artifacts in their original write
// order, keeping their IDs and versions.
func (s *Store) Load(items []domain.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range items {
		if _, dup := s.byID[a.ID]; dup {
			continue
		}
		s.all = append(s.all, a)
		idx := len(s.all) - 1
		s.byID[a.ID] = idx
		s.byPath[a.Key()] = append(s.byPath[a.Key()], idx)
	}
}

// Get returns an artifact by ID.
func (s *Store) Get(id string) (domain.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return domain.Artifact{}, false
	}
	return s.all[idx], true
}

// Latest returns the newest version at path.
func (s *Store) Latest(path string) (domain.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.byPath[path]
	if len(hist) == 0 {
		return domain.Artifact{}, false
	}
	return s.all[hist[len(hist)-1]], true
}

// History returns every version at path, oldest first.
func (s *Store) History(path string) []domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Artifact, 0, len(s.byPath[path]))
	for _, idx := range s.byPath[path] {
		out = append(out, s.all[idx])
	}
	return out
}

// All returns every artifact in write order.
func (s *Store) All() []domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Artifact(nil), s.all...)
}

// LatestAll returns the newest version of every path in write order.
func (s *Store) LatestAll() []domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Artifact
	for i, a := range s.all {
		hist := s.byPath[a.Key()]
		if hist[len(hist)-1] == i {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of stored artifacts including superseded ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.all)
}

// SelectRelevant applies the visibility policy for a pod of role working in
// the phase at phaseIndex, newest first.
//
// QA pods see every artifact, superseded versions included, until the
// character budget runs out; the rest is listed in the manifest so it can be
// fetched on demand. Other pods see the latest version of artifacts from the
// same phase, the previous phase, and anything an orchestrator wrote.
func (s *Store) SelectRelevant(role domain.Role, phaseIndex int) Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if role == domain.RoleQA {
		return s.selectForQA()
	}

	var sel Selection
	for i := len(s.all) - 1; i >= 0; i-- {
		a := s.all[i]
		hist := s.byPath[a.Key()]
		if hist[len(hist)-1] != i {
			continue
		}
		if a.PhaseIndex == phaseIndex || a.PhaseIndex == phaseIndex-1 || a.CreatorRole == domain.RoleOrchestrator {
			sel.Artifacts = append(sel.Artifacts, a)
		}
	}
	sortNewestFirst(sel.Artifacts)
	return sel
}

func (s *Store) selectForQA() Selection {
	ordered := make([]domain.Artifact, 0, len(s.all))
	for i := len(s.all) - 1; i >= 0; i-- {
		ordered = append(ordered, s.all[i])
	}
	sortNewestFirst(ordered)

	var sel Selection
	used, full := 0, false
	for _, a := range ordered {
		if !full && used+a.Size() <= s.qaBudget {
			sel.Artifacts = append(sel.Artifacts, a)
			used += a.Size()
			continue
		}
		full = true
		sel.Manifest = append(sel.Manifest, ManifestEntry{
			ID:          a.ID,
			Name:        a.Name,
			Path:        a.Path,
			Size:        a.Size(),
			Version:     a.Version,
			CreatedBy:   a.CreatedBy,
			CreatorRole: a.CreatorRole,
		})
	}
	return sel
}

// sortNewestFirst orders by creation time, newest first. Input must already
// be in reverse write order so equal timestamps stay newest first.
func sortNewestFirst(items []domain.Artifact) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
