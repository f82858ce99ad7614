package domain

import "time"

// ArtifactType classifies artifact content.
type ArtifactType string

const (
	ArtifactFile   ArtifactType = "file"
	ArtifactCode   ArtifactType = "code"
	ArtifactReport ArtifactType = "report"
	ArtifactPlan   ArtifactType = "plan"
	ArtifactDesign ArtifactType = "design"
	ArtifactData   ArtifactType = "data"
)

// Artifact is an immutable, attributed output produced by a pod. An edit is
// a new Artifact at the same Path whose Supersedes points at the prior one.
type Artifact struct {
	ID          string       `json:"id"`
	WorkOrderID string       `json:"work_order_id"`
	Name        string       `json:"name"`
	Path        string       `json:"path"`
	Type        ArtifactType `json:"type"`
	Content     string       `json:"content"`
	CreatedBy   string       `json:"created_by"`
	CreatorRole Role         `json:"creator_role"`
	PhaseIndex  int          `json:"phase_index"`
	TaskID      string       `json:"task_id,omitempty"`
	Version     int          `json:"version"`
	Supersedes  string       `json:"supersedes,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Size returns the content length in bytes.
func (a Artifact) Size() int { return len(a.Content) }

// Key returns the identity used for last-write-wins: the path when set,
// otherwise the name.
func (a Artifact) Key() string {
	if a.Path != "" {
		return a.Path
	}
	return a.Name
}
