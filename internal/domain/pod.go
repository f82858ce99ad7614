package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the specialisation of a pod.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleDesign       Role = "design"
	RoleFrontend     Role = "frontend"
	RoleBackend      Role = "backend"
	RoleCopy         Role = "copy"
	RoleMotion       Role = "motion"
	RoleAnimation    Role = "animation"
	Role3D           Role = "3d"
	RoleQA           Role = "qa"
	RoleResearch     Role = "research"
	RoleData         Role = "data"
	RoleDeployment   Role = "deployment"
)

// Roles lists every known role in a stable order.
var Roles = []Role{
	RoleOrchestrator, RoleDesign, RoleFrontend, RoleBackend, RoleCopy, RoleMotion,
	RoleAnimation, Role3D, RoleQA, RoleResearch, RoleData, RoleDeployment,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole normalises s into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r == "three_d" || r == "threed" {
		r = Role3D
	}
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// PodStatus is the lifecycle state of a pod.
type PodStatus string

const (
	PodInitializing PodStatus = "initializing"
	PodIdle         PodStatus = "idle"
	PodWorking      PodStatus = "working"
	PodCheckpoint   PodStatus = "checkpoint"
	PodWaiting      PodStatus = "waiting"
	PodComplete     PodStatus = "complete"
	PodFailed       PodStatus = "failed"
	PodTerminated   PodStatus = "terminated"
)

// HealthStatus is the health verdict for a pod.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
)

// PodHealth tracks failures of a pod.
type PodHealth struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
}

// PodUsage accumulates resources consumed by a pod.
type PodUsage struct {
	Tokens    int64         `json:"tokens"`
	APICalls  int64         `json:"api_calls"`
	WallClock time.Duration `json:"wall_clock"`
}

// ModelConfig is the backing model a pod was last routed to.
type ModelConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Pod is a pooled, role-specialised worker.
type Pod struct {
	ID            string      `json:"id"`
	Role          Role        `json:"role"`
	Status        PodStatus   `json:"status"`
	Health        PodHealth   `json:"health"`
	Usage         PodUsage    `json:"usage"`
	Tools         []string    `json:"tools,omitempty"`
	Model         ModelConfig `json:"model"`
	WorkOrderID   string      `json:"work_order_id,omitempty"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
