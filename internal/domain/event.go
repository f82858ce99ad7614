package domain

import "time"

// EventType names a lifecycle event published by the scheduler.
type EventType string

const (
	EventWorkOrderCreated  EventType = "work_order.created"
	EventWorkOrderPlanned  EventType = "work_order.planned"
	EventWorkOrderStatus   EventType = "work_order.status"
	EventTaskStarted       EventType = "task.started"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskSkipped       EventType = "task.skipped"
	EventTaskRetried       EventType = "task.retried"
	EventPodReset          EventType = "pod.reset"
	EventPodTerminated     EventType = "pod.terminated"
	EventPauseRequested    EventType = "work_order.pause_requested"
	EventCheckpointReached EventType = "work_order.checkpoint"
	EventViolationRecorded EventType = "contract.violation"
	EventArtifactWritten   EventType = "artifact.written"
	EventDeliverableExport EventType = "work_order.exported"
)

// Event is a typed lifecycle notification.
type Event struct {
	Type        EventType       `json:"type"`
	WorkOrderID string          `json:"work_order_id"`
	TaskID      string          `json:"task_id,omitempty"`
	PodID       string          `json:"pod_id,omitempty"`
	Status      WorkOrderStatus `json:"status,omitempty"`
	Pause       *PauseRequest   `json:"pause,omitempty"`
	Violation   *Violation      `json:"violation,omitempty"`
	Artifact    string          `json:"artifact,omitempty"`
	Message     string          `json:"message,omitempty"`
	At          time.Time       `json:"at"`
}
