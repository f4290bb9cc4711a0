package events

import (
	"encoding/json"
	"fmt"
	"time"

	"task-orchestrator/internal/models"
)

const (
	KindTaskStatus     = "task.status"
	KindResourceStatus = "resource.status"
)

// Event is the envelope published on the event topic.
type Event struct {
	Kind     string                `json:"kind"`
	At       time.Time             `json:"at"`
	Task     *TaskStatusPayload     `json:"task,omitempty"`
	Resource *ResourceStatusPayload `json:"resource,omitempty"`
}

// TaskStatusPayload reports a task status change made by the scheduler loop.
type TaskStatusPayload struct {
	TaskID     uint              `json:"task_id"`
	InstanceID *uint             `json:"instance_id,omitempty"`
	UserID     uint              `json:"user_id"`
	From       models.TaskStatus `json:"from"`
	To         models.TaskStatus `json:"to"`
	Message    string            `json:"message"`
	ResourceID *uint             `json:"resource_id,omitempty"`
}

// ResourceStatusPayload reports a resource health change.
type ResourceStatusPayload struct {
	ResourceID uint                  `json:"resource_id"`
	From       models.ResourceStatus `json:"from"`
	To         models.ResourceStatus `json:"to"`
	Message    string                `json:"message"`
	Active     bool                  `json:"active"`
}

// Key is the partitioning key: all events for one task (or resource) stay ordered.
func (e Event) Key() string {
	switch {
	case e.Task != nil:
		return "task:" + itoa(e.Task.TaskID)
	case e.Resource != nil:
		return "resource:" + itoa(e.Resource.ResourceID)
	}
	return e.Kind
}

// Decode parses one message value published by KafkaEmitter.
func Decode(value []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.Task == nil && ev.Resource == nil {
		return ev, fmt.Errorf("event %q carries no payload", ev.Kind)
	}
	return ev, nil
}

// String renders the event as one log line.
func (e Event) String() string {
	at := e.At.Format(time.RFC3339)
	switch {
	case e.Task != nil:
		return fmt.Sprintf("%s task %d: %s -> %s: %s", at, e.Task.TaskID, e.Task.From, e.Task.To, e.Task.Message)
	case e.Resource != nil:
		s := fmt.Sprintf("%s resource %d: %s -> %s: %s", at, e.Resource.ResourceID, e.Resource.From, e.Resource.To, e.Resource.Message)
		if !e.Resource.Active {
			s += " (inactive)"
		}
		return s
	}
	return at + " " + e.Kind
}
