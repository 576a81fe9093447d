package job

import (
	"github.com/google/uuid"

	"acousticsbake/pkg/cloudevent"
)

// Event types for bake lifecycle notifications
const (
	EventTypeSubmitted = "acoustics.bake.submitted"
	EventTypeCompleted = "acoustics.bake.completed"
	EventTypeFailed    = "acoustics.bake.failed"
	EventTypeCancelled = "acoustics.bake.cancelled"
	EventTypeImport    = "acoustics.bake.import"
)

// EventSource is the CloudEvent source of every lifecycle event.
const EventSource = "acousticsbake/agent"

// EventBuilder builds CloudEvents for one job. The subject is the
// submission prefix, which exists before the service issues a job ID.
type EventBuilder struct {
	subject string
	jobID   string
}

// NewEventBuilder creates an EventBuilder for the job identified by prefix.
func NewEventBuilder(prefix, jobID string) *EventBuilder {
	return &EventBuilder{subject: prefix, jobID: jobID}
}

// Build creates a new CloudEvent with the given type and data. The prefix
// and job ID are always part of the data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	if data == nil {
		data = make(map[string]any, 2)
	}
	data["prefix"] = b.subject
	if b.jobID != "" {
		data["jobId"] = b.jobID
	}
	return cloudevent.New(eventType, EventSource, b.subject, uuid.NewString(), data)
}

// BuildSubmittedEvent creates a job submitted event.
func (b *EventBuilder) BuildSubmittedEvent(estimateMinutes float64) *cloudevent.CloudEvent {
	data := map[string]any{}
	if estimateMinutes > 0 {
		data["estimatedMinutes"] = estimateMinutes
	}
	return b.Build(EventTypeSubmitted, data)
}

// BuildCompletedEvent creates a job completed event.
func (b *EventBuilder) BuildCompletedEvent(resultPath string) *cloudevent.CloudEvent {
	return b.Build(EventTypeCompleted, map[string]any{"resultPath": resultPath})
}

// BuildFailedEvent creates a job failed event.
func (b *EventBuilder) BuildFailedEvent(err error) *cloudevent.CloudEvent {
	data := map[string]any{}
	if err != nil {
		data["error"] = err.Error()
	}
	return b.Build(EventTypeFailed, data)
}

// BuildCancelledEvent creates a job cancelled event.
func (b *EventBuilder) BuildCancelledEvent(deleteErr error) *cloudevent.CloudEvent {
	data := map[string]any{"remoteDeleted": deleteErr == nil}
	if deleteErr != nil {
		data["error"] = deleteErr.Error()
	}
	return b.Build(EventTypeCancelled, data)
}

// BuildImportEvent asks the host editor to import a downloaded result.
func (b *EventBuilder) BuildImportEvent(resultPath string) *cloudevent.CloudEvent {
	return b.Build(EventTypeImport, map[string]any{"resultPath": resultPath})
}
