package job

import (
	"errors"
	"testing"

	"acousticsbake/pkg/cloudevent"
)

func TestEventBuilder(t *testing.T) {
	t.Parallel()
	b := NewEventBuilder(testPrefix, "job-1")

	tests := []struct {
		name     string
		build    func() *cloudevent.CloudEvent
		wantType string
		wantKey  string
	}{
		{
			name:     "completed",
			build:    func() *cloudevent.CloudEvent { return b.BuildCompletedEvent("/results/x.ace") },
			wantType: EventTypeCompleted,
			wantKey:  "resultPath",
		},
		{
			name:     "failed",
			build:    func() *cloudevent.CloudEvent { return b.BuildFailedEvent(errors.New("boom")) },
			wantType: EventTypeFailed,
			wantKey:  "error",
		},
		{
			name:     "cancelled",
			build:    func() *cloudevent.CloudEvent { return b.BuildCancelledEvent(nil) },
			wantType: EventTypeCancelled,
			wantKey:  "remoteDeleted",
		},
		{
			name:     "import",
			build:    func() *cloudevent.CloudEvent { return b.BuildImportEvent("/results/x.ace") },
			wantType: EventTypeImport,
			wantKey:  "resultPath",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := tt.build()
			if ev.Type != tt.wantType {
				t.Errorf("type = %s, want %s", ev.Type, tt.wantType)
			}
			data := ev.Data
			if data["prefix"] != testPrefix || data["jobId"] != "job-1" {
				t.Errorf("data = %v, want prefix and job id", data)
			}
			if _, ok := data[tt.wantKey]; !ok {
				t.Errorf("data = %v, missing %q", data, tt.wantKey)
			}
		})
	}

	ev := b.Build(EventTypeSubmitted, nil)
	if ev.Subject != testPrefix || ev.Source != EventSource || ev.ID == "" {
		t.Errorf("event = %+v", ev)
	}
	if other := b.Build(EventTypeSubmitted, nil); other.ID == ev.ID {
		t.Error("event IDs are not unique")
	}
}

func TestSubmittedEventWithoutJobID(t *testing.T) {
	t.Parallel()
	ev := NewEventBuilder(testPrefix, "").BuildSubmittedEvent(0)
	if _, ok := ev.Data["jobId"]; ok {
		t.Errorf("data = %v, want no jobId", ev.Data)
	}
	if _, ok := ev.Data["estimatedMinutes"]; ok {
		t.Errorf("data = %v, want no estimate", ev.Data)
	}
}
