package job

import (
	"fmt"
	"slices"
	"time"

	"jobplane/pkg/cloudevent"
)

// Event types for job lifecycle callbacks
const (
	EventTypeResolved = "jobplane.job.resolved"
	EventTypeClaimed  = "jobplane.job.claimed"
	EventTypeStarted  = "jobplane.job.started"
	EventTypeFinished = "jobplane.job.finished"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source  string
	subject string
	user    string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(jobID, source, user string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: jobID,
		user:    user,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", b.subject, time.Now().UnixNano())
	return cloudevent.New(eventType, b.source, b.subject, eventID, data)
}

// BuildResolvedEvent creates an event recording the chosen placement.
func (b *EventBuilder) BuildResolvedEvent(clusterName, commandName, criteriaString string) *cloudevent.CloudEvent {
	return b.Build(EventTypeResolved, map[string]any{
		"jobId":    b.subject,
		"user":     b.user,
		"cluster":  clusterName,
		"command":  commandName,
		"criteria": criteriaString,
	})
}

// BuildClaimedEvent creates an event recording the claiming host.
func (b *EventBuilder) BuildClaimedEvent(hostName string) *cloudevent.CloudEvent {
	return b.Build(EventTypeClaimed, map[string]any{
		"jobId": b.subject,
		"user":  b.user,
		"host":  hostName,
	})
}

// BuildStartedEvent creates an event for the process-start report.
func (b *EventBuilder) BuildStartedEvent() *cloudevent.CloudEvent {
	return b.Build(EventTypeStarted, map[string]any{
		"jobId": b.subject,
		"user":  b.user,
	})
}

// BuildFinishedEvent creates an event for a terminal transition.
func (b *EventBuilder) BuildFinishedEvent(status Status, message string, exitCode *int) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":  b.subject,
		"user":   b.user,
		"status": string(status),
	}
	if message != "" {
		data["message"] = message
	}
	if exitCode != nil {
		data["exitCode"] = *exitCode
	}
	return b.Build(EventTypeFinished, data)
}
