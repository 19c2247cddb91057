package queue

import (
	"context"
	"time"

	"retinalab/internal/util"
	"retinalab/pkg/domain"
)

// EventType names a study lifecycle event. It doubles as the AMQP routing key.
type EventType string

const (
	EventAnalysisStarted   EventType = "study.analysis_started"
	EventAnalysisCompleted EventType = "study.analysis_completed"
	EventAnalysisFailed    EventType = "study.analysis_failed"
)

// Event is published after a lifecycle transition commits.
type Event struct {
	ID         string             `json:"id"`
	Type       EventType          `json:"type"`
	StudyID    string             `json:"studyId"`
	OwnerID    string             `json:"ownerId"`
	Title      string             `json:"title"`
	StudyType  domain.StudyType   `json:"studyType"`
	Status     domain.StudyStatus `json:"status"`
	Detail     string             `json:"detail,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// NewStudyEvent snapshots a study into an event.
func NewStudyEvent(t EventType, s domain.Study, detail string) Event {
	return Event{
		ID:         util.NewID(),
		Type:       t,
		StudyID:    s.ID,
		OwnerID:    s.OwnerID,
		Title:      s.Title,
		StudyType:  s.StudyType,
		Status:     s.Status,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher emits lifecycle events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Handler consumes one event. A returned error schedules a retry.
type Handler func(ctx context.Context, ev Event) error

// Subscriber feeds events to a handler until ctx is done.
type Subscriber interface {
	Start(ctx context.Context, concurrency int, handler Handler) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
