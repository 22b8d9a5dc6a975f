package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeRunStarted       Type = "run_started"
	TypeRunCompleted     Type = "run_completed"
	TypeRunFailed        Type = "run_failed"
	TypeTaskCrownReady   Type = "task_crown_ready"
	TypeCrownEvaluating  Type = "crown_evaluating"
	TypeCrownEvalFailed  Type = "crown_evaluation_failed"
	TypeCrowned          Type = "crowned"
	TypeCrownSkipped     Type = "crown_skipped"
	TypePROpened         Type = "pr_opened"
	TypeSandboxStopped   Type = "sandbox_stopped"
	TypeSandboxScheduled Type = "sandbox_stop_scheduled"
)

// Channel is a domain-scoped Postgres NOTIFY channel.
// All event types within a domain share one LISTEN connection.
type Channel string

const (
	ChannelRun   Channel = "run"
	ChannelCrown Channel = "crown"
)

var typeToChannel = map[Type]Channel{
	TypeRunStarted:       ChannelRun,
	TypeRunCompleted:     ChannelRun,
	TypeRunFailed:        ChannelRun,
	TypeTaskCrownReady:   ChannelCrown,
	TypeCrownEvaluating:  ChannelCrown,
	TypeCrownEvalFailed:  ChannelCrown,
	TypeCrowned:          ChannelCrown,
	TypeCrownSkipped:     ChannelCrown,
	TypePROpened:         ChannelCrown,
	TypeSandboxStopped:   ChannelCrown,
	TypeSandboxScheduled: ChannelCrown,
}

// ChannelFor returns the domain channel for a given event type.
func ChannelFor(t Type) Channel { return typeToChannel[t] }

// Event carries identifiers only, not full state.
// Subscribers fetch fresh state from the state store.
type Event struct {
	Type      Type      `json:"type"`
	EntityID  uuid.UUID `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
}

func New(eventType Type, entityID uuid.UUID) Event {
	return Event{
		Type:      eventType,
		EntityID:  entityID,
		Timestamp: time.Now().UTC(),
	}
}
