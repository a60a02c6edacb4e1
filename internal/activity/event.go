package activity

import (
	"strings"
	"time"
)

// Role is the organizational role recorded on an event.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleLeader     Role = "leader"
	RoleSalesAgent Role = "sales_agent"
	RoleSystem     Role = "system"
)

// Event is one immutable entry of the activity log.
type Event struct {
	ID          string    `json:"id"`
	OccurredAt  time.Time `json:"occurred_at"`
	ActorID     string    `json:"actor_id,omitempty"` // empty for system events
	ActorRole   Role      `json:"actor_role,omitempty"`
	PerformedBy string    `json:"performed_by,omitempty"`
	Action      string    `json:"action"`
	TargetType  string    `json:"target_type"`
	TargetID    string    `json:"target_id,omitempty"`
	TargetLabel string    `json:"target_label,omitempty"`
	ActorLabel  string    `json:"actor_label,omitempty"`
	Details     Details   `json:"details"`
}

// AgentRef returns the secondary agent id embedded in the payload, if any.
func (e Event) AgentRef() string {
	return e.Details.ref("agent_id")
}

// LeaderRef returns the lead id embedded in the payload, if any.
func (e Event) LeaderRef() string {
	return e.Details.ref("leader_id")
}

// Humanize turns a snake_case tag into words.
func Humanize(tag string) string {
	return strings.ReplaceAll(tag, "_", " ")
}
