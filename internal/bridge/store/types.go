package store

import "time"

// InvitationState is the per-user status recorded while a room invitation
// is being fanned out to the bridge's invitee identities.
type InvitationState string

const (
	InvitationInvited InvitationState = "invited"
	InvitationJoined  InvitationState = "joined"
	InvitationFailed  InvitationState = "failed"
)

// AgentUserMapping is the durable record tying a Letta agent to its Matrix
// identity and (once provisioned) its private room. One row per agent_id;
// rows are never deleted, only updated in place.
type AgentUserMapping struct {
	AgentID          string
	AgentName        string
	MatrixUserID     string
	MatrixPassword   string // plaintext in memory; encrypted at rest
	Created          bool
	RoomID           string // empty until the room exists
	RoomCreated      bool
	InvitationStatus map[string]InvitationState
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SpaceConfig is the single process-wide record of the "Letta Agents" space.
type SpaceConfig struct {
	SpaceID   string
	Name      string
	CreatedAt time.Time
}
