package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/store"
)

// historySeedCount is N in §4.4.2: the number of recent step messages
// replayed into a freshly created room.
const historySeedCount = 15

// Invitee is a bridge identity auto-invited (and auto-joined) into every
// agent room: the admin, the main bot (when it is not also the admin), and
// the MCP bot when one is configured. No mail-bridge identity is invited.
type Invitee struct {
	UserID   string
	Password string
}

// RoomManagerConfig configures per-agent room provisioning.
type RoomManagerConfig struct {
	Homeserver string
	ServerName string
	Invitees   []Invitee
}

// RoomManager owns per-agent room creation, renaming, invitation
// acceptance, and (optionally) history seeding.
type RoomManager struct {
	cfg   RoomManagerConfig
	db    *store.Store
	space *SpaceManager
	letta *letta.Client // nil disables history seeding
}

// NewRoomManager builds a RoomManager. lettaClient may be nil to disable
// history seeding.
func NewRoomManager(cfg RoomManagerConfig, db *store.Store, space *SpaceManager, lettaClient *letta.Client) *RoomManager {
	return &RoomManager{cfg: cfg, db: db, space: space, letta: lettaClient}
}

func roomDisplayName(agentName string) string {
	return fmt.Sprintf("%s — Letta Agent Chat", agentName)
}

// UpdateRoomName writes the room's m.room.name using the given
// authenticated identity (the Engine passes the agent's own).
func (r *RoomManager) UpdateRoomName(ctx context.Context, client *matrix.Client, roomID, agentName string) error {
	content := event.RoomNameEventContent{Name: roomDisplayName(agentName)}
	if err := client.PutRoomState(ctx, roomID, event.StateRoomName, "", content); err != nil {
		return fmt.Errorf("update room name: %w", err)
	}
	return nil
}

// CreateOrUpdateAgentRoom ensures mapping has a private room owned by the
// agent's own Matrix identity, re-ensuring invitations either way.
// Returns the (possibly unchanged) mapping.
func (r *RoomManager) CreateOrUpdateAgentRoom(ctx context.Context, mapping store.AgentUserMapping) (store.AgentUserMapping, error) {
	if mapping.RoomID != "" && r.space.CheckRoomExists(ctx, mapping.RoomID) {
		agentClient, err := matrix.AsIdentity(ctx, matrix.HomeserverConfig{Homeserver: r.cfg.Homeserver}, mapping.MatrixUserID, mapping.MatrixPassword)
		if err != nil {
			slog.Warn("re-authenticating agent identity failed; skipping invitation re-check", "agent", mapping.AgentID, "err", err)
			return mapping, nil
		}
		r.ensureInvitations(ctx, agentClient, &mapping)
		if err := r.db.UpsertMapping(mapping); err != nil {
			return mapping, fmt.Errorf("persist mapping after invite re-check: %w", err)
		}
		return mapping, nil
	}

	agentClient, err := matrix.AsIdentity(ctx, matrix.HomeserverConfig{Homeserver: r.cfg.Homeserver}, mapping.MatrixUserID, mapping.MatrixPassword)
	if err != nil {
		return mapping, fmt.Errorf("login as agent %s to create its room: %w", mapping.AgentID, err)
	}

	invite := make([]string, 0, len(r.cfg.Invitees))
	for _, inv := range r.cfg.Invitees {
		invite = append(invite, inv.UserID)
	}

	req := &mautrix.ReqCreateRoom{
		Name:         roomDisplayName(mapping.AgentName),
		Topic:        fmt.Sprintf("Private chat with Letta agent %s", mapping.AgentName),
		Preset:       "trusted_private_chat",
		Invite:       toUserIDs(invite),
		IsDirect:     false,
		GuestCanJoin: false,
		InitialState: []*event.Event{
			{
				Type: event.StateHistoryVisibility,
				Content: event.Content{
					Parsed: &event.HistoryVisibilityEventContent{
						HistoryVisibility: event.HistoryVisibilityShared,
					},
				},
			},
			{
				Type: event.StateGuestAccess,
				Content: event.Content{
					Parsed: &event.GuestAccessEventContent{
						GuestAccess: event.GuestAccessForbidden,
					},
				},
			},
		},
	}

	roomID, err := agentClient.CreateRoom(ctx, req)
	if err != nil {
		return mapping, fmt.Errorf("create room for agent %s: %w", mapping.AgentID, err)
	}

	mapping.RoomID = roomID
	mapping.RoomCreated = true
	if mapping.InvitationStatus == nil {
		mapping.InvitationStatus = map[string]store.InvitationState{}
	}
	for _, inv := range r.cfg.Invitees {
		mapping.InvitationStatus[inv.UserID] = store.InvitationInvited
	}

	if err := r.db.UpsertMapping(mapping); err != nil {
		return mapping, fmt.Errorf("persist mapping after room create: %w", err)
	}

	r.ensureInvitations(ctx, agentClient, &mapping)
	if err := r.db.UpsertMapping(mapping); err != nil {
		slog.Warn("persist mapping after invitation acceptance failed", "agent", mapping.AgentID, "err", err)
	}

	if cfg, err := r.space.LoadSpaceConfig(); err == nil {
		r.space.AddRoomToSpace(ctx, cfg.SpaceID, roomID, mapping.AgentName)
	}

	if r.letta != nil {
		r.seedHistory(ctx, agentClient, mapping)
	}

	return mapping, nil
}

// ensureInvitations auto-accepts every configured invitee into the room,
// logging in as each of them in turn. Failures are recorded, never raised.
func (r *RoomManager) ensureInvitations(ctx context.Context, agentClient *matrix.Client, mapping *store.AgentUserMapping) {
	if mapping.InvitationStatus == nil {
		mapping.InvitationStatus = map[string]store.InvitationState{}
	}
	for _, inv := range r.cfg.Invitees {
		client, err := matrix.AsIdentity(ctx, matrix.HomeserverConfig{Homeserver: r.cfg.Homeserver}, inv.UserID, inv.Password)
		if err != nil {
			mapping.InvitationStatus[inv.UserID] = store.InvitationFailed
			continue
		}

		_, err = client.JoinRoom(ctx, mapping.RoomID)
		if err == nil {
			mapping.InvitationStatus[inv.UserID] = store.InvitationJoined
			continue
		}

		var je *matrix.JoinError
		if errors.As(err, &je) && je.Kind == matrix.JoinErrorForbidden &&
			(strings.Contains(je.Message, "already in the room") || strings.Contains(je.Message, "already joined")) {
			mapping.InvitationStatus[inv.UserID] = store.InvitationJoined
			continue
		}

		mapping.InvitationStatus[inv.UserID] = store.InvitationFailed
	}
}

// seedHistory replays the last N step messages from Letta into the room,
// marked with m.letta_historical so MessageDispatcher skips them later.
func (r *RoomManager) seedHistory(ctx context.Context, agentClient *matrix.Client, mapping store.AgentUserMapping) {
	msgs, err := r.letta.RecentMessages(ctx, mapping.AgentID, historySeedCount)
	if err != nil {
		slog.Warn("history seeding: fetch recent messages failed", "agent", mapping.AgentID, "err", err)
		return
	}

	for _, msg := range msgs {
		if msg.Role == "tool" {
			continue
		}

		body, _ := msg.Content.(string)
		if msg.Role == "user" {
			body = "[History] " + body
		}

		content := map[string]any{
			"msgtype":            string(event.MsgText),
			"body":               body,
			"m.letta_historical": true,
			"m.relates_to":       map[string]any{"rel_type": "m.annotation"},
		}

		if _, err := agentClient.SendRawContent(ctx, mapping.RoomID, content); err != nil {
			slog.Warn("history seeding: send message failed", "agent", mapping.AgentID, "err", err)
		}
	}
}

// DiscoverAgentRoom scans an identity's joined rooms for one whose
// m.room.name matches the agent's expected room name. Used for repair
// after a manual state loss.
func (r *RoomManager) DiscoverAgentRoom(ctx context.Context, client *matrix.Client, agentName string) (string, bool) {
	rooms, err := client.JoinedRooms(ctx)
	if err != nil {
		return "", false
	}
	want := roomDisplayName(agentName)
	for _, roomID := range rooms {
		var nameContent event.RoomNameEventContent
		ok, err := client.GetRoomState(ctx, roomID, event.StateRoomName, "", &nameContent)
		if err != nil || !ok {
			continue
		}
		if nameContent.Name == want {
			return roomID, true
		}
	}
	return "", false
}

func toUserIDs(users []string) []id.UserID {
	out := make([]id.UserID, len(users))
	for i, u := range users {
		out[i] = id.UserID(u)
	}
	return out
}
