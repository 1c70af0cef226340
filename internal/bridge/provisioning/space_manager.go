package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculair/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/store"
)

const spaceName = "Letta Agents"

// SpaceChildContent is the m.space.child state content written into the
// space room for each linked agent room.
type SpaceChildContent struct {
	Via       []string `json:"via"`
	Suggested bool     `json:"suggested"`
	Order     string   `json:"order,omitempty"`
}

// SpaceParentContent is the m.space.parent state content written into an
// agent room pointing back at the space.
type SpaceParentContent struct {
	Via       []string `json:"via"`
	Canonical bool     `json:"canonical"`
}

// SpaceManager owns the single process-wide "Letta Agents" space and the
// bidirectional child/parent links between it and every agent room.
type SpaceManager struct {
	db         *store.Store
	admin      *matrix.Client
	serverName string
	adminUsers []string // invited on space creation: matrix admin + main bridge bot
}

// NewSpaceManager builds a SpaceManager. adminUsers are invited to the
// space room at creation time.
func NewSpaceManager(db *store.Store, admin *matrix.Client, serverName string, adminUsers []string) *SpaceManager {
	return &SpaceManager{db: db, admin: admin, serverName: serverName, adminUsers: adminUsers}
}

// LoadSpaceConfig returns the persisted space config, or store.ErrNotFound.
func (s *SpaceManager) LoadSpaceConfig() (store.SpaceConfig, error) {
	return s.db.LoadSpaceConfig()
}

// SaveSpaceConfig persists the space config.
func (s *SpaceManager) SaveSpaceConfig(cfg store.SpaceConfig) error {
	return s.db.SaveSpaceConfig(cfg)
}

// CreateLettaAgentsSpace ensures the space exists: if a config is
// recorded, it verifies the room is still reachable; if missing
// (first run, or the recorded room was deleted), it creates a new one.
// Returns the space_id and whether it was newly created this call.
func (s *SpaceManager) CreateLettaAgentsSpace(ctx context.Context) (string, bool, error) {
	cfg, err := s.LoadSpaceConfig()
	if err == nil {
		if s.CheckRoomExists(ctx, cfg.SpaceID) {
			return cfg.SpaceID, false, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", false, fmt.Errorf("load space config: %w", err)
	}

	req := &mautrix.ReqCreateRoom{
		Name:   spaceName,
		Preset: "private_chat",
		CreationContent: map[string]any{
			"type": event.RoomTypeSpace,
		},
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Events: map[string]int{
				event.StateSpaceChild.Type: 50,
			},
		},
		InitialState: []*event.Event{
			{
				Type: event.StateGuestAccess,
				Content: event.Content{Parsed: &event.GuestAccessEventContent{
					GuestAccess: event.GuestAccessForbidden,
				}},
			},
			{
				Type: event.StateHistoryVisibility,
				Content: event.Content{Parsed: &event.HistoryVisibilityEventContent{
					HistoryVisibility: event.HistoryVisibilityShared,
				}},
			},
		},
	}

	for _, u := range s.adminUsers {
		req.Invite = append(req.Invite, id.UserID(u))
	}

	roomID, err := s.admin.CreateRoom(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("create letta agents space: %w", err)
	}

	cfg = store.SpaceConfig{SpaceID: roomID, Name: spaceName, CreatedAt: time.Now()}
	if err := s.SaveSpaceConfig(cfg); err != nil {
		return "", false, fmt.Errorf("persist space config: %w", err)
	}

	return roomID, true, nil
}

// AddRoomToSpace links roomID into the space as a child, and best-effort
// writes the reciprocal parent link in the room. The child write's
// success is sufficient for the method's return value.
func (s *SpaceManager) AddRoomToSpace(ctx context.Context, spaceID, roomID, roomName string) bool {
	childContent := SpaceChildContent{
		Via:       []string{s.serverName},
		Suggested: true,
		Order:     roomName,
	}
	if err := s.admin.PutRoomState(ctx, spaceID, event.StateSpaceChild, roomID, childContent); err != nil {
		return false
	}

	parentContent := SpaceParentContent{Via: []string{s.serverName}, Canonical: true}
	if err := s.admin.PutRoomState(ctx, roomID, event.StateSpaceParent, spaceID, parentContent); err != nil {
		// best-effort only
	}

	return true
}

// MigrateExistingRoomsToSpace bulk-links every already-created agent room
// into the space, returning the count successfully linked.
func (s *SpaceManager) MigrateExistingRoomsToSpace(ctx context.Context, spaceID string, mappings []store.AgentUserMapping) int {
	linked := 0
	for _, m := range mappings {
		if !m.RoomCreated || m.RoomID == "" {
			continue
		}
		if s.AddRoomToSpace(ctx, spaceID, m.RoomID, m.AgentName) {
			linked++
		}
	}
	return linked
}

// CheckRoomExists reports whether a room is reachable. A 403 (forbidden)
// still counts as "exists": the room is there, we just can't see inside.
func (s *SpaceManager) CheckRoomExists(ctx context.Context, roomID string) bool {
	var dummy map[string]any
	ok, err := s.admin.GetRoomState(ctx, roomID, event.StateCreate, "", &dummy)
	if err == nil {
		return ok
	}
	var je *matrix.JoinError
	if errors.As(err, &je) && je.Kind == matrix.JoinErrorForbidden {
		return true
	}
	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == 403 {
			return true
		}
		if respErr.StatusCode == 404 {
			return false
		}
	}
	return false
}
