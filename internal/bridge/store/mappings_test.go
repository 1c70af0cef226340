package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testKey() []byte {
	return make([]byte, 32) // all-zero key, fine for tests
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "bridge.db")
	s, err := New(dbPath, testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetMapping(t *testing.T) {
	s := newTestStore(t)

	m := AgentUserMapping{
		AgentID:        "agent-123",
		AgentName:      "Research Bot",
		MatrixUserID:   "@agent_123:example.org",
		MatrixPassword: "s3cret-password",
		Created:        true,
		InvitationStatus: map[string]InvitationState{
			"@agent_456:example.org": InvitationInvited,
		},
	}
	if err := s.UpsertMapping(m); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}

	got, err := s.GetMapping("agent-123")
	if err != nil {
		t.Fatalf("GetMapping: %v", err)
	}
	if got.MatrixPassword != m.MatrixPassword {
		t.Fatalf("password round-trip: got %q want %q", got.MatrixPassword, m.MatrixPassword)
	}
	if got.AgentName != m.AgentName || got.MatrixUserID != m.MatrixUserID {
		t.Fatalf("mapping fields mismatch: %+v", got)
	}
	if got.InvitationStatus["@agent_456:example.org"] != InvitationInvited {
		t.Fatalf("invitation status not preserved: %+v", got.InvitationStatus)
	}
	if got.RoomID != "" || got.RoomCreated {
		t.Fatalf("room fields should be empty before a room exists: %+v", got)
	}
}

func TestUpsertMappingIsIdempotentUpdate(t *testing.T) {
	s := newTestStore(t)

	base := AgentUserMapping{
		AgentID:        "agent-1",
		AgentName:      "First Name",
		MatrixUserID:   "@agent_1:example.org",
		MatrixPassword: "pw1",
	}
	if err := s.UpsertMapping(base); err != nil {
		t.Fatalf("UpsertMapping initial: %v", err)
	}

	updated := base
	updated.AgentName = "Renamed"
	updated.RoomID = "!room:example.org"
	updated.RoomCreated = true
	if err := s.UpsertMapping(updated); err != nil {
		t.Fatalf("UpsertMapping update: %v", err)
	}

	got, err := s.GetMapping("agent-1")
	if err != nil {
		t.Fatalf("GetMapping: %v", err)
	}
	if got.AgentName != "Renamed" || !got.RoomCreated || got.RoomID != "!room:example.org" {
		t.Fatalf("update did not apply: %+v", got)
	}

	mappings, err := s.LoadMappings()
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("expected exactly one mapping after update, got %d", len(mappings))
	}
}

func TestGetMappingByRoomIDAndMatrixUserID(t *testing.T) {
	s := newTestStore(t)

	m := AgentUserMapping{
		AgentID:        "agent-42",
		AgentName:      "Agent Forty Two",
		MatrixUserID:   "@agent_42:example.org",
		MatrixPassword: "pw",
		RoomID:         "!theroom:example.org",
		RoomCreated:    true,
	}
	if err := s.UpsertMapping(m); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}

	byRoom, err := s.GetMappingByRoomID("!theroom:example.org")
	if err != nil {
		t.Fatalf("GetMappingByRoomID: %v", err)
	}
	if byRoom.AgentID != "agent-42" {
		t.Fatalf("wrong mapping by room: %+v", byRoom)
	}

	byUser, err := s.GetMappingByMatrixUserID("@agent_42:example.org")
	if err != nil {
		t.Fatalf("GetMappingByMatrixUserID: %v", err)
	}
	if byUser.AgentID != "agent-42" {
		t.Fatalf("wrong mapping by matrix user id: %+v", byUser)
	}
}

func TestGetMappingNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMapping("does-not-exist"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSpaceConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.LoadSpaceConfig(); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before any space exists, got %v", err)
	}

	cfg := SpaceConfig{
		SpaceID:   "!space:example.org",
		Name:      "Letta Agents",
		CreatedAt: time.Now().Truncate(time.Second),
	}
	if err := s.SaveSpaceConfig(cfg); err != nil {
		t.Fatalf("SaveSpaceConfig: %v", err)
	}

	got, err := s.LoadSpaceConfig()
	if err != nil {
		t.Fatalf("LoadSpaceConfig: %v", err)
	}
	if got.SpaceID != cfg.SpaceID || got.Name != cfg.Name {
		t.Fatalf("space config mismatch: %+v", got)
	}

	// Recreating the space (e.g. after it was deleted on the homeserver)
	// must replace the single row, not add another.
	cfg2 := cfg
	cfg2.SpaceID = "!newspace:example.org"
	if err := s.SaveSpaceConfig(cfg2); err != nil {
		t.Fatalf("SaveSpaceConfig replace: %v", err)
	}
	got2, err := s.LoadSpaceConfig()
	if err != nil {
		t.Fatalf("LoadSpaceConfig after replace: %v", err)
	}
	if got2.SpaceID != "!newspace:example.org" {
		t.Fatalf("space config was not replaced: %+v", got2)
	}
}
