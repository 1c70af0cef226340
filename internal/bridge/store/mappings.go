package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oculair/letta-matrix-bridge/common/crypto"
)

// ErrNotFound is returned when a mapping or the space config has not been
// recorded yet.
var ErrNotFound = errors.New("store: not found")

// UpsertMapping creates or fully replaces the AgentUserMapping row for
// m.AgentID. CreatedAt is preserved on update; UpdatedAt is always
// refreshed. The password is encrypted with the store's key before it
// touches disk.
func (s *Store) UpsertMapping(m AgentUserMapping) error {
	encPassword, err := crypto.Encrypt(s.encKey, []byte(m.MatrixPassword))
	if err != nil {
		return fmt.Errorf("encrypt matrix password: %w", err)
	}

	statusJSON, err := marshalInvitationStatus(m.InvitationStatus)
	if err != nil {
		return fmt.Errorf("marshal invitation status: %w", err)
	}

	now := time.Now()
	var roomID sql.NullString
	if m.RoomID != "" {
		roomID = sql.NullString{String: m.RoomID, Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO agent_mappings
			(agent_id, agent_name, matrix_user_id, matrix_password, created,
			 room_id, room_created, invitation_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_name        = excluded.agent_name,
			matrix_user_id    = excluded.matrix_user_id,
			matrix_password   = excluded.matrix_password,
			created           = excluded.created,
			room_id           = excluded.room_id,
			room_created      = excluded.room_created,
			invitation_status = excluded.invitation_status,
			updated_at        = excluded.updated_at
	`,
		m.AgentID, m.AgentName, m.MatrixUserID, encPassword, boolToInt(m.Created),
		roomID, boolToInt(m.RoomCreated), statusJSON, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert agent mapping %s: %w", m.AgentID, err)
	}
	return nil
}

// GetMapping returns a single mapping by agent_id, or ErrNotFound.
func (s *Store) GetMapping(agentID string) (AgentUserMapping, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, agent_name, matrix_user_id, matrix_password, created,
		       room_id, room_created, invitation_status, created_at, updated_at
		FROM agent_mappings WHERE agent_id = ?
	`, agentID)
	return s.scanMapping(row)
}

// GetMappingByRoomID returns the mapping that owns room_id, or ErrNotFound.
func (s *Store) GetMappingByRoomID(roomID string) (AgentUserMapping, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, agent_name, matrix_user_id, matrix_password, created,
		       room_id, room_created, invitation_status, created_at, updated_at
		FROM agent_mappings WHERE room_id = ?
	`, roomID)
	return s.scanMapping(row)
}

// GetMappingByMatrixUserID returns the mapping owning matrix_user_id, or
// ErrNotFound.
func (s *Store) GetMappingByMatrixUserID(userID string) (AgentUserMapping, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, agent_name, matrix_user_id, matrix_password, created,
		       room_id, room_created, invitation_status, created_at, updated_at
		FROM agent_mappings WHERE matrix_user_id = ?
	`, userID)
	return s.scanMapping(row)
}

// LoadMappings returns a snapshot of every mapping, ordered by agent_id.
// Callers get their own copy; mutating the returned slice never affects
// the store.
func (s *Store) LoadMappings() ([]AgentUserMapping, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, agent_name, matrix_user_id, matrix_password, created,
		       room_id, room_created, invitation_status, created_at, updated_at
		FROM agent_mappings ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load agent mappings: %w", err)
	}
	defer rows.Close()

	var out []AgentUserMapping
	for rows.Next() {
		m, err := s.scanMappingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func (s *Store) scanMapping(row scannable) (AgentUserMapping, error) {
	return s.scanMappingRows(row)
}

func (s *Store) scanMappingRows(row scannable) (AgentUserMapping, error) {
	var (
		m           AgentUserMapping
		encPassword []byte
		created     int
		roomID      sql.NullString
		roomCreated int
		statusJSON  string
	)

	err := row.Scan(
		&m.AgentID, &m.AgentName, &m.MatrixUserID, &encPassword, &created,
		&roomID, &roomCreated, &statusJSON, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return AgentUserMapping{}, ErrNotFound
	}
	if err != nil {
		return AgentUserMapping{}, fmt.Errorf("scan agent mapping: %w", err)
	}

	plaintext, err := crypto.Decrypt(s.encKey, encPassword)
	if err != nil {
		return AgentUserMapping{}, fmt.Errorf("decrypt matrix password for %s: %w", m.AgentID, err)
	}
	m.MatrixPassword = string(plaintext)
	m.Created = created != 0
	m.RoomID = roomID.String
	m.RoomCreated = roomCreated != 0
	m.InvitationStatus, err = unmarshalInvitationStatus(statusJSON)
	if err != nil {
		return AgentUserMapping{}, fmt.Errorf("unmarshal invitation status for %s: %w", m.AgentID, err)
	}

	return m, nil
}

// LoadSpaceConfig returns the single process-wide space config, or
// ErrNotFound if none has been created yet.
func (s *Store) LoadSpaceConfig() (SpaceConfig, error) {
	var cfg SpaceConfig
	err := s.db.QueryRow(`SELECT space_id, name, created_at FROM space_config WHERE id = 1`).
		Scan(&cfg.SpaceID, &cfg.Name, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return SpaceConfig{}, ErrNotFound
	}
	if err != nil {
		return SpaceConfig{}, fmt.Errorf("load space config: %w", err)
	}
	return cfg, nil
}

// SaveSpaceConfig persists the single process-wide space config row,
// replacing any previous one.
func (s *Store) SaveSpaceConfig(cfg SpaceConfig) error {
	_, err := s.db.Exec(`
		INSERT INTO space_config (id, space_id, name, created_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			space_id   = excluded.space_id,
			name       = excluded.name,
			created_at = excluded.created_at
	`, cfg.SpaceID, cfg.Name, cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save space config: %w", err)
	}
	return nil
}

func marshalInvitationStatus(m map[string]InvitationState) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalInvitationStatus(raw string) (map[string]InvitationState, error) {
	if raw == "" || raw == "{}" {
		return map[string]InvitationState{}, nil
	}
	var m map[string]InvitationState
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
