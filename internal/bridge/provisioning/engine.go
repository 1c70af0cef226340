package provisioning

import (
	"context"
	"log/slog"
	"time"

	"github.com/oculair/letta-matrix-bridge/common/trace"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/audit"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/store"
)

// EngineConfig configures the provisioning loop.
type EngineConfig struct {
	Tick      time.Duration // default 60s
	CoreUsers []CoreUser
}

// Engine is the ProvisioningEngine orchestrator: on each run it diffs
// Letta's agent roster against the MappingStore and drives users, rooms,
// and the space into agreement (§4.5).
type Engine struct {
	cfg    EngineConfig
	db     *store.Store
	users  *UserManager
	space  *SpaceManager
	rooms  *RoomManager
	letta  *letta.Client
	notify audit.Notifier
}

// NewEngine builds the ProvisioningEngine. notifier may be audit.Noop{}
// when no audit room is configured.
func NewEngine(cfg EngineConfig, db *store.Store, users *UserManager, space *SpaceManager, rooms *RoomManager, lettaClient *letta.Client, notifier audit.Notifier) *Engine {
	if cfg.Tick <= 0 {
		cfg.Tick = 60 * time.Second
	}
	if notifier == nil {
		notifier = audit.Noop{}
	}
	return &Engine{cfg: cfg, db: db, users: users, space: space, rooms: rooms, letta: lettaClient, notify: notifier}
}

// Run executes one provisioning pass immediately, then on cfg.Tick until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.runOnce(ctx)

	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runOnce(ctx)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	traceID := trace.FromContext(ctx)
	slog.Info("provisioning pass starting", "trace", traceID)

	e.users.EnsureCoreUsersExist(ctx, e.cfg.CoreUsers)

	mappings, err := e.db.LoadMappings()
	if err != nil {
		slog.Error("provisioning pass: load mappings failed", "err", err)
		return
	}
	byID := make(map[string]store.AgentUserMapping, len(mappings))
	for _, m := range mappings {
		byID[m.AgentID] = m
	}

	spaceCfg, spaceErr := e.space.LoadSpaceConfig()
	spaceNewlyCreated := false
	var spaceID string
	if spaceErr != nil {
		id, created, err := e.space.CreateLettaAgentsSpace(ctx)
		if err != nil {
			slog.Error("provisioning pass: create space failed", "err", err)
			e.notify.Notify(ctx, audit.Event{Kind: audit.KindProvisioningError, Message: "failed to create agents space: " + err.Error()})
		} else {
			spaceID = id
			spaceNewlyCreated = created
			if created {
				e.notify.Notify(ctx, audit.Event{Kind: audit.KindSpaceCreated, Target: id, Message: "Letta agents space created"})
			}
		}
	} else {
		spaceID = spaceCfg.SpaceID
	}

	agents, err := e.letta.ListAllAgents(ctx, 100)
	if err != nil {
		slog.Error("provisioning pass: list agents failed", "err", err)
		return
	}

	seen := make(map[string]bool, len(agents))
	for _, agent := range agents {
		seen[agent.ID] = true
		existing, known := byID[agent.ID]

		switch {
		case !known:
			e.provisionNewAgent(ctx, agent, spaceID)
		case existing.AgentName != agent.Name:
			e.renameAgent(ctx, existing, agent.Name)
		case !existing.Created:
			e.retryUserCreation(ctx, existing)
		case existing.Created && !existing.RoomCreated:
			e.createRoom(ctx, existing)
		default:
			e.reensureRoom(ctx, existing)
		}
	}

	onlyInMappings := 0
	for id := range byID {
		if !seen[id] {
			onlyInMappings++
		}
	}
	if onlyInMappings > 0 {
		slog.Info("agents present only in mappings, not deactivating", "count", onlyInMappings)
	}

	if spaceNewlyCreated {
		refreshed, err := e.db.LoadMappings()
		if err != nil {
			slog.Error("provisioning pass: reload mappings before migration failed", "err", err)
		} else {
			linked := e.space.MigrateExistingRoomsToSpace(ctx, spaceID, refreshed)
			slog.Info("migrated existing rooms into newly created space", "linked", linked)
			e.notify.Notify(ctx, audit.Event{Kind: audit.KindSpaceRecreated, Target: spaceID, Message: "migrated existing rooms into space"})
		}
	}

	slog.Info("provisioning pass complete", "agents", len(agents), "trace", traceID)
}

func (e *Engine) provisionNewAgent(ctx context.Context, agent letta.Agent, spaceID string) {
	localpart := GenerateUsername(agent.ID)
	mxid := e.users.MXID(localpart)

	password, err := GeneratePassword(e.users.cfg.DevMode)
	if err != nil {
		slog.Error("provisioning: generate password failed", "agent", agent.ID, "err", err)
		return
	}

	mapping := store.AgentUserMapping{
		AgentID:        agent.ID,
		AgentName:      agent.Name,
		MatrixUserID:   mxid,
		MatrixPassword: password,
	}

	switch e.users.CheckUserExists(ctx, localpart) {
	case Exists, ExistsAuthFailed:
		mapping.Created = true
	case NotFound:
		if e.users.CreateMatrixUser(ctx, localpart, password, agent.Name) {
			mapping.Created = true
		}
	}

	if err := e.db.UpsertMapping(mapping); err != nil {
		slog.Error("provisioning: persist new mapping failed", "agent", agent.ID, "err", err)
		return
	}

	if mapping.Created {
		e.notify.Notify(ctx, audit.Event{Kind: audit.KindAgentProvisioned, Target: agent.Name, Message: "Matrix user provisioned for agent " + agent.ID})
		e.createRoom(ctx, mapping)
	}
}

func (e *Engine) renameAgent(ctx context.Context, mapping store.AgentUserMapping, newName string) {
	mapping.AgentName = newName
	if err := e.db.UpsertMapping(mapping); err != nil {
		slog.Error("provisioning: persist rename failed", "agent", mapping.AgentID, "err", err)
		return
	}

	client, err := matrix.AsIdentity(ctx, matrix.HomeserverConfig{Homeserver: e.users.cfg.Homeserver}, mapping.MatrixUserID, mapping.MatrixPassword)
	if err != nil {
		slog.Warn("provisioning: mint agent identity for rename failed", "agent", mapping.AgentID, "err", err)
	} else {
		if mapping.RoomID != "" {
			if err := e.rooms.UpdateRoomName(ctx, client, mapping.RoomID, newName); err != nil {
				slog.Warn("provisioning: update room name failed", "agent", mapping.AgentID, "err", err)
			}
		}
		if err := client.SetDisplayName(ctx, newName); err != nil {
			slog.Warn("provisioning: update display name failed", "agent", mapping.AgentID, "err", err)
		}
	}
	e.notify.Notify(ctx, audit.Event{Kind: audit.KindAgentRenamed, Target: mapping.AgentID, Message: "agent renamed to " + newName})
}

func (e *Engine) retryUserCreation(ctx context.Context, mapping store.AgentUserMapping) {
	localpart := GenerateUsername(mapping.AgentID)
	if e.users.CreateMatrixUser(ctx, localpart, mapping.MatrixPassword, mapping.AgentName) {
		mapping.Created = true
		if err := e.db.UpsertMapping(mapping); err != nil {
			slog.Error("provisioning: persist retried user creation failed", "agent", mapping.AgentID, "err", err)
		}
	}
}

func (e *Engine) createRoom(ctx context.Context, mapping store.AgentUserMapping) {
	updated, err := e.rooms.CreateOrUpdateAgentRoom(ctx, mapping)
	if err != nil {
		slog.Error("provisioning: create room failed", "agent", mapping.AgentID, "err", err)
		e.notify.Notify(ctx, audit.Event{Kind: audit.KindProvisioningError, Target: mapping.AgentID, Message: "room creation failed: " + err.Error()})
		return
	}
	if updated.RoomCreated && !mapping.RoomCreated {
		e.notify.Notify(ctx, audit.Event{Kind: audit.KindRoomCreated, Target: mapping.AgentName, Message: "chat room created for agent " + mapping.AgentID})
	}
}

func (e *Engine) reensureRoom(ctx context.Context, mapping store.AgentUserMapping) {
	if _, err := e.rooms.CreateOrUpdateAgentRoom(ctx, mapping); err != nil {
		slog.Warn("provisioning: re-ensure room/invitations failed", "agent", mapping.AgentID, "err", err)
	}
}
