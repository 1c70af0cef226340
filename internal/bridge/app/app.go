// Package app wires the bridge's subsystems (Matrix client, Letta client,
// provisioning engine, message dispatcher, media handler) into a single
// running process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/oculair/letta-matrix-bridge/internal/bridge/audit"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/dispatch"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/media"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/provisioning"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/store"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/streaming"
)

// Config holds application configuration, populated from the environment
// table in cmd/bridge/main.go.
type Config struct {
	DatabasePath string
	MasterKey    []byte

	Homeserver string
	ServerName string // the part after ':' in every local MXID

	BotUsername, BotPassword     string
	AdminUsername, AdminPassword string // falls back to bot creds when unset
	MCPUsername, MCPPassword     string // optional; account created if set

	BaseRoomID string // optional observer room; absence is not fatal

	ProvisioningTick time.Duration
	DevMode          bool

	Letta            letta.Config
	DefaultAgent     string
	StreamingEnabled bool
	StreamingTimeout time.Duration
	AuditRoomID      string
	DocumentCfg      media.Config
	OCREnabled       bool
	Transcriber      media.Transcriber
	OCREngine        media.OCREngine
}

// App is the running bridge process.
type App struct {
	cfg        *Config
	store      *store.Store
	bot        *matrix.Client
	letta      *letta.Client
	dispatcher *dispatch.Dispatcher
	media      *media.Handler
	engine     *provisioning.Engine
}

// New wires every subsystem together. Matrix login happens here: the bot
// identity (and, if distinct, the admin identity) must authenticate
// before provisioning or sync can start.
func New(ctx context.Context, cfg *Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	db, err := store.New(cfg.DatabasePath, cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	botUserID := mxid(cfg.BotUsername, cfg.ServerName)
	botToken, err := matrix.Login(ctx, cfg.Homeserver, cfg.BotUsername, cfg.BotPassword)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("login as bridge bot %s: %w", botUserID, err)
	}
	bot, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Homeserver,
		UserID:      botUserID,
		AccessToken: botToken,
		AdminRooms:  baseRooms(cfg.BaseRoomID),
		DB:          db.DB(),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bot client: %w", err)
	}

	// MATRIX_ADMIN_USERNAME/_PASSWORD fall back to the bot's own credentials
	// when unset, per §6.
	adminUsername, adminPassword := cfg.BotUsername, cfg.BotPassword
	adminUserID, adminToken := botUserID, botToken
	if cfg.AdminUsername != "" {
		adminUsername, adminPassword = cfg.AdminUsername, cfg.AdminPassword
		adminUserID = mxid(adminUsername, cfg.ServerName)
		adminToken, err = matrix.Login(ctx, cfg.Homeserver, adminUsername, adminPassword)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("login as admin %s: %w", adminUserID, err)
		}
	}

	lettaClient := letta.New(cfg.Letta)

	var notifier audit.Notifier = audit.Noop{}
	if cfg.AuditRoomID != "" {
		notifier = audit.NewMatrixNotifier(bot, cfg.AuditRoomID)
	}

	users, err := provisioning.NewUserManager(provisioning.UserManagerConfig{
		Homeserver:       cfg.Homeserver,
		ServerName:       cfg.ServerName,
		AdminUserID:      adminUserID,
		AdminAccessToken: adminToken,
		DevMode:          cfg.DevMode,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create user manager: %w", err)
	}

	adminUsers := []string{adminUserID, botUserID}
	space := provisioning.NewSpaceManager(db, bot, cfg.ServerName, adminUsers)

	invitees := []provisioning.Invitee{{UserID: adminUserID, Password: adminPassword}}
	if botUserID != adminUserID {
		invitees = append(invitees, provisioning.Invitee{UserID: botUserID, Password: cfg.BotPassword})
	}
	mcpUserID := ""
	if cfg.MCPUsername != "" {
		mcpUserID = mxid(cfg.MCPUsername, cfg.ServerName)
		invitees = append(invitees, provisioning.Invitee{UserID: mcpUserID, Password: cfg.MCPPassword})
	}
	rooms := provisioning.NewRoomManager(provisioning.RoomManagerConfig{
		Homeserver: cfg.Homeserver,
		ServerName: cfg.ServerName,
		Invitees:   invitees,
	}, db, space, lettaClient)

	coreUsers := []provisioning.CoreUser{
		{UserID: adminUserID, Localpart: adminUsername, Password: adminPassword},
	}
	if mcpUserID != "" {
		coreUsers = append(coreUsers, provisioning.CoreUser{
			UserID: mcpUserID, Localpart: cfg.MCPUsername, Password: cfg.MCPPassword,
		})
	}
	engine := provisioning.NewEngine(provisioning.EngineConfig{
		Tick:      cfg.ProvisioningTick,
		CoreUsers: coreUsers,
	}, db, users, space, rooms, lettaClient, notifier)

	startupMs := time.Now().UnixMilli()
	dedupe := store.NewDedupe()

	dispatcher := dispatch.New(dispatch.Config{
		Homeserver:       cfg.Homeserver,
		ServerName:       cfg.ServerName,
		DefaultAgentID:   cfg.DefaultAgent,
		StartupMs:        startupMs,
		StreamingEnabled: cfg.StreamingEnabled,
		Stream:           streaming.DriverConfig{Total: cfg.StreamingTimeout, IdleData: cfg.StreamingTimeout},
	}, db, dedupe, bot, lettaClient)

	ocr := cfg.OCREngine
	if ocr == nil {
		ocr = media.NewNullOCREngine()
	}
	transcriber := cfg.Transcriber
	if transcriber == nil {
		transcriber = media.NewNullTranscriber()
	}
	mediaCfg := cfg.DocumentCfg
	mediaCfg.OCREnabled = cfg.OCREnabled
	mediaCfg.StartupMs = startupMs
	mediaHandler := media.New(mediaCfg, db, dedupe, bot, lettaClient, ocr, transcriber, &agentDeliverer{letta: lettaClient, dispatcher: dispatcher})

	return &App{
		cfg:        cfg,
		store:      db,
		bot:        bot,
		letta:      lettaClient,
		dispatcher: dispatcher,
		media:      mediaHandler,
		engine:     engine,
	}, nil
}

// Run starts the Matrix sync loop and the provisioning engine, blocking
// until an interrupt or SIGTERM is received.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("starting Matrix sync")
	if err := a.bot.Start(ctx, a.handleEvent); err != nil {
		return fmt.Errorf("start Matrix client: %w", err)
	}

	go a.engine.Run(ctx)

	if a.cfg.BaseRoomID != "" {
		if _, err := a.bot.SendNotice(ctx, a.cfg.BaseRoomID, "✅ Letta bridge started."); err != nil {
			slog.Warn("failed to send startup notice", "room", a.cfg.BaseRoomID, "err", err)
		}
	}

	slog.Info("bridge is running; press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop releases the process's resources. Safe to call after Run returns.
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.bot.Stop()
	slog.Info("closing database")
	a.store.Close()
}

// handleEvent fans an inbound timeline event out to the dispatcher (text
// messages) and the media handler (file/image/audio attachments). Each
// independently filters events it doesn't care about and dedupes against
// the shared store.Dedupe, so order between the two never matters.
func (a *App) handleEvent(ctx context.Context, evt *event.Event) {
	a.dispatcher.Handle(ctx, evt)
	a.media.Handle(ctx, evt.RoomID.String(), evt.Sender.String(), evt)
}

func baseRooms(roomID string) []string {
	if roomID == "" {
		return nil
	}
	return []string{roomID}
}

func mxid(localpart, serverName string) string {
	return fmt.Sprintf("@%s:%s", localpart, serverName)
}

// agentDeliverer implements media.Deliverer by sending the artifact to
// the agent as a new turn and relaying the agent's reply back into the
// room under that agent's own Matrix identity, mirroring dispatch's own
// blocking-send path (§4.10).
type agentDeliverer struct {
	letta      *letta.Client
	dispatcher *dispatch.Dispatcher
}

func (d *agentDeliverer) Deliver(ctx context.Context, agentID, roomID string, artifact media.Artifact) error {
	msg, ok := artifactMessage(artifact)
	if !ok {
		return nil // indexed-file uploads are already durable in the folder; nothing to send
	}

	resp, err := d.letta.SendMessage(ctx, agentID, []letta.Message{msg})
	if err != nil {
		return fmt.Errorf("send media artifact to agent %s: %w", agentID, err)
	}

	reply := collectAssistantText(resp)
	if reply == "" {
		return nil
	}
	if _, err := d.dispatcher.SendAsAgent(ctx, agentID, roomID, reply); err != nil {
		return fmt.Errorf("relay agent reply for %s: %w", agentID, err)
	}
	return nil
}

func artifactMessage(a media.Artifact) (letta.Message, bool) {
	switch a.Kind {
	case media.KindMultimodal:
		return letta.MultimodalMessage(letta.RoleUser, toContentParts(a.Multimodal)), true
	case media.KindTranscript, media.KindExtractedText:
		return letta.TextMessage(letta.RoleUser, a.Text), true
	default:
		return letta.Message{}, false
	}
}

func toContentParts(blocks []media.ContentBlock) []letta.ContentPart {
	parts := make([]letta.ContentPart, len(blocks))
	for i, b := range blocks {
		part := letta.ContentPart{Type: b.Type, Text: b.Text}
		if b.Source != nil {
			part.Source = &letta.ImagePart{Type: b.Source.Type, MediaType: b.Source.MediaType, Data: b.Source.Data}
		}
		parts[i] = part
	}
	return parts
}

func collectAssistantText(resp letta.SendMessageResponse) string {
	var out string
	for _, step := range resp.Messages {
		if step.MessageType == "assistant_message" && step.Content != "" {
			if out != "" {
				out += " "
			}
			out += step.Content
		}
	}
	return out
}
