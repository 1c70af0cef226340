// Package dispatch turns inbound Matrix timeline events into Letta agent
// calls and routes the agent's reply back into the originating room as
// that agent's own Matrix identity.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/store"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/streaming"
)

// Config configures the MessageDispatcher.
type Config struct {
	Homeserver       string
	ServerName       string
	DefaultAgentID   string
	StartupMs        int64 // server_timestamp floor; events before this are boot replay
	StreamingEnabled bool
	Stream           streaming.DriverConfig
}

// Dispatcher implements the inbound-message filter chain, target
// resolution, prompt shaping, and dispatch-mode branching from §4.10.
type Dispatcher struct {
	cfg    Config
	db     *store.Store
	dedupe *store.Dedupe
	bot    *matrix.Client // main bridge bot identity, used for JoinedMembers and the blocking-path fallback send
	letta  *letta.Client
}

// New builds a MessageDispatcher.
func New(cfg Config, db *store.Store, dedupe *store.Dedupe, bot *matrix.Client, lettaClient *letta.Client) *Dispatcher {
	return &Dispatcher{cfg: cfg, db: db, dedupe: dedupe, bot: bot, letta: lettaClient}
}

// Handle is the MessageHandler entrypoint wired into the bot's sync loop.
func (d *Dispatcher) Handle(ctx context.Context, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}
	if msg.MsgType != event.MsgText && msg.MsgType != event.MsgNotice {
		return // file/image/audio attachments are media's concern, not dispatch's
	}
	eventID := evt.ID.String()
	roomID := evt.RoomID.String()
	sender := evt.Sender.String()

	if d.dedupe.SeenOrMark(eventID) {
		return
	}
	if sender == d.bot.UserID() {
		return
	}
	if int64(evt.Timestamp) < d.cfg.StartupMs {
		return
	}
	if isHistorical(evt) {
		return
	}

	mapping, hasMapping := d.lookupByRoomID(roomID)
	if hasMapping && sender == mapping.MatrixUserID {
		return // self-loop: the agent's own identity posted into its own room
	}

	agentID, agentName, agentMXID, source, ok := d.resolveTarget(ctx, roomID, mapping, hasMapping)
	if !ok {
		return
	}
	slog.Debug("dispatch: resolved target", "room", roomID, "agent", agentID, "via", source)

	body := shapePrompt(msg.Body, sender, d.senderIsAgent(sender), fromAgentID(evt))

	if d.cfg.StreamingEnabled {
		d.dispatchStreaming(ctx, roomID, agentID, agentMXID, body)
		return
	}
	d.dispatchBlocking(ctx, roomID, agentID, agentMXID, body)
}

func isHistorical(evt *event.Event) bool {
	if evt.Content.Raw == nil {
		return false
	}
	v, ok := evt.Content.Raw["m.letta_historical"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func fromAgentID(evt *event.Event) string {
	if evt.Content.Raw == nil {
		return ""
	}
	v, _ := evt.Content.Raw["m.letta.from_agent_id"].(string)
	return v
}

func (d *Dispatcher) senderIsAgent(matrixUserID string) bool {
	_, err := d.db.GetMappingByMatrixUserID(matrixUserID)
	return err == nil
}

func (d *Dispatcher) lookupByRoomID(roomID string) (store.AgentUserMapping, bool) {
	m, err := d.db.GetMappingByRoomID(roomID)
	if err != nil {
		return store.AgentUserMapping{}, false
	}
	return m, true
}

// resolveTarget implements §4.10 step 3's fallback chain.
func (d *Dispatcher) resolveTarget(ctx context.Context, roomID string, mapping store.AgentUserMapping, hasMapping bool) (agentID, agentName, agentMXID, source string, ok bool) {
	if hasMapping {
		return mapping.AgentID, mapping.AgentName, mapping.MatrixUserID, "room_id", true
	}

	members, err := d.bot.JoinedMembers(ctx, roomID)
	if err == nil {
		for _, member := range members {
			if !strings.HasPrefix(member, "@agent_") {
				continue
			}
			if m, err := d.db.GetMappingByMatrixUserID(member); err == nil {
				return m.AgentID, m.AgentName, m.MatrixUserID, "joined_members", true
			}
		}
	}

	if d.cfg.DefaultAgentID != "" {
		return d.cfg.DefaultAgentID, "", "", "default", true
	}
	return "", "", "", "", false
}

func (d *Dispatcher) dispatchStreaming(ctx context.Context, roomID, agentID, agentMXID, body string) {
	mapping, err := d.db.GetMapping(agentID)
	password := ""
	if err == nil {
		password = mapping.MatrixPassword
		agentMXID = mapping.MatrixUserID
	}

	agentClient, err := matrix.AsIdentity(ctx, matrix.HomeserverConfig{Homeserver: d.cfg.Homeserver}, agentMXID, password)
	if err != nil {
		slog.Error("dispatch: login as agent failed, falling back to bot identity", "agent", agentID, "err", err)
		agentClient = d.bot
	}

	room := matrixRoomSender{agentClient}
	handler := streaming.NewProgressHandler(ctx, room, roomID, true)
	driver := streaming.NewDriver(d.letta, d.cfg.Stream)

	messages := []letta.Message{{Role: letta.RoleUser, Content: body}}
	if err := driver.Run(ctx, agentID, messages, handler); err != nil {
		slog.Warn("dispatch: stream ended with error", "agent", agentID, "room", roomID, "err", err)
	}
}

func (d *Dispatcher) dispatchBlocking(ctx context.Context, roomID, agentID, agentMXID, body string) {
	resp, err := d.letta.SendMessage(ctx, agentID, []letta.Message{{Role: letta.RoleUser, Content: body}})
	if err != nil {
		slog.Error("dispatch: blocking send failed", "agent", agentID, "room", roomID, "err", err)
		if _, sendErr := d.bot.SendText(ctx, roomID, fmt.Sprintf("⚠️ %s", err)); sendErr != nil {
			slog.Error("dispatch: fallback error notice failed", "room", roomID, "err", sendErr)
		}
		return
	}

	var parts []string
	for _, step := range resp.Messages {
		switch step.MessageType {
		case "assistant_message":
			if step.Content != "" {
				parts = append(parts, step.Content)
			}
		case "tool_call_message":
			if step.ToolCall != nil && step.ToolCall.Name == "matrix_agent_message" {
				parts = append(parts, fmt.Sprintf("[Sent to another agent]: %s", step.ToolCall.Arguments))
			}
		}
	}
	reply := strings.Join(parts, " ")
	if reply == "" {
		return
	}

	if _, err := d.SendAsAgent(ctx, agentID, roomID, reply); err != nil {
		slog.Warn("dispatch: SendAsAgent failed, falling back to bot identity", "agent", agentID, "room", roomID, "err", err)
		if _, err := d.bot.SendText(ctx, roomID, reply); err != nil {
			slog.Error("dispatch: bot fallback send failed", "room", roomID, "err", err)
		}
	}
}

// SendAsAgent logs in as agentID's Matrix identity and posts body into
// roomID, returning the event id for later deletion/editing.
func (d *Dispatcher) SendAsAgent(ctx context.Context, agentID, roomID, body string) (string, error) {
	mapping, err := d.db.GetMapping(agentID)
	if err != nil {
		return "", fmt.Errorf("look up mapping for agent %s: %w", agentID, err)
	}
	client, err := matrix.AsIdentity(ctx, matrix.HomeserverConfig{Homeserver: d.cfg.Homeserver}, mapping.MatrixUserID, mapping.MatrixPassword)
	if err != nil {
		return "", fmt.Errorf("login as agent %s: %w", agentID, err)
	}
	return client.SendText(ctx, roomID, body)
}

// RedactAsAgent logs in as agentID's Matrix identity and redacts eventID.
func (d *Dispatcher) RedactAsAgent(ctx context.Context, agentID, roomID, eventID string) error {
	mapping, err := d.db.GetMapping(agentID)
	if err != nil {
		return fmt.Errorf("look up mapping for agent %s: %w", agentID, err)
	}
	client, err := matrix.AsIdentity(ctx, matrix.HomeserverConfig{Homeserver: d.cfg.Homeserver}, mapping.MatrixUserID, mapping.MatrixPassword)
	if err != nil {
		return fmt.Errorf("login as agent %s: %w", agentID, err)
	}
	return client.Redact(ctx, roomID, eventID, "")
}

// matrixRoomSender adapts *matrix.Client to streaming.RoomSender.
type matrixRoomSender struct {
	client *matrix.Client
}

func (s matrixRoomSender) SendMessage(ctx context.Context, roomID, body string) (string, error) {
	return s.client.SendText(ctx, roomID, body)
}

func (s matrixRoomSender) DeleteMessage(ctx context.Context, roomID, eventID string) error {
	return s.client.DeleteMessage(ctx, roomID, eventID)
}
