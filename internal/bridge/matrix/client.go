// Package matrix provides a typed Matrix client-server API wrapper for the
// bridge. The bridge never interleaves raw HTTP verbs in business code;
// every call goes through a *Client built from a HomeserverConfig.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// HomeserverConfig configures the shared homeserver endpoint and the
// storage used to persist sync state. Individual *Client instances are
// minted per Matrix identity via New or AsIdentity, but all of them share
// the same homeserver and the same sync-state table.
type HomeserverConfig struct {
	Homeserver string
	// DB persists the Matrix next_batch token (and filter id) across
	// restarts. When nil, an in-memory store is used and the next sync
	// will replay room history from scratch.
	DB *sql.DB
}

// Config holds the identity a Client authenticates as.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	AdminRooms  []string
	DB          *sql.DB
}

// Client wraps a single Matrix identity's authenticated session.
type Client struct {
	client     *mautrix.Client
	config     *Config
	stopCh     chan struct{}
	msgHandler MessageHandler
}

// MessageHandler processes incoming Matrix timeline events.
type MessageHandler func(ctx context.Context, evt *event.Event)

// New creates a Client already holding an access token (the common case:
// the bridge bot, or an agent identity that was logged in once and whose
// token is cached).
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// AsIdentity logs in as a freshly-minted Matrix identity using its stored
// password. This is how a new agent's room gets created with the agent
// itself as the room's creator/highest-power member (§4.4 requires the
// room be created by the agent identity, not the bridge bot).
func AsIdentity(ctx context.Context, hs HomeserverConfig, userID, password string) (*Client, error) {
	client, err := mautrix.NewClient(hs.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", userID, err)
	}
	if hs.DB != nil {
		client.Store = newDBSyncStore(hs.DB)
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type:             mautrix.AuthTypePassword,
		Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: userID},
		Password:         password,
		StoreCredentials: true,
	})
	if err != nil {
		return nil, fmt.Errorf("login as %s: %w", userID, err)
	}

	cfg := &Config{Homeserver: hs.Homeserver, UserID: string(resp.UserID), AccessToken: resp.AccessToken, DB: hs.DB}
	return &Client{client: client, config: cfg, stopCh: make(chan struct{})}, nil
}

// Login authenticates with a password and returns the resulting access
// token without keeping the client around. Used by UserManager's
// CheckUserExists probe.
func Login(ctx context.Context, homeserver, userID, password string) (string, error) {
	client, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return "", fmt.Errorf("create client: %w", err)
	}
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type:       mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: userID},
		Password:   password,
	})
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Start begins syncing with the Matrix homeserver.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.msgHandler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.AdminRooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join admin room %s: %w", roomID, err)
		}
	}

	go c.syncForever()

	return nil
}

// syncForever drives the sync loop with exponential backoff reconnection,
// so a transient homeserver error doesn't silently kill the goroutine.
func (c *Client) syncForever() {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		if err := c.client.Sync(); err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		return
	}
}

// Stop stops the Matrix client.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// UserID returns the identity this client is authenticated as.
func (c *Client) UserID() string {
	return c.config.UserID
}

// AccessToken returns the identity's current access token, for handing to
// components that need to act on its behalf (e.g. history seeding).
func (c *Client) AccessToken() string {
	return c.config.AccessToken
}

// SendText sends a plain text message, using a fresh per-call txn id so
// the bridge never reuses one (mautrix handles this internally via
// SendMessageEvent, but callers that need the txn id for idempotency
// should use SendTextTxn).
func (c *Client) SendText(ctx context.Context, roomID, body string) (string, error) {
	resp, err := c.client.SendText(ctx, id.RoomID(roomID), body)
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	return string(resp.EventID), nil
}

// SendTextTxn sends a message keyed by an explicit transaction id,
// minted fresh by the caller (uuid.NewString()), for at-most-once
// delivery semantics under retry.
func (c *Client) SendTextTxn(ctx context.Context, roomID, body, txnID string) (string, error) {
	if txnID == "" {
		txnID = uuid.NewString()
	}
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: body}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content, mautrix.ReqSendEvent{TransactionID: txnID})
	if err != nil {
		return "", fmt.Errorf("send text (txn %s): %w", txnID, err)
	}
	return string(resp.EventID), nil
}

// SendMessageContent sends an arbitrary message event content (used for
// history seeding's m.letta_historical marker and multimodal payloads).
func (c *Client) SendMessageContent(ctx context.Context, roomID string, content *event.MessageEventContent) (string, error) {
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send message content: %w", err)
	}
	return string(resp.EventID), nil
}

// SendRawContent sends an arbitrary JSON object as a room message event.
// Used where the content needs fields no typed mautrix struct carries,
// such as the m.letta_historical replay marker.
func (c *Client) SendRawContent(ctx context.Context, roomID string, content map[string]any) (string, error) {
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send raw content: %w", err)
	}
	return string(resp.EventID), nil
}

// SendNotice sends an m.notice message, used for bridge-originated status
// text that shouldn't trigger client notification sounds the way m.text does.
func (c *Client) SendNotice(ctx context.Context, roomID, body string) (string, error) {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: body}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send notice: %w", err)
	}
	return string(resp.EventID), nil
}

// EditMessage sends a replacement for eventID per MSC2676 (m.replace),
// used by the streaming live-edit handler to update one message in place.
func (c *Client) EditMessage(ctx context.Context, roomID, eventID, newBody string) (string, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "* " + newBody,
		NewContent: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    newBody,
		},
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: id.EventID(eventID),
		},
	}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("edit message %s: %w", eventID, err)
	}
	return string(resp.EventID), nil
}

// DeleteMessage redacts eventID with no reason given.
func (c *Client) DeleteMessage(ctx context.Context, roomID, eventID string) error {
	return c.Redact(ctx, roomID, eventID, "")
}

// Redact redacts an event with an optional reason.
func (c *Client) Redact(ctx context.Context, roomID, eventID, reason string) error {
	_, err := c.client.RedactEvent(ctx, id.RoomID(roomID), id.EventID(eventID), mautrix.ReqRedact{Reason: reason})
	if err != nil {
		return fmt.Errorf("redact event: %w", err)
	}
	return nil
}

// PutRoomState writes state content of the given type/state_key.
func (c *Client) PutRoomState(ctx context.Context, roomID string, evtType event.Type, stateKey string, content any) error {
	_, err := c.client.SendStateEvent(ctx, id.RoomID(roomID), evtType, stateKey, content)
	if err != nil {
		return fmt.Errorf("put room state %s/%s: %w", evtType.Type, stateKey, err)
	}
	return nil
}

// GetRoomState reads state content into dest. Returns (false, nil) when
// the state key is absent.
func (c *Client) GetRoomState(ctx context.Context, roomID string, evtType event.Type, stateKey string, dest any) (bool, error) {
	err := c.client.StateEvent(ctx, id.RoomID(roomID), evtType, stateKey, dest)
	if err != nil {
		var respErr mautrix.RespError
		if errors.As(err, &respErr) && respErr.ErrCode == mautrix.MNotFound.ErrCode {
			return false, nil
		}
		return false, fmt.Errorf("get room state %s/%s: %w", evtType.Type, stateKey, err)
	}
	return true, nil
}

// CreateRoom creates a room and returns its room id.
func (c *Client) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (string, error) {
	resp, err := c.client.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return string(resp.RoomID), nil
}

// JoinRoom joins a room by id or alias, returning a classified JoinError
// on failure.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	resp, err := c.client.JoinRoom(ctx, roomIDOrAlias, nil)
	if err != nil {
		return "", classifyJoinError(err)
	}
	return string(resp.RoomID), nil
}

// InviteUser invites userID to roomID.
func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	_, err := c.client.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{UserID: id.UserID(userID)})
	return err
}

// KickUser removes userID from roomID.
func (c *Client) KickUser(ctx context.Context, roomID, userID, reason string) error {
	_, err := c.client.KickUser(ctx, id.RoomID(roomID), &mautrix.ReqKickUser{UserID: id.UserID(userID), Reason: reason})
	return err
}

// JoinedRooms lists rooms this identity has joined.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	resp, err := c.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("joined rooms: %w", err)
	}
	out := make([]string, len(resp.JoinedRooms))
	for i, r := range resp.JoinedRooms {
		out[i] = string(r)
	}
	return out, nil
}

// JoinedMembers lists the members of a room this identity has joined.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	resp, err := c.client.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, fmt.Errorf("joined members of %s: %w", roomID, err)
	}
	out := make([]string, 0, len(resp.Joined))
	for uid := range resp.Joined {
		out = append(out, string(uid))
	}
	return out, nil
}

// GetDisplayName gets a user's display name.
func (c *Client) GetDisplayName(ctx context.Context, userID string) (string, error) {
	profile, err := c.client.GetProfile(ctx, id.UserID(userID))
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	return profile.DisplayName, nil
}

// SetDisplayName sets this identity's own display name.
func (c *Client) SetDisplayName(ctx context.Context, displayName string) error {
	if err := c.client.SetDisplayName(ctx, displayName); err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

// DownloadMedia fetches media bytes via the authenticated media endpoint.
func (c *Client) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error) {
	parsed, err := id.ParseContentURI(mxcURI)
	if err != nil {
		return nil, fmt.Errorf("parse mxc uri %q: %w", mxcURI, err)
	}
	data, err := c.client.DownloadBytes(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", mxcURI, err)
	}
	return data, nil
}

// SetTyping sets the typing indicator. Matrix homeservers are known to
// drop the first typing event right after a sync resumes; callers that
// need a guaranteed indicator should send it twice a beat apart (the
// "double-send workaround").
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	_, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout)
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// IsAdminRoom checks if a room is configured as an admin room.
func (c *Client) IsAdminRoom(roomID string) bool {
	for _, adminRoom := range c.config.AdminRooms {
		if adminRoom == roomID {
			return true
		}
	}
	return false
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	if c.msgHandler != nil {
		c.msgHandler(ctx, evt)
	}
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
