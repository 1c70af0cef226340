// Package provisioning drives agent Matrix account and room lifecycle:
// the UserManager registers and checks Matrix accounts, the SpaceManager
// owns the shared "Letta Agents" space, the RoomManager owns per-agent
// rooms, and the Engine ties all three together on a fixed tick.
package provisioning

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/oculair/letta-matrix-bridge/common/redact"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/matrix"
)

// ExistenceState is the result of probing whether a Matrix account exists.
type ExistenceState int

const (
	NotFound ExistenceState = iota
	Exists
	ExistsAuthFailed
)

var leadingAgentPrefix = regexp.MustCompile(`^agent-`)
var invalidLocalpartChar = regexp.MustCompile(`[^A-Za-z0-9_]`)

// GenerateUsername derives a deterministic Matrix localpart from an
// agent_id. It strips a leading "agent-" token, turns every remaining "-"
// into "_", drops any character outside [A-Za-z0-9_], and prefixes
// "agent_". It never depends on the agent's display name, so a rename in
// Letta never changes the account.
func GenerateUsername(agentID string) string {
	stripped := leadingAgentPrefix.ReplaceAllString(agentID, "")
	underscored := strings.ReplaceAll(stripped, "-", "_")
	cleaned := invalidLocalpartChar.ReplaceAllString(underscored, "")
	return "agent_" + cleaned
}

const devModePassword = "dev-mode-matrix-password"

// GeneratePassword returns a 16-character random alphanumeric password, or
// the fixed devModePassword when devMode is set (for local test parity
// across restarts without persisting real secrets).
func GeneratePassword(devMode bool) (string, error) {
	if devMode {
		return devModePassword, nil
	}

	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 16)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("generate random password: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// UserManagerConfig configures account registration.
type UserManagerConfig struct {
	Homeserver       string
	ServerName       string // the part after ':' in every local MXID
	AdminUserID      string
	AdminAccessToken string
	DevMode          bool
}

// UserManager registers, probes, and renames Matrix accounts for agents.
type UserManager struct {
	cfg         UserManagerConfig
	adminClient *matrix.Client
}

// NewUserManager builds a UserManager authenticated as the configured
// Matrix admin.
func NewUserManager(cfg UserManagerConfig) (*UserManager, error) {
	if cfg.Homeserver == "" || cfg.AdminUserID == "" || cfg.AdminAccessToken == "" {
		return nil, fmt.Errorf("provisioning: Homeserver, AdminUserID and AdminAccessToken are required")
	}
	adminClient, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Homeserver,
		UserID:      cfg.AdminUserID,
		AccessToken: cfg.AdminAccessToken,
	})
	if err != nil {
		return nil, fmt.Errorf("provisioning: create admin client: %w", err)
	}
	return &UserManager{cfg: cfg, adminClient: adminClient}, nil
}

// MXID builds the full Matrix user ID for a localpart on this homeserver.
func (m *UserManager) MXID(localpart string) string {
	return fmt.Sprintf("@%s:%s", localpart, m.cfg.ServerName)
}

// CheckUserExists probes for an account by attempting a login with a
// dummy password and classifying the homeserver's reply.
func (m *UserManager) CheckUserExists(ctx context.Context, localpart string) ExistenceState {
	_, err := matrix.Login(ctx, m.cfg.Homeserver, localpart, "__bridge_probe_dummy_password__")
	if err == nil {
		return Exists
	}

	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		switch respErr.ErrCode {
		case mautrix.MForbidden.ErrCode, "M_USER_DEACTIVATED":
			return ExistsAuthFailed
		case mautrix.MNotFound.ErrCode:
			return NotFound
		}
	}
	return NotFound
}

// CreateMatrixUser registers a new account with a no-challenge (dummy)
// auth stanza, then sets its display name with the returned token.
// M_USER_IN_USE is treated as success (the account already exists).
func (m *UserManager) CreateMatrixUser(ctx context.Context, localpart, password, displayName string) bool {
	client, err := mautrix.NewClient(m.cfg.Homeserver, "", "")
	if err != nil {
		slog.Error("create matrix user: build client", "localpart", localpart, "err", err)
		return false
	}

	resp, err := client.RegisterDummy(ctx, &mautrix.ReqRegister{
		Username:                 localpart,
		Password:                 password,
		InitialDeviceDisplayName: displayName,
	})
	if err != nil {
		var respErr mautrix.RespError
		if errors.As(err, &respErr) && respErr.ErrCode == "M_USER_IN_USE" {
			slog.Info("matrix user already registered", "localpart", localpart)
			return true
		}
		slog.Error("create matrix user: register", "localpart", localpart, "err", redact.String(err.Error(), password))
		return false
	}

	client.AccessToken = resp.AccessToken
	client.UserID = resp.UserID
	if err := client.SetDisplayName(ctx, displayName); err != nil {
		slog.Warn("create matrix user: set display name failed", "mxid", resp.UserID, "err", err)
	}
	slog.Info("matrix user provisioned", "mxid", resp.UserID)
	return true
}

// SetDisplayName sets a display name using that identity's own token.
func (m *UserManager) SetDisplayName(ctx context.Context, userID, accessToken, displayName string) error {
	client, err := mautrix.NewClient(m.cfg.Homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return fmt.Errorf("set display name: build client: %w", err)
	}
	if err := client.SetDisplayName(ctx, displayName); err != nil {
		return fmt.Errorf("set display name for %s: %w", userID, err)
	}
	return nil
}

// CoreUser describes one of the bridge's own fixed identities that must
// exist before provisioning starts (admin, main bot, MCP bot, ...).
type CoreUser struct {
	UserID      string
	Localpart   string
	Password    string
	DisplayName string
}

// EnsureCoreUsersExist creates any missing core identity, tolerating
// partial failures — one broken account never aborts the whole batch.
func (m *UserManager) EnsureCoreUsersExist(ctx context.Context, users []CoreUser) {
	for _, u := range users {
		switch m.CheckUserExists(ctx, u.Localpart) {
		case Exists, ExistsAuthFailed:
			continue
		case NotFound:
			if !m.CreateMatrixUser(ctx, u.Localpart, u.Password, u.DisplayName) {
				slog.Error("failed to provision core user", "mxid", u.UserID)
			}
		}
	}
}

// AdminClient exposes the underlying admin-authenticated client for
// components (SpaceManager, RoomManager) that need raw homeserver calls.
func (m *UserManager) AdminClient() *matrix.Client {
	return m.adminClient
}
