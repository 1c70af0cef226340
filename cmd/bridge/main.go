package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/oculair/letta-matrix-bridge/common/crypto"
	"github.com/oculair/letta-matrix-bridge/common/environment"
	"github.com/oculair/letta-matrix-bridge/common/redact"
	"github.com/oculair/letta-matrix-bridge/common/version"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/app"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/media"
)

func main() {
	fmt.Printf("Letta Matrix Bridge %s (%s) built %s\n", version.Version, version.GitCommit, version.BuildTime)

	setLogLevel(environment.StringOr("LOG_LEVEL", "info"))

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	bridge, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize bridge: %v\n", redactErr(err, cfg))
		os.Exit(1)
	}
	defer bridge.Stop()

	if err := bridge.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running bridge: %v\n", redactErr(err, cfg))
		os.Exit(1)
	}
}

// redactErr scrubs credentials out of an error's text before it reaches a
// terminal or log aggregator. Login/HTTP errors occasionally echo back the
// request body they failed on, which would otherwise leak a password or
// bearer token into stderr.
func redactErr(err error, cfg *app.Config) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s", redact.String(err.Error(),
		cfg.BotPassword, cfg.AdminPassword, cfg.MCPPassword, cfg.Letta.Token))
}

// loadConfig loads configuration from the environment table in §6.
func loadConfig() (*app.Config, error) {
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER_URL")
	if err != nil {
		return nil, err
	}
	botUsername, err := environment.RequiredString("MATRIX_USERNAME")
	if err != nil {
		return nil, err
	}
	botPassword, err := environment.RequiredString("MATRIX_PASSWORD")
	if err != nil {
		return nil, err
	}
	lettaURL, err := environment.RequiredString("LETTA_API_URL")
	if err != nil {
		return nil, err
	}

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		return nil, fmt.Errorf("%w (generate one with: openssl rand -hex 32)", err)
	}

	serverName := environment.StringOr("MATRIX_SERVER_NAME", hostOf(homeserver))

	dataDir := environment.StringOr("MATRIX_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	return &app.Config{
		DatabasePath: filepath.Join(dataDir, "bridge.db"),
		MasterKey:    masterKey,

		Homeserver: homeserver,
		ServerName: serverName,

		BotUsername:   botUsername,
		BotPassword:   botPassword,
		AdminUsername: environment.StringOr("MATRIX_ADMIN_USERNAME", ""),
		AdminPassword: environment.StringOr("MATRIX_ADMIN_PASSWORD", ""),
		MCPUsername:   environment.StringOr("MATRIX_MCP_USERNAME", ""),
		MCPPassword:   environment.StringOr("MATRIX_MCP_PASSWORD", ""),

		BaseRoomID: environment.StringOr("MATRIX_ROOM_ID", ""),

		ProvisioningTick: time.Duration(environment.IntOr("MATRIX_AGENT_SYNC_INTERVAL", 60)) * time.Second,
		DevMode:          environment.BoolOr("DEV_MODE", false),

		Letta: letta.Config{
			BaseURL: lettaURL,
			Token:   environment.StringOr("LETTA_TOKEN", ""),
			Timeout: 10 * time.Second,
			DefaultEmbedding: letta.EmbeddingConfig{
				Model:        environment.StringOr("LETTA_EMBEDDING_MODEL", "text-embedding-3-small"),
				EndpointType: environment.StringOr("LETTA_EMBEDDING_ENDPOINT_TYPE", "openai"),
				Endpoint:     environment.StringOr("LETTA_EMBEDDING_ENDPOINT", ""),
				Dim:          environment.IntOr("LETTA_EMBEDDING_DIM", 1536),
				ChunkSize:    environment.IntOr("LETTA_EMBEDDING_CHUNK_SIZE", 300),
			},
		},
		DefaultAgent:     environment.StringOr("LETTA_AGENT_ID", ""),
		StreamingEnabled: environment.BoolOr("LETTA_STREAMING_ENABLED", false),
		StreamingTimeout: time.Duration(environment.IntOr("LETTA_STREAMING_TIMEOUT", 120)) * time.Second,
		AuditRoomID:      environment.StringOr("MATRIX_AUDIT_ROOM_ID", ""),

		OCREnabled: environment.BoolOr("DOCUMENT_PARSING_OCR_ENABLED", false),
		DocumentCfg: media.Config{
			ExtractTimeout: time.Duration(environment.IntOr("DOCUMENT_PARSING_TIMEOUT", 120)) * time.Second,
			MaxTextLength:  environment.IntOr("DOCUMENT_PARSING_MAX_TEXT_LENGTH", 50000),
			MaxSizeBytes:   int64(environment.IntOr("DOCUMENT_PARSING_MAX_SIZE_MB", 50)) * 1024 * 1024,
		},
	}, nil
}

// hostOf extracts the hostname component of a homeserver URL, used as the
// Matrix server_name when MATRIX_SERVER_NAME isn't set explicitly (the
// common case where the two coincide).
func hostOf(homeserverURL string) string {
	u, err := url.Parse(homeserverURL)
	if err != nil || u.Hostname() == "" {
		return homeserverURL
	}
	return u.Hostname()
}

func setLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
