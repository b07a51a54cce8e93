package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/storechat/internal/logger"
	"gopkg.in/yaml.v3"
)

// StorageConfig selects where the guest session key is persisted.
// Drivers: "file" (default), "memory", "redis".
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	Redis  string `yaml:"redis_url"`
}

// Config holds every knob of the chat client.
// Priority: environment variables > YAML file > defaults.
type Config struct {
	// Backend collaborator
	BackendBaseURL string        `yaml:"backend_base_url"`
	WSURL          string        `yaml:"ws_url"`
	HTTPTimeout    time.Duration `yaml:"-"`

	// History pagination
	HistoryPageSize int `yaml:"history_page_size"`

	// Send fallback: delay before the post-send history refetch that
	// reconciles a lost live echo.
	SendRefetchDelay time.Duration `yaml:"-"`

	// Reconnection
	ReconnectBaseDelay   time.Duration `yaml:"-"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	// WebSocket tuning
	HandshakeTimeout time.Duration `yaml:"-"`
	WSWriteTimeout   int           `yaml:"ws_write_timeout"`
	WSPongTimeout    int           `yaml:"ws_pong_timeout"`
	WSMaxMessageSize int           `yaml:"ws_max_message_size"`
	WSSendBufferSize int           `yaml:"ws_send_buffer_size"`

	Storage StorageConfig `yaml:"storage"`

	LogLevel string `yaml:"log_level"`
}

// yamlConfig mirrors the YAML file; durations are whole numbers there.
type yamlConfig struct {
	BackendBaseURL       string        `yaml:"backend_base_url"`
	WSURL                string        `yaml:"ws_url"`
	HTTPTimeoutSec       int           `yaml:"http_timeout"`
	HistoryPageSize      int           `yaml:"history_page_size"`
	SendRefetchDelayMS   int           `yaml:"send_refetch_delay_ms"`
	ReconnectBaseDelayMS int           `yaml:"reconnect_base_delay_ms"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HandshakeTimeoutSec  int           `yaml:"handshake_timeout"`
	WSWriteTimeout       int           `yaml:"ws_write_timeout"`
	WSPongTimeout        int           `yaml:"ws_pong_timeout"`
	WSMaxMessageSize     int           `yaml:"ws_max_message_size"`
	WSSendBufferSize     int           `yaml:"ws_send_buffer_size"`
	Storage              StorageConfig `yaml:"storage"`
	LogLevel             string        `yaml:"log_level"`
}

// Load builds the configuration. A .env file is applied first (existing
// environment wins), then CONFIG_PATH or config/chat.yaml, then the
// environment on top.
func Load() *Config {
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	yc := yamlConfig{
		BackendBaseURL:       "http://localhost:8090",
		WSURL:                "ws://localhost:8090/ws",
		HTTPTimeoutSec:       10,
		HistoryPageSize:      150,
		SendRefetchDelayMS:   200,
		ReconnectBaseDelayMS: 1000,
		MaxReconnectAttempts: 5,
		HandshakeTimeoutSec:  10,
		WSWriteTimeout:       10,
		WSPongTimeout:        60,
		WSMaxMessageSize:     4096,
		WSSendBufferSize:     256,
		Storage:              StorageConfig{Driver: "file", Path: ".storechat-session.json", Redis: "redis://localhost:6379"},
		LogLevel:             "info",
	}

	paths := []string{os.Getenv("CONFIG_PATH"), "config/chat.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (using defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	cfg := &Config{
		BackendBaseURL:       envStr("BACKEND_BASE_URL", yc.BackendBaseURL),
		WSURL:                envStr("WS_URL", yc.WSURL),
		HTTPTimeout:          time.Duration(envInt("HTTP_TIMEOUT", yc.HTTPTimeoutSec)) * time.Second,
		HistoryPageSize:      envInt("HISTORY_PAGE_SIZE", yc.HistoryPageSize),
		SendRefetchDelay:     time.Duration(envInt("SEND_REFETCH_DELAY_MS", yc.SendRefetchDelayMS)) * time.Millisecond,
		ReconnectBaseDelay:   time.Duration(envInt("RECONNECT_BASE_DELAY_MS", yc.ReconnectBaseDelayMS)) * time.Millisecond,
		MaxReconnectAttempts: envInt("MAX_RECONNECT_ATTEMPTS", yc.MaxReconnectAttempts),
		HandshakeTimeout:     time.Duration(envInt("HANDSHAKE_TIMEOUT", yc.HandshakeTimeoutSec)) * time.Second,
		WSWriteTimeout:       envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeout),
		WSPongTimeout:        envInt("WS_PONG_TIMEOUT", yc.WSPongTimeout),
		WSMaxMessageSize:     envInt("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize),
		WSSendBufferSize:     envInt("WS_SEND_BUFFER_SIZE", yc.WSSendBufferSize),
		Storage: StorageConfig{
			Driver: envStr("STORAGE_DRIVER", yc.Storage.Driver),
			Path:   envStr("STORAGE_PATH", yc.Storage.Path),
			Redis:  envStr("REDIS_URL", yc.Storage.Redis),
		},
		LogLevel: envStr("LOG_LEVEL", yc.LogLevel),
	}

	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 150
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}

	return cfg
}

// envStr returns the environment value or fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the numeric environment value or fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
