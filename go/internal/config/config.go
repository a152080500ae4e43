package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/tablesync/go/internal/realtime/loop"
	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/mcdev12/tablesync/go/internal/realtime/supervisor"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds the tablesync daemon settings.
type Config struct {
	APIBaseURL   string
	SessionToken string
	StatusPort   string
	NATSURL      string
	ClientID     string
	LogLevel     zerolog.Level
	ConfigFile   string
	// LoopQueueSize bounds events waiting for the realtime event loop
	LoopQueueSize int

	File FileConfig
}

// FileConfig is the optional YAML file.
type FileConfig struct {
	Follow struct {
		Games []int64 `yaml:"games"`
		// Topics in "kind:id" form, for kinds other than game
		Topics []string `yaml:"topics"`
	} `yaml:"follow"`
	Realtime struct {
		InitialBackoff   time.Duration `yaml:"initial_backoff"`
		MaxBackoff       time.Duration `yaml:"max_backoff"`
		MaxAttempts      int           `yaml:"max_attempts"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	} `yaml:"realtime"`
	Status struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"status"`
	Cache struct {
		EvictOnRelease bool `yaml:"evict_on_release"`
	} `yaml:"cache"`
}

// NewConfigFromEnv reads TABLESYNC_* environment variables (with defaults).
func NewConfigFromEnv() Config {
	level, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return Config{
		APIBaseURL:   getEnv("TABLESYNC_API_URL", "http://localhost:3000"),
		SessionToken: getEnv("TABLESYNC_SESSION_TOKEN", ""),
		StatusPort:   getEnv("TABLESYNC_STATUS_PORT", "8090"),
		NATSURL:      getEnv("NATS_URL", ""),
		ClientID:     getEnv("TABLESYNC_CLIENT_ID", ""),
		LogLevel:     level,
		ConfigFile:   getEnv("TABLESYNC_CONFIG", "tablesync.yaml"),

		LoopQueueSize: getEnvAsInt("TABLESYNC_LOOP_QUEUE_SIZE", loop.DefaultQueueSize),
	}
}

// Load reads the environment and then the YAML file it names. A missing
// file is not an error.
func Load() (Config, error) {
	cfg := NewConfigFromEnv()

	file, err := loadFile(cfg.ConfigFile)
	if err != nil {
		return cfg, err
	}
	if file != nil {
		cfg.File = *file
	}

	if cfg.SessionToken == "" {
		return cfg, errors.New("TABLESYNC_SESSION_TOKEN is required")
	}
	return cfg, nil
}

func loadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &file, nil
}

// Supervisor returns the connection supervisor settings with file overrides.
func (c Config) Supervisor() supervisor.Config {
	sc := supervisor.DefaultConfig()
	rt := c.File.Realtime
	if rt.InitialBackoff > 0 {
		sc.InitialBackoff = rt.InitialBackoff
	}
	if rt.MaxBackoff > 0 {
		sc.MaxBackoff = rt.MaxBackoff
	}
	if rt.MaxAttempts > 0 {
		sc.MaxAttempts = rt.MaxAttempts
	}
	if rt.HandshakeTimeout > 0 {
		sc.HandshakeTimeout = rt.HandshakeTimeout
	}
	return sc
}

// FollowedTopics returns the topics to subscribe to at startup.
func (c Config) FollowedTopics() ([]protocol.Topic, error) {
	follow := c.File.Follow
	topics := make([]protocol.Topic, 0, len(follow.Games)+len(follow.Topics))
	for _, id := range follow.Games {
		topics = append(topics, protocol.GameTopic(id))
	}
	for _, s := range follow.Topics {
		topic, err := protocol.ParseTopic(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse followed topic: %w", err)
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
