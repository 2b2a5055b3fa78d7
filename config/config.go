package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// ErrInvalidConfig wraps every validation failure returned by LoadConfig.
var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultNamadacPath    = "namadac"
	DefaultKeyNode        = "http://localhost:26657"
	DefaultBackfillWindow = 100
	DefaultPollInterval   = 250 // milliseconds
	DefaultRPCTimeout     = 10  // seconds
	DefaultExecTimeout    = 30  // seconds
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "plain"
)

// Config is loaded once at startup and never mutated afterwards.
type Config struct {
	RPC              string `toml:"rpc"`
	Operator         string `toml:"operator"`
	BotToken         string `toml:"bot_token"`
	ChatID           string `toml:"-"`
	MissNotification int64  `toml:"-"`
	ChainID          string `toml:"chain_id"`

	NamadacPath    string `toml:"namadac_path"`
	KeyNode        string `toml:"key_node"`
	BackfillWindow int64  `toml:"backfill_window"`
	PollInterval   int64  `toml:"poll_interval"`
	RPCTimeout     int64  `toml:"rpc_timeout"`
	ExecTimeout    int64  `toml:"exec_timeout"`
	MetricsListen  string `toml:"metrics_listen"`
	LogLevel       string `toml:"log_level"`
	LogFormat      string `toml:"log_format"`
}

func LoadConfig(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	tree, err := toml.LoadReader(file)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config file: %w", err)
	}
	return fromTree(tree)
}

// ParseConfig decodes a TOML document held in memory.
func ParseConfig(data string) (Config, error) {
	tree, err := toml.Load(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return fromTree(tree)
}

func fromTree(tree *toml.Tree) (Config, error) {
	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	// chat_id and miss_notification show up both quoted and bare in the wild.
	chatID, err := stringOrInt(tree.Get("chat_id"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: chat_id: %v", ErrInvalidConfig, err)
	}
	cfg.ChatID = chatID

	threshold, err := stringOrInt(tree.Get("miss_notification"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: miss_notification: %v", ErrInvalidConfig, err)
	}
	if threshold != "" {
		cfg.MissNotification, err = strconv.ParseInt(threshold, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%w: miss_notification %q is not an integer", ErrInvalidConfig, threshold)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stringOrInt(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}

func (c *Config) applyDefaults() {
	if c.NamadacPath == "" {
		c.NamadacPath = DefaultNamadacPath
	}
	if c.KeyNode == "" {
		c.KeyNode = DefaultKeyNode
	}
	if c.BackfillWindow == 0 {
		c.BackfillWindow = DefaultBackfillWindow
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	c.RPC = strings.TrimRight(c.RPC, "/")
}

// Validate reports the first missing or out of range setting.
func (c Config) Validate() error {
	required := []struct {
		key, value string
	}{
		{"rpc", c.RPC},
		{"operator", c.Operator},
		{"bot_token", c.BotToken},
		{"chat_id", c.ChatID},
		{"chain_id", c.ChainID},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, r.key)
		}
	}

	if c.MissNotification < 1 {
		return fmt.Errorf("%w: miss_notification must be at least 1, got %d", ErrInvalidConfig, c.MissNotification)
	}
	if c.BackfillWindow < 0 {
		return fmt.Errorf("%w: backfill_window must not be negative", ErrInvalidConfig)
	}
	if c.PollInterval < 0 || c.RPCTimeout < 0 || c.ExecTimeout < 0 {
		return fmt.Errorf("%w: intervals and timeouts must not be negative", ErrInvalidConfig)
	}
	switch c.LogFormat {
	case "plain", "json":
	default:
		return fmt.Errorf("%w: log_format must be plain or json, got %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

func (c Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

func (c Config) RPCTimeoutDuration() time.Duration {
	return time.Duration(c.RPCTimeout) * time.Second
}

func (c Config) ExecTimeoutDuration() time.Duration {
	return time.Duration(c.ExecTimeout) * time.Second
}
