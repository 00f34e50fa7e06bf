// Package config loads the bridge's single JSONC configuration file:
// the fields spec.md §6 names as the configuration surface (default
// engine, per-engine permission mode / allowed tools, progress display
// policy, preamble, cost budget, message-overflow policy), plus the
// persisted per-chat engine-override store. It deliberately does not
// specify an on-disk TOML schema (explicit non-goal) — JSONC with
// tolerant comments, via StripJSONComments, is the
// teacher's own style (see jsonc.go) and is kept unchanged.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/riverrun/untether/internal/control"
	"github.com/riverrun/untether/internal/cost"
)

// EngineConfig is one engine's launch policy.
type EngineConfig struct {
	PermissionMode control.PermissionMode `json:"permission_mode"`
	AllowedTools   []string               `json:"allowed_tools"`
	Model          string                 `json:"model"`
	Command        string                 `json:"command"`
	// Sandbox selects the subprocess isolation strategy: "" (or "local")
	// runs the engine's CLI directly via os/exec; "docker" runs it inside
	// a container through internal/sandbox/docker.
	Sandbox string `json:"sandbox"`
}

// ProgressConfig controls how much of a run's activity the Progress
// Editor renders.
type ProgressConfig struct {
	Verbosity  string `json:"verbosity"` // "compact" or "verbose"
	MaxActions int    `json:"max_actions"`
}

// PreambleConfig is the constant system preface prepended to every
// prompt, exposed as a first-class option per spec.md's Design Notes
// rather than a hidden default.
type PreambleConfig struct {
	Enabled bool   `json:"enabled"`
	Text    string `json:"text"`
}

// CostConfig mirrors the configuration-surface shape of cost.Budget.
type CostConfig struct {
	MaxPerRun  *float64 `json:"max_per_run"`
	MaxPerDay  *float64 `json:"max_per_day"`
	WarnAtPct  int      `json:"warn_at_pct"`
	AutoCancel bool     `json:"auto_cancel"`
}

func (c CostConfig) Budget() cost.Budget {
	return cost.Budget{
		MaxCostPerRun: c.MaxPerRun,
		MaxCostPerDay: c.MaxPerDay,
		WarnAtPct:     c.WarnAtPct,
		AutoCancel:    c.AutoCancel,
	}
}

// OverflowPolicy names how a too-long anchor message is handled.
type OverflowPolicy string

const (
	OverflowTrim  OverflowPolicy = "trim"
	OverflowSplit OverflowPolicy = "split"
)

// TelegramConfig is the bot transport's own configuration surface: a
// single chat the bridge is pinned to (matching the original source's
// one-operator-one-chat deployment model) plus an allow-list of user ids
// that may actually drive it, since a bot token alone grants no Telegram
// access control of its own.
type TelegramConfig struct {
	BotToken       string  `json:"bot_token"`
	ChatID         int64   `json:"chat_id"`
	AllowedUserIDs []int64 `json:"allowed_user_ids"`
}

// Config is everything the bridge reads from its JSONC file.
type Config struct {
	DefaultEngine   string                  `json:"default_engine"`
	Engines         map[string]EngineConfig `json:"engines"`
	Progress        ProgressConfig          `json:"progress"`
	Preamble        PreambleConfig          `json:"preamble"`
	Cost            CostConfig              `json:"cost"`
	MessageOverflow OverflowPolicy          `json:"message_overflow"`
	WorkDir         string                  `json:"work_dir"`
	UseAPIBilling   bool                    `json:"use_api_billing"`
	WebhookAddr     string                  `json:"webhook_addr"`
	WebhookToken    string                  `json:"webhook_token"`
	Telegram        TelegramConfig          `json:"telegram"`
	// Hooks maps a webhook trigger id to the chat it should dispatch
	// into, e.g. {"ci": "-100123456789"}. Only ids present here can ever
	// be reached through internal/trigger/webhook, regardless of what
	// scope a bearer token carries.
	Hooks map[string]string `json:"hooks"`
}

// Load reads path, strips JSONC comments, and decodes it into a Config
// with defaults filled in. Trailing commas are not removed, so a file that
// contains them fails to parse.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	stripped := StripJSONComments(raw)
	var cfg Config
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Progress.MaxActions == 0 {
		cfg.Progress.MaxActions = 5
	}
	if cfg.MessageOverflow == "" {
		cfg.MessageOverflow = OverflowTrim
	}
	return &cfg, nil
}

// ChatOverrides is the persisted, atomically-replaced per-chat engine
// override store: a chat that runs "/engine droid" sticks to that engine
// until changed again, surviving a process restart.
type ChatOverrides struct {
	path string
}

// NewChatOverrides returns a store backed by path (created on first Set
// if it doesn't exist).
func NewChatOverrides(path string) *ChatOverrides {
	return &ChatOverrides{path: path}
}

func (s *ChatOverrides) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns chatID's overridden engine id, if any.
func (s *ChatOverrides) Get(chatID string) (string, bool) {
	m, err := s.load()
	if err != nil {
		return "", false
	}
	engine, ok := m[chatID]
	return engine, ok
}

// Set persists chatID's engine override via an atomic rename, so a crash
// mid-write never leaves a truncated file for the next Load to choke on.
func (s *ChatOverrides) Set(chatID, engine string) error {
	m, err := s.load()
	if err != nil {
		return err
	}
	m[chatID] = engine
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".overrides-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}
