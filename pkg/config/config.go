// Package config loads and validates the solver configuration from a YAML
// file (relay.yaml). CLI flags override file values at the binary layer;
// this package owns defaults and validation only.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/relay/pkg/types"
)

// Mode selects the relay transport.
type Mode string

const (
	// ModeTelegram relays over the Telegram Bot API.
	ModeTelegram Mode = "telegram"
	// ModeFile relays over a watched exchange directory.
	ModeFile Mode = "file"
	// ModeConsole relays on the controlling terminal.
	ModeConsole Mode = "console"
)

// Config is the full solver configuration.
type Config struct {
	// Relay transport selection
	Mode Mode `yaml:"mode" json:"mode"`

	// Telegram backend settings
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`

	// File backend settings
	File FileConfig `yaml:"file" json:"file"`

	// Browser automation settings
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	// Pipeline settings
	Solver SolverConfig `yaml:"solver" json:"solver"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// TelegramConfig configures the Telegram backend.
type TelegramConfig struct {
	Token  string `yaml:"token" json:"token"`
	ChatID string `yaml:"chat_id" json:"chat_id"`

	// AllowedResponders restricts who may answer, as glob patterns over
	// the sender name. Empty allows anyone in the chat.
	AllowedResponders []string `yaml:"allowed_responders" json:"allowed_responders"`
}

// FileConfig configures the exchange-directory backend.
type FileConfig struct {
	Dir string `yaml:"dir" json:"dir"`
}

// BrowserConfig configures the automation session.
type BrowserConfig struct {
	// Endpoint is a CDP endpoint to attach to. Empty launches a browser.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	Headless bool `yaml:"headless" json:"headless"`

	ViewportWidth  int `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height" json:"viewport_height"`
}

// SolverConfig configures the pipeline.
type SolverConfig struct {
	DetectTimeout   time.Duration `yaml:"detect_timeout" json:"detect_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout" json:"response_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// Rows and Cols override the annotation grid. Zero means 3x3.
	Rows int `yaml:"rows" json:"rows"`
	Cols int `yaml:"cols" json:"cols"`

	// Kind overrides challenge kind inference when set.
	Kind string `yaml:"kind" json:"kind"`

	// Inject controls whether the parsed answer is replayed into the page.
	Inject bool `yaml:"inject" json:"inject"`

	// MaxAttempts bounds the outer retry loop.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// LoggingConfig defines logging configuration.
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`
}

// DefaultConfig returns a configuration suitable for most runs.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeConsole,
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 720,
		},
		Solver: SolverConfig{
			DetectTimeout:   10 * time.Second,
			ResponseTimeout: 2 * time.Minute,
			PollInterval:    2 * time.Second,
			Inject:          true,
			MaxAttempts:     3,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for the selected mode. Configuration
// errors are the only error class allowed to abort a run up front.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeTelegram:
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram mode requires a bot token")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram mode requires a chat id")
		}
	case ModeFile:
		if c.File.Dir == "" {
			return fmt.Errorf("file mode requires an exchange directory")
		}
	case ModeConsole:
		// Nothing to validate.
	default:
		return fmt.Errorf("invalid mode: %s (must be 'telegram', 'file', or 'console')", c.Mode)
	}

	if c.Solver.DetectTimeout < 0 {
		return fmt.Errorf("detect_timeout cannot be negative")
	}
	if c.Solver.ResponseTimeout <= 0 {
		return fmt.Errorf("response_timeout must be positive")
	}
	if c.Solver.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Solver.Rows < 0 || c.Solver.Cols < 0 {
		return fmt.Errorf("grid dimensions cannot be negative")
	}
	if c.Solver.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}

	if c.Solver.Kind != "" && types.ParseKind(c.Solver.Kind) == types.KindUnknown {
		return fmt.Errorf("invalid challenge kind: %s (must be 'gridImage', 'textImage', or 'checkbox')", c.Solver.Kind)
	}

	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}
	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}
