// Package config loads the bot's YAML configuration.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the dankbot configuration file.
type Config struct {
	Bot        BotConfig        `yaml:"bot"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Identify   IdentifyConfig   `yaml:"identify"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// BotConfig holds the bot's credentials.
type BotConfig struct {
	UserID string `yaml:"user_id"`
	Token  string `yaml:"token"`
	// TokenFile holds the token on its first line. Used when Token is empty.
	TokenFile string `yaml:"token_file"`
}

// GatewayConfig configures the REST base and the gateway socket.
type GatewayConfig struct {
	APIBase          string        `yaml:"api_base"`
	Version          int           `yaml:"version"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// IdentifyConfig overrides the properties and presence sent on identify.
type IdentifyConfig struct {
	OS      string `yaml:"os"`
	Browser string `yaml:"browser"`
	Device  string `yaml:"device"`
	Game    string `yaml:"game"`
	Status  string `yaml:"status"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// CheckpointConfig configures the session checkpoint file.
type CheckpointConfig struct {
	// Path is empty to disable checkpoints.
	Path   string        `yaml:"path"`
	MaxAge time.Duration `yaml:"max_age"`
}

// Default returns the configuration used when a file leaves values unset.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			APIBase:          "https://discordapp.com/api",
			Version:          6,
			WriteTimeout:     10 * time.Second,
			CloseTimeout:     5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Identify: IdentifyConfig{
			OS:      "windows",
			Browser: "dank",
			Device:  "dank",
			Game:    "The Elder Scrolls Online",
			Status:  "online",
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
		Checkpoint: CheckpointConfig{
			MaxAge: 5 * time.Minute,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Bot.Token == "" && cfg.Bot.TokenFile != "" {
		token, err := readToken(cfg.Bot.TokenFile)
		if err != nil {
			return nil, err
		}
		cfg.Bot.Token = token
	}

	return cfg, nil
}

// Validate reports settings the bot cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Bot.Token == "" {
		errs = append(errs, errors.New("bot token is required (bot.token, bot.token_file or DANK_TOKEN)"))
	}
	if c.Bot.UserID == "" {
		errs = append(errs, errors.New("bot user id is required (bot.user_id or DANK_BOT_USER_ID)"))
	}
	if c.Gateway.APIBase == "" {
		errs = append(errs, errors.New("gateway.api_base is required"))
	}
	if c.Gateway.Version <= 0 {
		errs = append(errs, fmt.Errorf("invalid gateway.version %d", c.Gateway.Version))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DANK_TOKEN"); v != "" {
		c.Bot.Token = v
	}
	if v := os.Getenv("DANK_BOT_USER_ID"); v != "" {
		c.Bot.UserID = v
	}
	if v := os.Getenv("DANK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func readToken(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open token file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return strings.TrimSpace(sc.Text()), nil
}
