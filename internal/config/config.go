// Package config loads the shared league configuration from YAML. The same
// file is read by all three agent kinds; each picks the sections it needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	League  LeagueConfig  `yaml:"league"`
	Scoring ScoringConfig `yaml:"scoring"`
	Network NetworkConfig `yaml:"network"`
	Timeout TimeoutConfig `yaml:"timeouts"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"circuit_breaker"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
}

type LeagueConfig struct {
	ID              string `yaml:"id"`
	GameType        string `yaml:"game_type"`
	MinPlayers      int    `yaml:"min_players"`
	MaxPlayers      int    `yaml:"max_players"`
	NumberRange     []int  `yaml:"number_range"`
	DrawOnBothWrong bool   `yaml:"draw_on_both_wrong"`
	RoundDelaySec   int    `yaml:"round_delay_seconds"`
}

type ScoringConfig struct {
	WinPoints           int `yaml:"win_points"`
	DrawPoints          int `yaml:"draw_points"`
	LossPoints          int `yaml:"loss_points"`
	TechnicalLossPoints int `yaml:"technical_loss_points"`
}

type NetworkConfig struct {
	BaseHost         string `yaml:"base_host"`
	ManagerPort      int    `yaml:"manager_port"`
	RefereePortStart int    `yaml:"referee_port_start"`
	PlayerPortStart  int    `yaml:"player_port_start"`
}

// TimeoutConfig values are in seconds.
type TimeoutConfig struct {
	JoinAck      int `yaml:"join_ack"`
	Move         int `yaml:"move"`
	Generic      int `yaml:"generic"`
	Registration int `yaml:"registration"`
	HTTP         int `yaml:"http"`
}

type RetryConfig struct {
	MaxRetries  int    `yaml:"max_retries"`
	Strategy    string `yaml:"strategy"`
	BaseSeconds int    `yaml:"base_seconds"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	OpenTimeoutSec   int `yaml:"open_timeout_seconds"`
	HalfOpenProbes   int `yaml:"half_open_probes"`
}

type AuthConfig struct {
	TokenTTLHours int `yaml:"token_ttl_hours"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	LogDir  string `yaml:"log_dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		League: LeagueConfig{
			ID:              "league_2025_even_odd",
			GameType:        "even_odd",
			MinPlayers:      2,
			MaxPlayers:      16,
			NumberRange:     []int{0, 99},
			DrawOnBothWrong: true,
			RoundDelaySec:   2,
		},
		Scoring: ScoringConfig{WinPoints: 3, DrawPoints: 1, LossPoints: 0, TechnicalLossPoints: 0},
		Network: NetworkConfig{
			BaseHost:         "localhost",
			ManagerPort:      8000,
			RefereePortStart: 8001,
			PlayerPortStart:  8101,
		},
		Timeout: TimeoutConfig{JoinAck: 5, Move: 30, Generic: 10, Registration: 5, HTTP: 5},
		Retry:   RetryConfig{MaxRetries: 3, Strategy: "exponential", BaseSeconds: 1},
		Breaker: BreakerConfig{FailureThreshold: 5, OpenTimeoutSec: 30, HalfOpenProbes: 1},
		Auth:    AuthConfig{TokenTTLHours: 24},
		Storage: StorageConfig{DataDir: "shared/data", LogDir: "shared/logs"},
	}
}

// LoadConfig reads path and overlays it on the defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the agents cannot run with.
func (c *Config) Validate() error {
	if len(c.League.NumberRange) != 2 || c.League.NumberRange[0] > c.League.NumberRange[1] {
		return fmt.Errorf("league.number_range must be [lo, hi] with lo <= hi")
	}
	if c.League.MinPlayers < 2 {
		return fmt.Errorf("league.min_players must be >= 2")
	}
	if c.League.MaxPlayers < c.League.MinPlayers {
		return fmt.Errorf("league.max_players must be >= min_players")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be >= 1")
	}
	return nil
}

func (c *Config) JoinAckTimeout() time.Duration { return secs(c.Timeout.JoinAck) }
func (c *Config) MoveTimeout() time.Duration    { return secs(c.Timeout.Move) }
func (c *Config) GenericTimeout() time.Duration { return secs(c.Timeout.Generic) }
func (c *Config) HTTPTimeout() time.Duration    { return secs(c.Timeout.HTTP) }
func (c *Config) RetryBase() time.Duration      { return secs(c.Retry.BaseSeconds) }
func (c *Config) BreakerOpenTimeout() time.Duration {
	return secs(c.Breaker.OpenTimeoutSec)
}
func (c *Config) RoundDelay() time.Duration { return secs(c.League.RoundDelaySec) }
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
