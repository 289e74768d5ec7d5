package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"geoquest-engine/internal/domain"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Redis     Redis     `yaml:"redis"`
	Postgres  Postgres  `yaml:"postgres"`
	Bundles   Bundles   `yaml:"bundles"`
	Log       Log       `yaml:"log"`
	Tracing   Tracing   `yaml:"tracing"`
	Evaluator Evaluator `yaml:"evaluator"`
	Limits    Limits    `yaml:"limits"`
	Rewards   Rewards   `yaml:"rewards"`
}

type Server struct {
	Port string `yaml:"port" env:"PORT"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

type Postgres struct {
	URL string `yaml:"url" env:"DATABASE_URL"`
}

// Bundles configures where task bundles come from when no database is set.
type Bundles struct {
	TTL string `yaml:"ttl"`
	Dir string `yaml:"dir" env:"BUNDLES_DIR"`
}

type Log struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Tracing is opt-in: spans are exported only when Endpoint is set.
type Tracing struct {
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"serviceName"`
}

// Evaluator is the chat-completions endpoint judging high-stakes free-text answers.
type Evaluator struct {
	BaseURL string `yaml:"baseUrl" env:"EVALUATOR_BASE_URL"`
	APIKey  string `yaml:"apiKey" env:"EVALUATOR_API_KEY"`
	Model   string `yaml:"model" env:"EVALUATOR_MODEL"`
	Timeout string `yaml:"timeout"`
}

// Enabled reports whether an evaluator endpoint is configured.
func (e Evaluator) Enabled() bool {
	return e.BaseURL != ""
}

// Limits throttles answer submissions per websocket connection.
type Limits struct {
	AnswersPerSecond float64 `yaml:"answersPerSecond"`
	Burst            int     `yaml:"burst"`
}

// EntryFee is one tier of the bounty fee schedule.
type EntryFee struct {
	MinBounty int `yaml:"minBounty"`
	Fee       int `yaml:"fee"`
}

type Rewards struct {
	PerTaskCoins  map[domain.Mode]int `yaml:"perTask"`
	StartingCoins int                 `yaml:"startingCoins"`
	EntryFees     []EntryFee          `yaml:"entryFees"`
	Units         map[string]int      `yaml:"units"`
}

// Load reads YAML config from path, then applies environment overrides and defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return finish(cfg)
}

// FromEnv builds the configuration from environment variables and defaults alone.
func FromEnv() (Config, error) {
	return finish(Config{})
}

func finish(cfg Config) (Config, error) {
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// Default returns the configuration used when no file is present.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "geoquest-engine"
	}
	if c.Limits.AnswersPerSecond <= 0 {
		c.Limits.AnswersPerSecond = 5
	}
	if c.Limits.Burst <= 0 {
		c.Limits.Burst = 10
	}
	if c.Rewards.PerTaskCoins == nil {
		c.Rewards.PerTaskCoins = map[domain.Mode]int{
			domain.ModeStandard: 1,
			domain.ModeHardmode: 2,
			domain.ModePreTask:  1,
			domain.ModeBounty:   3,
		}
	}
	if c.Rewards.Units == nil {
		c.Rewards.Units = map[string]int{}
	}
}

// Validate rejects values that would break the coin rules.
func (c Config) Validate() error {
	for mode, coins := range c.Rewards.PerTaskCoins {
		if !mode.Valid() {
			return fmt.Errorf("rewards.perTask: unknown mode %q", mode)
		}
		if coins < 0 {
			return fmt.Errorf("rewards.perTask.%s: must not be negative", mode)
		}
	}
	if c.Rewards.StartingCoins < 0 {
		return fmt.Errorf("rewards.startingCoins: must not be negative")
	}
	for _, tier := range c.Rewards.EntryFees {
		if tier.Fee < 0 {
			return fmt.Errorf("rewards.entryFees: fee must not be negative")
		}
	}
	for unit, value := range c.Rewards.Units {
		if value < 0 {
			return fmt.Errorf("rewards.units.%s: bounty value must not be negative", unit)
		}
	}
	return nil
}

// PerTask implements app.RewardSchedule.
func (r Rewards) PerTask(mode domain.Mode) int {
	return r.PerTaskCoins[mode]
}

// EntryFee implements app.FeeSchedule: the fee of the highest tier whose minimum the value reaches.
func (r Rewards) EntryFee(bountyValue int) int {
	tiers := append([]EntryFee(nil), r.EntryFees...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinBounty < tiers[j].MinBounty })
	fee := 0
	for _, tier := range tiers {
		if bountyValue >= tier.MinBounty {
			fee = tier.Fee
		}
	}
	return fee
}

// BountyValue implements app.UnitCatalog.
func (r Rewards) BountyValue(unitID string) (int, bool) {
	v, ok := r.Units[unitID]
	return v, ok
}

// UnitIDs lists configured units in a stable order.
func (r Rewards) UnitIDs() []string {
	out := make([]string, 0, len(r.Units))
	for unit := range r.Units {
		out = append(out, unit)
	}
	sort.Strings(out)
	return out
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
