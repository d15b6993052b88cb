// Package config loads Steep's configuration from a YAML document, an
// optional .env file, and UPPER_SNAKE environment overrides of the dotted
// key (spec §6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/steep-wms/steep/pkg/catalog"
)

// Config is the flat-key configuration document from spec §6.
type Config struct {
	TmpPath string `yaml:"tmpPath" env:"TMP_PATH"`
	OutPath string `yaml:"outPath" env:"OUT_PATH"`

	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Controller ControllerConfig `yaml:"controller"`
	Agent      AgentConfig      `yaml:"agent"`
	DB         DBConfig         `yaml:"db"`
	Bus        BusConfig        `yaml:"bus"`
	HTTP       HTTPConfig       `yaml:"http"`

	Services []catalog.Service `yaml:"services"`
}

type BusConfig struct {
	Driver string `yaml:"driver" env:"BUS_DRIVER"` // inmemory, nats
	URL    string `yaml:"url" env:"BUS_URL"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR"` // empty disables the status endpoint
}

type SchedulerConfig struct {
	LookupIntervalMilliseconds int `yaml:"lookupIntervalMilliseconds" env:"SCHEDULER_LOOKUP_INTERVAL_MILLISECONDS"`
}

type ControllerConfig struct {
	LookupIntervalMilliseconds        int `yaml:"lookupIntervalMilliseconds" env:"CONTROLLER_LOOKUP_INTERVAL_MILLISECONDS"`
	LookupOrphansIntervalMilliseconds int `yaml:"lookupOrphansIntervalMilliseconds" env:"CONTROLLER_LOOKUP_ORPHANS_INTERVAL_MILLISECONDS"`
}

type AgentConfig struct {
	Enabled             bool     `yaml:"enabled" env:"AGENT_ENABLED"`
	ID                  string   `yaml:"id" env:"AGENT_ID"`
	Capabilities        []string `yaml:"capabilities" env:"AGENT_CAPABILITIES"`
	BusyTimeoutSeconds  int      `yaml:"busyTimeout" env:"AGENT_BUSY_TIMEOUT"`
	IdleTimeoutSeconds  int      `yaml:"idleTimeout" env:"AGENT_IDLE_TIMEOUT"`
	OutputLinesToCollect int     `yaml:"outputLinesToCollect" env:"AGENT_OUTPUT_LINES_TO_COLLECT"`
}

type DBConfig struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER"` // inmemory, postgresql, mongodb
	URL      string `yaml:"url" env:"DB_URL"`
	Username string `yaml:"username" env:"DB_USERNAME"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
}

// Default returns the configuration with spec §4.5/§4.6/§4.4 default
// intervals and timeouts applied.
func Default() Config {
	return Config{
		TmpPath: os.TempDir(),
		OutPath: os.TempDir(),
		Scheduler: SchedulerConfig{
			LookupIntervalMilliseconds: 20_000,
		},
		Controller: ControllerConfig{
			LookupIntervalMilliseconds:        2_000,
			LookupOrphansIntervalMilliseconds: 5 * 60 * 1000,
		},
		Agent: AgentConfig{
			Enabled:              true,
			BusyTimeoutSeconds:   30,
			IdleTimeoutSeconds:   10,
			OutputLinesToCollect: 100,
		},
		DB:   DBConfig{Driver: "inmemory"},
		Bus:  BusConfig{Driver: "inmemory"},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load reads an optional .env file, parses the YAML document at path (if
// non-empty), starts from Default(), and applies environment overrides
// last, exactly the precedence spec §6 implies (env wins).
func Load(path string) (Config, error) {
	_ = godotenv.Load() // best effort; absence is not an error

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookup("TMP_PATH"); ok {
		cfg.TmpPath = v
	}
	if v, ok := lookup("OUT_PATH"); ok {
		cfg.OutPath = v
	}
	if v, ok := lookupInt("SCHEDULER_LOOKUP_INTERVAL_MILLISECONDS"); ok {
		cfg.Scheduler.LookupIntervalMilliseconds = v
	}
	if v, ok := lookupInt("CONTROLLER_LOOKUP_INTERVAL_MILLISECONDS"); ok {
		cfg.Controller.LookupIntervalMilliseconds = v
	}
	if v, ok := lookupInt("CONTROLLER_LOOKUP_ORPHANS_INTERVAL_MILLISECONDS"); ok {
		cfg.Controller.LookupOrphansIntervalMilliseconds = v
	}
	if v, ok := lookupBool("AGENT_ENABLED"); ok {
		cfg.Agent.Enabled = v
	}
	if v, ok := lookup("AGENT_ID"); ok {
		cfg.Agent.ID = v
	}
	if v, ok := lookup("AGENT_CAPABILITIES"); ok {
		cfg.Agent.Capabilities = strings.Split(v, ",")
	}
	if v, ok := lookupInt("AGENT_BUSY_TIMEOUT"); ok {
		cfg.Agent.BusyTimeoutSeconds = v
	}
	if v, ok := lookupInt("AGENT_IDLE_TIMEOUT"); ok {
		cfg.Agent.IdleTimeoutSeconds = v
	}
	if v, ok := lookupInt("AGENT_OUTPUT_LINES_TO_COLLECT"); ok {
		cfg.Agent.OutputLinesToCollect = v
	}
	if v, ok := lookup("DB_DRIVER"); ok {
		cfg.DB.Driver = v
	}
	if v, ok := lookup("DB_URL"); ok {
		cfg.DB.URL = v
	}
	if v, ok := lookup("DB_USERNAME"); ok {
		cfg.DB.Username = v
	}
	if v, ok := lookup("DB_PASSWORD"); ok {
		cfg.DB.Password = v
	}
	if v, ok := lookup("BUS_DRIVER"); ok {
		cfg.Bus.Driver = v
	}
	if v, ok := lookup("BUS_URL"); ok {
		cfg.Bus.URL = v
	}
	if v, ok := lookup("HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
}

func lookup(dottedKey string) (string, bool) {
	v, ok := os.LookupEnv(dottedKey)
	return v, ok
}

func lookupInt(key string) (int, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupBool(key string) (bool, bool) {
	v, ok := lookup(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the invariants the rest of the system assumes hold.
func (c Config) Validate() error {
	if c.TmpPath == "" {
		return fmt.Errorf("config: tmpPath is required")
	}
	if c.OutPath == "" {
		return fmt.Errorf("config: outPath is required")
	}
	switch c.DB.Driver {
	case "inmemory", "postgresql", "mongodb":
	default:
		return fmt.Errorf("config: unsupported db.driver %q", c.DB.Driver)
	}
	switch c.Bus.Driver {
	case "inmemory", "nats":
	default:
		return fmt.Errorf("config: unsupported bus.driver %q", c.Bus.Driver)
	}
	if c.Bus.Driver == "nats" && c.Bus.URL == "" {
		return fmt.Errorf("config: bus.url is required when bus.driver is nats")
	}
	if c.Agent.Enabled && c.Agent.ID == "" {
		return fmt.Errorf("config: agent.id is required when agent.enabled")
	}
	return nil
}

func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.LookupIntervalMilliseconds) * time.Millisecond
}

func (c ControllerConfig) Interval() time.Duration {
	return time.Duration(c.LookupIntervalMilliseconds) * time.Millisecond
}

func (c ControllerConfig) OrphanScanInterval() time.Duration {
	return time.Duration(c.LookupOrphansIntervalMilliseconds) * time.Millisecond
}

func (c AgentConfig) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutSeconds) * time.Second
}

func (c AgentConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}
