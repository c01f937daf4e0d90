package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/oppi-dev/oppi/internal/gate"
	"github.com/oppi-dev/oppi/internal/policy"
)

// SupervisorConfig carries the Session Supervisor knobs spec §4.5 leaves to
// deployment configuration.
type SupervisorConfig struct {
	IdleTimeoutSeconds int `json:"idleTimeoutSeconds,omitempty"`
}

// GateConfig carries the Permission Gate's two timeout knobs (spec §4.2,
// §5).
type GateConfig struct {
	AskTimeoutSeconds    int `json:"askTimeoutSeconds,omitempty"`
	NoClientGraceSeconds int `json:"noClientGraceSeconds,omitempty"`
}

// FanoutConfig carries the Event Fan-out's ring retention caps (spec §4.3).
type FanoutConfig struct {
	MaxEvents int `json:"maxEvents,omitempty"`
	MaxBytes  int `json:"maxBytes,omitempty"`
}

// StreamConfig carries the Stream Multiplexer's per-connection knobs
// (spec §4.6).
type StreamConfig struct {
	OutboundBuffer     int     `json:"outboundBuffer,omitempty"`
	InboundRatePerSec  float64 `json:"inboundRatePerSec,omitempty"`
	InboundBurst       int     `json:"inboundBurst,omitempty"`
	ProtocolConstraint string  `json:"protocolConstraint,omitempty"`
}

// Config is the merged, top-level configuration document.
type Config struct {
	Supervisor SupervisorConfig `json:"supervisor,omitempty"`
	Gate       GateConfig       `json:"gate,omitempty"`
	Fanout     FanoutConfig     `json:"fanout,omitempty"`
	Stream     StreamConfig     `json:"stream,omitempty"`

	// ToolClasses overrides the static default-risk registry (spec §9 Open
	// Question 3: "built-in risk tiers should be expressed as
	// configuration, not hard-coded"). Keyed by tool name.
	ToolClasses map[string]ToolClassEntry `json:"toolClasses,omitempty"`
}

// ToolClassEntry is the JSONC shape of one policy.ToolClass entry.
type ToolClassEntry struct {
	DefaultAction policy.Action `json:"defaultAction"`
	DefaultRisk   policy.Risk   `json:"defaultRisk"`
}

// Load reads the global and project config files (JSONC, comments
// stripped), merges them global-first / project-second, applies OPPI_*
// environment overrides, and returns the result. A missing file at either
// layer is not an error — it's simply skipped.
func Load(directory string) (*Config, error) {
	cfg := &Config{}

	if err := loadConfigFile(filepath.Join(GetPaths().Config, "oppi.jsonc"), cfg); err != nil {
		return nil, err
	}
	if directory != "" {
		if err := loadConfigFile(filepath.Join(directory, ".oppi", "oppi.jsonc"), cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadConfigFile(path string, target *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil // absent file, nothing to merge
	}

	var fileCfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &fileCfg); err != nil {
		return err
	}
	mergeConfig(target, &fileCfg)
	return nil
}

// mergeConfig merges source into target: non-zero scalars overwrite,
// ToolClasses merges key by key, matching the teacher's mergeConfig shape.
func mergeConfig(target, source *Config) {
	if source.Supervisor.IdleTimeoutSeconds != 0 {
		target.Supervisor.IdleTimeoutSeconds = source.Supervisor.IdleTimeoutSeconds
	}
	if source.Gate.AskTimeoutSeconds != 0 {
		target.Gate.AskTimeoutSeconds = source.Gate.AskTimeoutSeconds
	}
	if source.Gate.NoClientGraceSeconds != 0 {
		target.Gate.NoClientGraceSeconds = source.Gate.NoClientGraceSeconds
	}
	if source.Fanout.MaxEvents != 0 {
		target.Fanout.MaxEvents = source.Fanout.MaxEvents
	}
	if source.Fanout.MaxBytes != 0 {
		target.Fanout.MaxBytes = source.Fanout.MaxBytes
	}
	if source.Stream.OutboundBuffer != 0 {
		target.Stream.OutboundBuffer = source.Stream.OutboundBuffer
	}
	if source.Stream.InboundRatePerSec != 0 {
		target.Stream.InboundRatePerSec = source.Stream.InboundRatePerSec
	}
	if source.Stream.InboundBurst != 0 {
		target.Stream.InboundBurst = source.Stream.InboundBurst
	}
	if source.Stream.ProtocolConstraint != "" {
		target.Stream.ProtocolConstraint = source.Stream.ProtocolConstraint
	}
	if source.ToolClasses != nil {
		if target.ToolClasses == nil {
			target.ToolClasses = make(map[string]ToolClassEntry)
		}
		for k, v := range source.ToolClasses {
			target.ToolClasses[k] = v
		}
	}
}

// applyEnvOverrides applies OPPI_*-prefixed environment variable overrides,
// the highest-precedence source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPPI_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("OPPI_GATE_ASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gate.AskTimeoutSeconds = n
		}
	}
	if v := os.Getenv("OPPI_GATE_NO_CLIENT_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gate.NoClientGraceSeconds = n
		}
	}
}

// GateConfig adapts this package's duration-as-seconds knobs to gate.Config,
// for wiring into supervisor.Config.Gate.
func (c Config) GateConfig() gate.Config {
	g := gate.Config{}
	if c.Gate.AskTimeoutSeconds > 0 {
		g.AskTimeout = time.Duration(c.Gate.AskTimeoutSeconds) * time.Second
	}
	if c.Gate.NoClientGraceSeconds > 0 {
		g.NoClientGrace = time.Duration(c.Gate.NoClientGraceSeconds) * time.Second
	}
	return g
}

// IdleTimeout exposes the Session Supervisor idle timeout as a
// time.Duration, 0 meaning "use supervisor.DefaultIdleTimeout".
func (c Config) IdleTimeout() time.Duration {
	if c.Supervisor.IdleTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Supervisor.IdleTimeoutSeconds) * time.Second
}

// ToolClassifier converts ToolClasses into the map policy.Engine.SetClassifier
// expects, for callers that configured an override.
func (c Config) ToolClassifier() map[string]policy.ToolClass {
	if len(c.ToolClasses) == 0 {
		return nil
	}
	out := make(map[string]policy.ToolClass, len(c.ToolClasses))
	for name, entry := range c.ToolClasses {
		out[name] = policy.ToolClass{DefaultAction: entry.DefaultAction, DefaultRisk: entry.DefaultRisk}
	}
	return out
}

// Save writes cfg as indented JSON to path, creating parent directories as
// needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
