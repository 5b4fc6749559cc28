package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes YAML/JSON scalars in either
// time.ParseDuration form ("2s", "500ms") or bare integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("invalid duration value on line %d", value.Line)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the fully assembled configuration for a devflow-core server.
// It is built by decoding the merged raw map produced by LoadRaw into this
// struct via yaml.v3 (which also accepts the JSON produced by the json5
// decoder, since both emit map[string]any trees).
type Config struct {
	Version int `yaml:"version"`

	Store     StoreConfig     `yaml:"store"`
	Registry  RegistryConfig  `yaml:"registry"`
	AutoHeal  AutoHealConfig  `yaml:"auto_heal"`
	Persona   PersonaConfig   `yaml:"persona"`
	Skills    SkillsConfig    `yaml:"skills"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// StoreConfig configures the Persistent Store (C1).
type StoreConfig struct {
	Root        string   `yaml:"root"`
	QuietWindow Duration `yaml:"quiet_window"`
}

// RegistryConfig configures the Tool Registry (C2).
type RegistryConfig struct {
	CoreTools []string `yaml:"core_tools"`
}

// AutoHealConfig configures the Auto-Heal Core (C3).
type AutoHealConfig struct {
	ApplyKnownFixes    bool     `yaml:"apply_known_fixes"`
	ApplyThreshold     float64  `yaml:"apply_threshold"`
	PatternCacheTTL    Duration `yaml:"pattern_cache_ttl"`
	PatternCacheMax    int      `yaml:"pattern_cache_max"`
	BlockThreshold     float64  `yaml:"block_threshold"`
	WarnThreshold      float64  `yaml:"warn_threshold"`
	InfoThreshold      float64  `yaml:"info_threshold"`
	OptimizerInterval  Duration `yaml:"optimizer_interval"`
	PruneMaxAgeDays    int      `yaml:"prune_max_age_days"`
	PruneMaxConfidence float64  `yaml:"prune_max_confidence"`
	DecayAfterDays     int      `yaml:"decay_after_days"`
	DecayRatePerMonth  float64  `yaml:"decay_rate_per_month"`
	MergeSimilarity    float64  `yaml:"merge_similarity"`
}

// PersonaConfig configures the Persona Loader (C4).
type PersonaConfig struct {
	ManifestDir    string `yaml:"manifest_dir"`
	DefaultPersona string `yaml:"default_persona"`
}

// SkillsConfig configures the Skill Engine (C5).
type SkillsConfig struct {
	Dir             string   `yaml:"dir"`
	ComputeTimeout  Duration `yaml:"compute_timeout"`
	RetryBaseDelay  Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   Duration `yaml:"retry_max_delay"`
	DefaultConfirmS int      `yaml:"default_confirm_timeout_s"`
}

// EventBusConfig configures the Event Bus (C6).
type EventBusConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	HeartbeatEvery   Duration `yaml:"heartbeat_interval"`
	SubscriberBuffer int      `yaml:"subscriber_buffer"`
}

// WorkspaceConfig configures the Session/Workspace registry (C7).
type WorkspaceConfig struct {
	StateDocument  string   `yaml:"state_document"`
	SessionLockTTL Duration `yaml:"session_lock_ttl"`
}

// SchedulerConfig configures the Scheduler (C8).
type SchedulerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Timezone     string   `yaml:"timezone"`
	TickInterval Duration `yaml:"tick_interval"`
	SleepGap     Duration `yaml:"sleep_gap"`
	JobsDocument string   `yaml:"jobs_document"`
	HistoryPrune Duration `yaml:"history_prune"`
}

// LoggingConfig controls the ambient slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls OTLP span export. An empty endpoint disables
// export; spans become no-ops.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a Config populated with the documented defaults, rooted
// at the given config root directory.
func Default(root string) Config {
	return Config{
		Version: CurrentVersion,
		Store: StoreConfig{
			Root:        root,
			QuietWindow: Duration(2 * time.Second),
		},
		Registry: RegistryConfig{
			CoreTools: []string{
				"persona_load", "persona_list",
				"session_start", "session_info", "session_list", "session_switch",
				"skill_run", "skill_cancel",
				"debug_tool", "learn_tool_fix", "check_known_issues",
				"memory_read", "memory_write", "memory_update", "memory_append", "memory_query",
			},
		},
		AutoHeal: AutoHealConfig{
			ApplyKnownFixes:    false,
			ApplyThreshold:     0.90,
			PatternCacheTTL:    Duration(5 * time.Minute),
			PatternCacheMax:    1000,
			BlockThreshold:     0.95,
			WarnThreshold:      0.80,
			InfoThreshold:      0.50,
			OptimizerInterval:  Duration(1 * time.Hour),
			PruneMaxAgeDays:    90,
			PruneMaxConfidence: 0.70,
			DecayAfterDays:     30,
			DecayRatePerMonth:  0.01,
			MergeSimilarity:    0.70,
		},
		Persona: PersonaConfig{
			ManifestDir:    filepath.Join(root, "personas"),
			DefaultPersona: "",
		},
		Skills: SkillsConfig{
			Dir:             filepath.Join(root, "skills"),
			ComputeTimeout:  Duration(5 * time.Second),
			RetryBaseDelay:  Duration(1 * time.Second),
			RetryMaxDelay:   Duration(30 * time.Second),
			DefaultConfirmS: 30,
		},
		EventBus: EventBusConfig{
			Host:             "127.0.0.1",
			Port:             8765,
			HeartbeatEvery:   Duration(30 * time.Second),
			SubscriberBuffer: 64,
		},
		Workspace: WorkspaceConfig{
			StateDocument:  "workspace_states.json",
			SessionLockTTL: Duration(5 * time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Timezone:     "Local",
			TickInterval: Duration(15 * time.Second),
			SleepGap:     Duration(30 * time.Second),
			JobsDocument: "scheduler_jobs.yaml",
			HistoryPrune: Duration(30 * 24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9765",
		},
		Tracing: TracingConfig{
			Endpoint:     "",
			SamplingRate: 1.0,
		},
	}
}

// Load reads path via LoadRaw ($include resolution + env expansion), merges
// it onto Default(root), validates the version, and returns the assembled
// Config. An empty path yields the defaults unmodified.
func Load(path string, root string) (Config, error) {
	cfg := Default(root)
	if path == "" {
		return cfg, nil
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if v, ok := raw["version"]; ok {
		if n, ok := toInt(v); ok {
			if err := ValidateVersion(n); err != nil {
				return Config{}, err
			}
		}
	}
	if err := decodeRawConfig(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	return cfg, nil
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// DefaultRoot returns the per-user config root, honoring $DEVFLOW_CONFIG_ROOT
// and otherwise defaulting to ~/.devflow-core.
func DefaultRoot() (string, error) {
	if v := os.Getenv("DEVFLOW_CONFIG_ROOT"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".devflow-core"), nil
}
