package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	History     HistoryConfig   `yaml:"history"`
	Voices      VoicesConfig    `yaml:"voices"`
	Model       ModelConfig     `yaml:"model"`
	Synth       SynthConfig     `yaml:"synth"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// HistoryConfig controls the SQLite utterance history.
type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxUtterances int    `yaml:"max_utterances"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// VoicesConfig points at the on-disk voice catalog.
type VoicesConfig struct {
	Dir     string `yaml:"dir"`
	Default string `yaml:"default"`
}

type ModelConfig struct {
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	MaxSegmentChars int    `yaml:"max_segment_chars"`
}

type SynthConfig struct {
	DefaultMode      string `yaml:"default_mode"`
	MaxParallel      int    `yaml:"max_parallel"` // 0 means auto
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "cadence-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "cadence-node-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		History: HistoryConfig{
			Path:          "./data/cadence-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxUtterances: 100000,
		},
		Voices: VoicesConfig{
			Dir: "./voices",
		},
		Model: ModelConfig{
			Mode: "mock",
		},
		Synth: SynthConfig{
			DefaultMode:      "lazy",
			MaxParallel:      0,
			RequestTimeoutMS: 45000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CADENCE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CADENCE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CADENCE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CADENCE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CADENCE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CADENCE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CADENCE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CADENCE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CADENCE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CADENCE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CADENCE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CADENCE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CADENCE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CADENCE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CADENCE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CADENCE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "CADENCE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "CADENCE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "CADENCE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "CADENCE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "CADENCE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "CADENCE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxUtterances, "CADENCE_HISTORY_MAX_UTTERANCES")
	overrideBool(&cfg.History.VacuumOnStart, "CADENCE_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Voices.Dir, "CADENCE_VOICES_DIR")
	overrideString(&cfg.Voices.Default, "CADENCE_VOICES_DEFAULT")
	overrideString(&cfg.Model.Mode, "CADENCE_MODEL_MODE")
	overrideString(&cfg.Model.Command, "CADENCE_MODEL_COMMAND")
	overrideInt(&cfg.Model.MaxSegmentChars, "CADENCE_MODEL_MAX_SEGMENT_CHARS")
	overrideString(&cfg.Synth.DefaultMode, "CADENCE_SYNTH_DEFAULT_MODE")
	overrideInt(&cfg.Synth.MaxParallel, "CADENCE_SYNTH_MAX_PARALLEL")
	overrideInt(&cfg.Synth.RequestTimeoutMS, "CADENCE_SYNTH_REQUEST_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Voices.Dir == "" {
		return errors.New("voices.dir must not be empty")
	}
	switch cfg.Model.Mode {
	case "mock", "exec":
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	if cfg.Model.Mode == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when mode=exec")
	}
	if cfg.Model.MaxSegmentChars < 0 {
		return errors.New("model.max_segment_chars must be >= 0")
	}
	switch cfg.Synth.DefaultMode {
	case "lazy", "parallel", "batched":
	default:
		return errors.New("synth.default_mode must be one of lazy|parallel|batched")
	}
	if cfg.Synth.MaxParallel < 0 {
		return errors.New("synth.max_parallel must be >= 0")
	}
	if cfg.Synth.RequestTimeoutMS <= 0 {
		return errors.New("synth.request_timeout_ms must be positive")
	}
	return nil
}
