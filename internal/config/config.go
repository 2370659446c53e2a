package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/podiumlabs/podium/internal/debate"
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

// SessionConfig selects the debate the daemon joins and where the remote
// orchestrator lives. Each format routes to its own port on the same host.
type SessionConfig struct {
	Host        string `yaml:"host"`
	Secure      bool   `yaml:"secure"`
	AsianPort   int    `yaml:"asian_port"`
	BritishPort int    `yaml:"british_port"`
	Format      string `yaml:"format"`
	Role        string `yaml:"role"`
	Topic       string `yaml:"topic"`
	Level       string `yaml:"level"`
	DialTimeout int    `yaml:"dial_timeout_ms"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type PlaybackConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	FetchTimeoutMS int    `yaml:"fetch_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Session     SessionConfig   `yaml:"session"`
	Capture     CaptureConfig   `yaml:"capture"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Journal     JournalConfig   `yaml:"journal"`
}

func Default() Config {
	return Config{
		RuntimeName: "podium-client",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
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
		Session: SessionConfig{
			Host:        "localhost",
			Secure:      false,
			AsianPort:   3001,
			BritishPort: 3002,
			Format:      string(debate.FormatAsian),
			Role:        "Prime Minister",
			Topic:       "Is social media beneficial for society?",
			Level:       string(debate.LevelBeginner),
			DialTimeout: 5000,
		},
		Capture: CaptureConfig{
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 250,
		},
		Playback: PlaybackConfig{
			Mode:           "mock",
			FetchTimeoutMS: 10000,
		},
		Journal: JournalConfig{
			Path:          "./data/podium-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
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

// WSURL returns the websocket address of the orchestrator for the configured
// format.
func (s SessionConfig) WSURL() string {
	scheme := "ws"
	if s.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.formatPort())
}

// HTTPBase returns the HTTP base address used for audio and feedback
// retrieval for the configured format.
func (s SessionConfig) HTTPBase() string {
	scheme := "http"
	if s.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.formatPort())
}

func (s SessionConfig) formatPort() int {
	if debate.Format(s.Format) == debate.FormatBritish {
		return s.BritishPort
	}
	return s.AsianPort
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "PODIUM_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PODIUM_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PODIUM_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PODIUM_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PODIUM_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PODIUM_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PODIUM_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "PODIUM_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "PODIUM_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PODIUM_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "PODIUM_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PODIUM_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PODIUM_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PODIUM_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PODIUM_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PODIUM_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Session.Host, "PODIUM_SESSION_HOST")
	overrideBool(&cfg.Session.Secure, "PODIUM_SESSION_SECURE")
	overrideInt(&cfg.Session.AsianPort, "PODIUM_SESSION_ASIAN_PORT")
	overrideInt(&cfg.Session.BritishPort, "PODIUM_SESSION_BRITISH_PORT")
	overrideString(&cfg.Session.Format, "PODIUM_SESSION_FORMAT")
	overrideString(&cfg.Session.Role, "PODIUM_SESSION_ROLE")
	overrideString(&cfg.Session.Topic, "PODIUM_SESSION_TOPIC")
	overrideString(&cfg.Session.Level, "PODIUM_SESSION_LEVEL")
	overrideInt(&cfg.Session.DialTimeout, "PODIUM_SESSION_DIAL_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "PODIUM_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "PODIUM_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "PODIUM_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "PODIUM_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkDurationMS, "PODIUM_CAPTURE_CHUNK_DURATION_MS")
	overrideString(&cfg.Playback.Mode, "PODIUM_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "PODIUM_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.FetchTimeoutMS, "PODIUM_PLAYBACK_FETCH_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "PODIUM_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "PODIUM_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "PODIUM_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "PODIUM_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "PODIUM_JOURNAL_VACUUM_ON_START")
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
	format := debate.Format(cfg.Session.Format)
	if !format.Valid() {
		return fmt.Errorf("session.format must be one of %s|%s", debate.FormatAsian, debate.FormatBritish)
	}
	if !debate.Level(cfg.Session.Level).Valid() {
		return errors.New("session.level must be one of beginner|intermediate|expert")
	}
	if !format.HasRole(cfg.Session.Role) {
		return fmt.Errorf("session.role %q is not a selectable seat in format %q", cfg.Session.Role, cfg.Session.Format)
	}
	if strings.TrimSpace(cfg.Session.Topic) == "" {
		return errors.New("session.topic must not be empty")
	}
	if cfg.Session.Host == "" {
		return errors.New("session.host must not be empty")
	}
	if cfg.Session.AsianPort <= 0 || cfg.Session.AsianPort > 65535 {
		return errors.New("session.asian_port must be between 1 and 65535")
	}
	if cfg.Session.BritishPort <= 0 || cfg.Session.BritishPort > 65535 {
		return errors.New("session.british_port must be between 1 and 65535")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec":
	default:
		return errors.New("capture.mode must be one of mock|exec")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.ChunkDurationMS <= 0 {
		return errors.New("capture.chunk_duration_ms must be positive")
	}
	switch cfg.Playback.Mode {
	case "mock", "exec":
	default:
		return errors.New("playback.mode must be one of mock|exec")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when mode=exec")
	}
	if cfg.Playback.FetchTimeoutMS <= 0 {
		return errors.New("playback.fetch_timeout_ms must be positive")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
