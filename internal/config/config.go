package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

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
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Node        NodeConfig        `yaml:"node"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Session     SessionConfig     `yaml:"session"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
}

// NodeConfig identifies this listener to peers on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// PersistTranscripts keeps transcript subjects in a JetStream stream.
	PersistTranscripts bool `yaml:"persist_transcripts"`
	TranscriptMaxAge   int  `yaml:"transcript_max_age_hours"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SessionConfig configures the transcription session state machine.
type SessionConfig struct {
	Locale              string   `yaml:"locale"`
	PartialResults      bool     `yaml:"partial_results"`
	ContextualHints     []string `yaml:"contextual_hints"`
	OnDeviceOnly        bool     `yaml:"on_device_only"`
	RestartPolicy       string   `yaml:"restart_policy"` // none, auto_restart_on_completion
	MaxRestartFailures  int      `yaml:"max_restart_failures"`
	RestartBackoffMS    int      `yaml:"restart_backoff_ms"`
	StopTimeoutMS       int      `yaml:"stop_timeout_ms"`
	PermissionTimeoutMS int      `yaml:"permission_timeout_ms"`
	Permission          string   `yaml:"permission"` // granted, denied, restricted, undetermined
	AutoStart           bool     `yaml:"auto_start"`
	ActorID             string   `yaml:"actor_id"`
	PrivacyScope        string   `yaml:"privacy_scope"`
}

type CaptureConfig struct {
	Mode       string `yaml:"mode"` // bus, wav
	Device     string `yaml:"device"`
	File       string `yaml:"file"`
	BufferSize int    `yaml:"buffer_size"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Realtime   bool   `yaml:"realtime"`
}

type RecognitionConfig struct {
	Mode              string  `yaml:"mode"` // mock, exec, remote
	Command           string  `yaml:"command"`
	ModelPath         string  `yaml:"model_path"`
	Subject           string  `yaml:"subject"`
	PartialEveryMS    int     `yaml:"partial_every_ms"`
	MaxTaskDurationMS int     `yaml:"max_task_duration_ms"`
	NoSpeechTimeoutMS int     `yaml:"no_speech_timeout_ms"`
	SilenceTimeoutMS  int     `yaml:"silence_timeout_ms"`
	SpeechThreshold   float64 `yaml:"speech_threshold"`
	RequestTimeoutMS  int     `yaml:"request_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
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
		Node: NodeConfig{
			ID:                  "listen-1",
			Role:                "listener",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		Bus: BusConfig{
			Embedded:         true,
			Host:             "0.0.0.0",
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			TranscriptMaxAge: 24,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-listen.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			Locale:              "ja-JP",
			PartialResults:      true,
			RestartPolicy:       "auto_restart_on_completion",
			MaxRestartFailures:  2,
			RestartBackoffMS:    250,
			StopTimeoutMS:       5000,
			PermissionTimeoutMS: 10000,
			Permission:          "granted",
			ActorID:             "local",
			PrivacyScope:        "session",
		},
		Capture: CaptureConfig{
			Mode:       "bus",
			Device:     "default",
			BufferSize: 2048,
			SampleRate: 16000,
			Channels:   1,
			Realtime:   true,
		},
		Recognition: RecognitionConfig{
			Mode:              "mock",
			Subject:           "stt.recognize",
			PartialEveryMS:    800,
			MaxTaskDurationMS: 60000,
			NoSpeechTimeoutMS: 15000,
			SilenceTimeoutMS:  2000,
			SpeechThreshold:   0.02,
			RequestTimeoutMS:  45000,
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

// Validate reports whether cfg is usable without loading it from disk.
func Validate(cfg Config) error {
	return validate(cfg)
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PersistTranscripts, "LOQA_BUS_PERSIST_TRANSCRIPTS")
	overrideInt(&cfg.Bus.TranscriptMaxAge, "LOQA_BUS_TRANSCRIPT_MAX_AGE_HOURS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Session.Locale, "LOQA_SESSION_LOCALE")
	overrideBool(&cfg.Session.PartialResults, "LOQA_SESSION_PARTIAL_RESULTS")
	overrideStringSlice(&cfg.Session.ContextualHints, "LOQA_SESSION_CONTEXTUAL_HINTS")
	overrideBool(&cfg.Session.OnDeviceOnly, "LOQA_SESSION_ON_DEVICE_ONLY")
	overrideString(&cfg.Session.RestartPolicy, "LOQA_SESSION_RESTART_POLICY")
	overrideInt(&cfg.Session.MaxRestartFailures, "LOQA_SESSION_MAX_RESTART_FAILURES")
	overrideInt(&cfg.Session.RestartBackoffMS, "LOQA_SESSION_RESTART_BACKOFF_MS")
	overrideInt(&cfg.Session.StopTimeoutMS, "LOQA_SESSION_STOP_TIMEOUT_MS")
	overrideInt(&cfg.Session.PermissionTimeoutMS, "LOQA_SESSION_PERMISSION_TIMEOUT_MS")
	overrideString(&cfg.Session.Permission, "LOQA_SESSION_PERMISSION")
	overrideBool(&cfg.Session.AutoStart, "LOQA_SESSION_AUTO_START")
	overrideString(&cfg.Session.ActorID, "LOQA_SESSION_ACTOR_ID")
	overrideString(&cfg.Session.PrivacyScope, "LOQA_SESSION_PRIVACY_SCOPE")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.File, "LOQA_CAPTURE_FILE")
	overrideInt(&cfg.Capture.BufferSize, "LOQA_CAPTURE_BUFFER_SIZE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideString(&cfg.Recognition.Mode, "LOQA_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "LOQA_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.ModelPath, "LOQA_RECOGNITION_MODEL_PATH")
	overrideString(&cfg.Recognition.Subject, "LOQA_RECOGNITION_SUBJECT")
	overrideInt(&cfg.Recognition.PartialEveryMS, "LOQA_RECOGNITION_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Recognition.MaxTaskDurationMS, "LOQA_RECOGNITION_MAX_TASK_DURATION_MS")
	overrideInt(&cfg.Recognition.NoSpeechTimeoutMS, "LOQA_RECOGNITION_NO_SPEECH_TIMEOUT_MS")
	overrideInt(&cfg.Recognition.SilenceTimeoutMS, "LOQA_RECOGNITION_SILENCE_TIMEOUT_MS")
	overrideFloat(&cfg.Recognition.SpeechThreshold, "LOQA_RECOGNITION_SPEECH_THRESHOLD")
	overrideInt(&cfg.Recognition.RequestTimeoutMS, "LOQA_RECOGNITION_REQUEST_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeoutMS < cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must be >= heartbeat_interval_ms")
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Session.Locale == "" {
		return errors.New("session.locale must not be empty")
	}
	switch cfg.Session.RestartPolicy {
	case "none", "auto_restart_on_completion":
	default:
		return errors.New("session.restart_policy must be one of none|auto_restart_on_completion")
	}
	if cfg.Session.MaxRestartFailures <= 0 {
		return errors.New("session.max_restart_failures must be >= 1")
	}
	if cfg.Session.RestartBackoffMS < 0 {
		return errors.New("session.restart_backoff_ms must be >= 0")
	}
	if cfg.Session.StopTimeoutMS <= 0 {
		return errors.New("session.stop_timeout_ms must be positive")
	}
	switch cfg.Session.Permission {
	case "granted", "denied", "restricted", "undetermined":
	default:
		return errors.New("session.permission must be one of granted|denied|restricted|undetermined")
	}
	switch cfg.Capture.Mode {
	case "bus":
		if cfg.Capture.Device == "" {
			return errors.New("capture.device must be set when mode=bus")
		}
	case "wav":
		if cfg.Capture.File == "" {
			return errors.New("capture.file must be set when mode=wav")
		}
	default:
		return errors.New("capture.mode must be one of bus|wav")
	}
	if cfg.Capture.BufferSize <= 0 {
		return errors.New("capture.buffer_size must be positive")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	switch cfg.Recognition.Mode {
	case "mock", "exec", "remote":
	default:
		return errors.New("recognition.mode must be one of mock|exec|remote")
	}
	if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
		return errors.New("recognition.command must be set when mode=exec")
	}
	if cfg.Recognition.Mode == "remote" && cfg.Recognition.Subject == "" {
		return errors.New("recognition.subject must be set when mode=remote")
	}
	if cfg.Recognition.MaxTaskDurationMS <= 0 {
		return errors.New("recognition.max_task_duration_ms must be positive")
	}
	if cfg.Recognition.SpeechThreshold < 0 || cfg.Recognition.SpeechThreshold > 1 {
		return errors.New("recognition.speech_threshold must be between 0 and 1")
	}
	return nil
}
