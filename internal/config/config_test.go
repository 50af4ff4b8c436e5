package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.BufferSize != 2048 {
		t.Fatalf("expected default buffer size 2048, got %d", cfg.Capture.BufferSize)
	}
	if cfg.Session.RestartPolicy != "auto_restart_on_completion" {
		t.Fatalf("unexpected default restart policy %q", cfg.Session.RestartPolicy)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen.yaml")
	data := []byte(`session:
  locale: en-US
  restart_policy: none
  contextual_hints:
    - loqa
    - listen
capture:
  mode: wav
  file: ./input.wav
recognition:
  mode: exec
  command: "whisper-cli --json"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.Locale != "en-US" || cfg.Session.RestartPolicy != "none" {
		t.Fatalf("session section not applied: %+v", cfg.Session)
	}
	if len(cfg.Session.ContextualHints) != 2 {
		t.Fatalf("expected 2 hints, got %v", cfg.Session.ContextualHints)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected defaults preserved, got sample rate %d", cfg.Capture.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_SESSION_CONTEXTUAL_HINTS", "alpha, beta")
	t.Setenv("LOQA_SESSION_RESTART_POLICY", "none")
	t.Setenv("LOQA_SESSION_ON_DEVICE_ONLY", "true")
	t.Setenv("LOQA_RECOGNITION_SPEECH_THRESHOLD", "0.1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if len(cfg.Session.ContextualHints) != 2 || cfg.Session.ContextualHints[1] != "beta" {
		t.Fatalf("expected hints override, got %v", cfg.Session.ContextualHints)
	}
	if cfg.Session.RestartPolicy != "none" || !cfg.Session.OnDeviceOnly {
		t.Fatalf("expected session overrides, got %+v", cfg.Session)
	}
	if cfg.Recognition.SpeechThreshold != 0.1 {
		t.Fatalf("expected speech threshold override")
	}
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	cfg := Default()
	cfg.Session.RestartPolicy = "forever"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected invalid restart policy error")
	}
}

func TestValidateExecNeedsCommand(t *testing.T) {
	cfg := Default()
	cfg.Recognition.Mode = "exec"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected missing command error")
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "listen.yaml"))
	if err != nil {
		t.Fatalf("load sample config: %v", err)
	}
	if !cfg.Session.AutoStart || cfg.Node.ID != "listen-1" {
		t.Fatalf("unexpected sample config %+v", cfg)
	}
}

func TestValidateNodeHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.Node.HeartbeatTimeoutMS = cfg.Node.HeartbeatIntervalMS - 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected heartbeat timeout error")
	}
	t.Setenv("LOQA_NODE_ID", "kitchen")
	loaded, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Node.ID != "kitchen" {
		t.Fatalf("expected node id override, got %q", loaded.Node.ID)
	}
}
