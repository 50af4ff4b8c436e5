package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-listen/internal/config"
)

// Config holds the recognized session options.
type Config struct {
	Locale             string
	PartialResults     bool
	ContextualHints    []string
	OnDeviceOnly       bool
	RestartPolicy      RestartPolicy
	BufferSize         int
	Format             Format
	MaxRestartFailures int
	RestartBackoff     time.Duration
	StopTimeout        time.Duration
	PermissionTimeout  time.Duration
}

// DefaultConfig matches the tap size and request flags of a typical mobile recognizer.
func DefaultConfig() Config {
	return Config{
		Locale:             "ja-JP",
		PartialResults:     true,
		RestartPolicy:      RestartAutoRestartOnCompletion,
		BufferSize:         2048,
		Format:             Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
		MaxRestartFailures: 2,
		RestartBackoff:     250 * time.Millisecond,
		StopTimeout:        5 * time.Second,
		PermissionTimeout:  10 * time.Second,
	}
}

// ConfigFromFile converts the daemon configuration sections into a session Config.
func ConfigFromFile(sc config.SessionConfig, cc config.CaptureConfig) Config {
	return Config{
		Locale:             sc.Locale,
		PartialResults:     sc.PartialResults,
		ContextualHints:    append([]string(nil), sc.ContextualHints...),
		OnDeviceOnly:       sc.OnDeviceOnly,
		RestartPolicy:      RestartPolicy(sc.RestartPolicy),
		BufferSize:         cc.BufferSize,
		Format:             Format{SampleRate: cc.SampleRate, Channels: cc.Channels, BitDepth: 16},
		MaxRestartFailures: sc.MaxRestartFailures,
		RestartBackoff:     config.Millis(sc.RestartBackoffMS),
		StopTimeout:        config.Millis(sc.StopTimeoutMS),
		PermissionTimeout:  config.Millis(sc.PermissionTimeoutMS),
	}
}

func (c Config) validate() error {
	if c.Locale == "" {
		return errors.New("locale must not be empty")
	}
	switch c.RestartPolicy {
	case RestartNone, RestartAutoRestartOnCompletion:
	default:
		return fmt.Errorf("unknown restart policy %q", c.RestartPolicy)
	}
	if c.BufferSize <= 0 {
		return errors.New("buffer size must be positive")
	}
	if c.Format.SampleRate <= 0 || c.Format.Channels <= 0 {
		return errors.New("format sample rate and channels must be positive")
	}
	if c.MaxRestartFailures <= 0 {
		return errors.New("max restart failures must be >= 1")
	}
	if c.StopTimeout <= 0 {
		return errors.New("stop timeout must be positive")
	}
	return nil
}

func (c Config) taskConfig() TaskConfig {
	return TaskConfig{
		Locale:          c.Locale,
		PartialResults:  c.PartialResults,
		ContextualHints: append([]string(nil), c.ContextualHints...),
		OnDeviceOnly:    c.OnDeviceOnly,
		Format:          c.Format,
	}
}

type options struct {
	id     string
	logger *slog.Logger
	clock  func() time.Time
	meter  metric.Meter
	tracer trace.Tracer
}

// Option customizes a Session at construction.
type Option func(*options)

func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

func newOptions(opts []Option) options {
	o := options{
		id:    uuid.NewString(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
