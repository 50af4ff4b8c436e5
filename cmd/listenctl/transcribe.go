package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/permission"
	"github.com/loqalabs/loqa-listen/internal/recognition"
	"github.com/loqalabs/loqa-listen/internal/session"
)

func runTranscribe(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	var (
		file       string
		configPath string
		locale     string
		hints      string
		mode       string
		command    string
		realtime   bool
		verbose    bool
	)
	fs.StringVar(&file, "file", "", "WAV file to transcribe")
	fs.StringVar(&configPath, "config", "", "Optional configuration file")
	fs.StringVar(&locale, "locale", "", "Recognition locale (overrides config)")
	fs.StringVar(&hints, "hints", "", "Comma-separated contextual hints")
	fs.StringVar(&mode, "recognizer", "", "Recognizer backend: mock or exec")
	fs.StringVar(&command, "command", "", "Recognizer command when -recognizer=exec")
	fs.BoolVar(&realtime, "realtime", false, "Pace audio at its natural rate")
	fs.BoolVar(&verbose, "v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if file == "" {
		return errors.New("transcribe: -file is required")
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.Capture.Mode = "wav"
	cfg.Capture.File = file
	cfg.Capture.Realtime = realtime
	if locale != "" {
		cfg.Session.Locale = locale
	}
	if hints != "" {
		cfg.Session.ContextualHints = splitList(hints)
	}
	if mode != "" {
		cfg.Recognition.Mode = mode
	}
	if command != "" {
		cfg.Recognition.Command = command
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var recognizer recognition.Recognizer
	switch cfg.Recognition.Mode {
	case "mock":
		recognizer = recognition.NewMockRecognizer()
	case "exec":
		r, err := recognition.NewExecRecognizer(cfg.Recognition.Command, cfg.Recognition.ModelPath)
		if err != nil {
			return err
		}
		recognizer = r
	default:
		return fmt.Errorf("transcribe: recognizer %q is not available offline", cfg.Recognition.Mode)
	}

	src, err := capture.NewWavCapture(file, realtime, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := recognition.NewEngine(ctx, recognizer, recognition.OptionsFromConfig(cfg.Recognition), logger)
	defer engine.Close()

	sessCfg := session.ConfigFromFile(cfg.Session, cfg.Capture)
	sessCfg.Format = src.Format()
	sess, err := session.New(sessCfg, permission.New(session.PermissionGranted, logger), src, engine, session.WithLogger(logger))
	if err != nil {
		return err
	}
	defer sess.Close()

	var mu sync.Mutex
	var finals []string
	sess.OnTranscript(func(evt session.TranscriptEvent) {
		mu.Lock()
		defer mu.Unlock()
		kind := "partial"
		if evt.IsFinal {
			kind = "final"
			finals = append(finals, evt.Text)
		}
		fmt.Fprintf(out, "[%s] %s\n", kind, evt.Text)
	})
	failures := make(chan error, 4)
	sess.OnError(func(err error) {
		select {
		case failures <- err:
		default:
		}
	})

	if err := sess.Start(ctx); err != nil {
		return err
	}

	var sessionErr error
	select {
	case <-src.Exhausted():
	case <-ctx.Done():
	case sessionErr = <-failures:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), sessCfg.StopTimeout+time.Second)
	defer cancel()
	if err := sess.Stop(stopCtx); err != nil && !errors.Is(err, session.ErrInvalidState) {
		return err
	}
	// flush observer callbacks before summarising
	_ = sess.Close()

	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "audio: %s\n", src.Duration())
	fmt.Fprintf(out, "transcript: %s\n", strings.Join(finals, " "))
	return sessionErr
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
