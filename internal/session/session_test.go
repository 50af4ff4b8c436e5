package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

type harness struct {
	session *Session
	perms   *fakePermissions
	capture *fakeCapture
	engine  *fakeEngine
	events  *recorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RestartBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		perms:   newPermissions(PermissionGranted),
		capture: &fakeCapture{},
		engine:  &fakeEngine{},
	}
	s, err := New(cfg, h.perms, h.capture, h.engine, WithLogger(newLogger()), WithID("session-test"))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	h.session = s
	h.events = observe(s)
	return h
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	eventually(t, func() bool {
		open, _, _ := h.capture.snapshot()
		live, _ := h.engine.liveTasks()
		return open == 0 && live == 0
	}, "audio stream and recognition task released")
}

func (h *harness) assertSingleHandles(t *testing.T) {
	t.Helper()
	_, maxOpen, _ := h.capture.snapshot()
	_, maxLive := h.engine.liveTasks()
	if maxOpen > 1 || maxLive > 1 {
		t.Fatalf("handle invariant violated: max streams=%d max tasks=%d", maxOpen, maxLive)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := New(cfg, nil, &fakeCapture{}, &fakeEngine{}); err == nil {
		t.Fatal("expected error without permission authority")
	}
	if _, err := New(cfg, newPermissions(PermissionGranted), nil, &fakeEngine{}); err == nil {
		t.Fatal("expected error without audio capture")
	}
	if _, err := New(cfg, newPermissions(PermissionGranted), &fakeCapture{}, nil); err == nil {
		t.Fatal("expected error without recognition engine")
	}
	cfg.RestartPolicy = "sometimes"
	if _, err := New(cfg, newPermissions(PermissionGranted), &fakeCapture{}, &fakeEngine{}); err == nil {
		t.Fatal("expected error for unknown restart policy")
	}
}

func TestScriptedTranscriptsArriveInOrder(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RestartPolicy = RestartNone })
	ctx := context.Background()
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.engine.task(t, 0)
	task.partial("go")
	task.partial("go ahead")
	task.final("go ahead, I'm listening")
	task.complete(nil)

	want := []string{"go", "go ahead", "go ahead, I'm listening"}
	for i, text := range want {
		evt := h.events.nextTranscript(t)
		if evt.Text != text {
			t.Fatalf("event %d: expected %q, got %q", i, text, evt.Text)
		}
		if evt.IsFinal != (i == len(want)-1) {
			t.Fatalf("event %d: unexpected final flag %v", i, evt.IsFinal)
		}
		if evt.SessionID != "session-test" {
			t.Fatalf("event %d: unexpected session id %q", i, evt.SessionID)
		}
	}
	expectQuiet(t, h.events.transcripts, "transcript event")
	expectQuiet(t, h.events.errs, "error event")

	eventually(t, func() bool { return h.session.State() == StateIdle }, "idle after completion")
	text, final := h.session.Transcript()
	if text != "go ahead, I'm listening" || !final {
		t.Fatalf("unexpected session transcript %q final=%v", text, final)
	}
	h.assertReleased(t)
}

func TestPartialAfterFinalIsDropped(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RestartPolicy = RestartNone })
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.engine.task(t, 0)
	task.final("settled")
	task.partial("straggler")

	if evt := h.events.nextTranscript(t); !evt.IsFinal {
		t.Fatalf("expected final event first, got %+v", evt)
	}
	expectQuiet(t, h.events.transcripts, "transcript after final")
}

func TestPartialAfterCancelIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.engine.task(t, 0)
	if err := h.session.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task.partial("too late")

	expectQuiet(t, h.events.transcripts, "transcript after cancel")
	expectQuiet(t, h.events.errs, "error after cancel")
	if _, cancelled, _ := task.state(); !cancelled {
		t.Fatal("expected task to be cancelled")
	}
	h.assertReleased(t)
}

func TestTimeoutTriggersSingleTransparentRestart(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.events.waitState(t, StateListening)

	first := h.engine.task(t, 0)
	first.partial("hello")
	first.complete(fmt.Errorf("no speech for 60s: %w", ErrTimeout))

	second := h.engine.task(t, 1)
	eventually(t, func() bool { return h.session.State() == StateListening }, "listening after restart")
	second.partial("still here")

	if evt := h.events.nextTranscript(t); evt.Text != "hello" {
		t.Fatalf("unexpected first event %+v", evt)
	}
	if evt := h.events.nextTranscript(t); evt.Text != "still here" {
		t.Fatalf("unexpected event from restarted task %+v", evt)
	}
	expectQuiet(t, h.events.errs, "error for recovered timeout")
	expectQuiet(t, h.events.states, "state change during restart")
	if got := h.engine.begun(); got != 2 {
		t.Fatalf("expected exactly one restart (2 tasks), got %d tasks", got)
	}
	h.assertSingleHandles(t)
}

func TestSuccessfulCompletionRestartsUnderAutoPolicy(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := h.engine.task(t, 0)
	first.final("one utterance")
	first.complete(nil)

	h.engine.task(t, 1)
	if evt := h.events.nextTranscript(t); !evt.IsFinal {
		t.Fatalf("expected final event, got %+v", evt)
	}
	expectQuiet(t, h.events.errs, "error event")
}

func TestTimeoutWithoutRestartIsReported(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RestartPolicy = RestartNone })
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.engine.task(t, 0).complete(ErrTimeout)

	err := h.events.nextError(t)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	h.events.waitState(t, StateIdle)
	if h.engine.begun() != 1 {
		t.Fatalf("expected no restart with policy none")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.events.waitState(t, StateListening)

	if err := h.session.Cancel(ctx); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	h.events.waitState(t, StateIdle)
	if err := h.session.Cancel(ctx); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	expectQuiet(t, h.events.states, "state change on second cancel")
	expectQuiet(t, h.events.errs, "error on second cancel")
	h.assertReleased(t)
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	expectQuiet(t, h.events.states, "state change")
}

func TestStartDeniedPermission(t *testing.T) {
	h := newHarness(t, nil)
	h.perms.set(PermissionDenied)

	err := h.session.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if h.session.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.session.State())
	}
	if _, _, opens := h.capture.snapshot(); opens != 0 {
		t.Fatalf("expected no audio streams, got %d", opens)
	}
	if h.engine.begun() != 0 {
		t.Fatalf("expected no recognition tasks")
	}
	expectQuiet(t, h.events.states, "state change")
}

func TestStartWhileListeningIsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.session.Start(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if h.engine.begun() != 1 {
		t.Fatalf("expected a single task, got %d", h.engine.begun())
	}
}

func TestStopIsGracefulAndWaitsForCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.engine.task(t, 0)

	stopped := make(chan error, 1)
	go func() { stopped <- h.session.Stop(ctx) }()

	eventually(t, func() bool { return h.session.State() == StateStopping }, "stopping")
	if ended, cancelled, _ := task.state(); !ended || cancelled {
		t.Fatalf("expected graceful end of audio, ended=%v cancelled=%v", ended, cancelled)
	}
	if open, _, _ := h.capture.snapshot(); open != 0 {
		t.Fatal("expected audio stream closed once stopping")
	}

	task.partial("ignored while stopping")
	task.final("final words")
	task.complete(nil)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	if h.session.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", h.session.State())
	}
	evt := h.events.nextTranscript(t)
	if evt.Text != "final words" || !evt.IsFinal {
		t.Fatalf("expected only the final event, got %+v", evt)
	}
	expectQuiet(t, h.events.transcripts, "transcript")
	if h.engine.begun() != 1 {
		t.Fatal("caller-initiated stop must not restart")
	}
	h.assertReleased(t)
}

func TestStopTimeoutCancelsTask(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StopTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.engine.task(t, 0)
	if err := h.session.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, cancelled, _ := task.state(); !cancelled {
		t.Fatal("expected task cancelled after stop timeout")
	}
	h.assertReleased(t)
}

func TestStopWhenIdleIsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Stop(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRestartFailuresEscalateToFailed(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.events.waitState(t, StateListening)

	h.perms.set(PermissionDenied)
	h.engine.task(t, 0).complete(ErrTimeout)

	err := h.events.nextError(t)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected escalated permission error, got %v", err)
	}
	h.events.waitState(t, StateFailed)
	expectQuiet(t, h.events.errs, "second error")
	if h.engine.begun() != 1 {
		t.Fatalf("expected no further tasks, got %d", h.engine.begun())
	}
	h.perms.mu.Lock()
	asks := h.perms.asks
	h.perms.mu.Unlock()
	if asks != 3 {
		t.Fatalf("expected initial start plus two restart attempts, got %d permission requests", asks)
	}
	h.assertReleased(t)

	h.perms.set(PermissionGranted)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start from failed: %v", err)
	}
}

func TestSingleRestartFailureRecovers(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxRestartFailures = 2
		c.RestartBackoff = 200 * time.Millisecond
	})
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.capture.mu.Lock()
	h.capture.failWith = errors.New("device busy")
	h.capture.mu.Unlock()

	h.engine.task(t, 0).complete(ErrTimeout)
	eventually(t, func() bool { return h.engine.begun() >= 2 }, "first restart attempt")

	h.capture.mu.Lock()
	h.capture.failWith = nil
	h.capture.mu.Unlock()

	eventually(t, func() bool {
		_, _, opens := h.capture.snapshot()
		return opens == 2 && h.session.State() == StateListening
	}, "second restart attempt succeeds")
	expectQuiet(t, h.events.errs, "error after recovered restart")
	h.assertSingleHandles(t)
}

type engineError struct{}

func (engineError) Error() string  { return "recognizer crashed" }
func (engineError) Code() int      { return 1110 }
func (engineError) Domain() string { return "kAFAssistantErrorDomain" }

func TestTaskErrorIsReportedAndFails(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.engine.task(t, 0).complete(engineError{})

	err := h.events.nextError(t)
	if !errors.Is(err, ErrRecognitionTaskFailed) {
		t.Fatalf("expected task failure, got %v", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Code != 1110 || se.Domain != "kAFAssistantErrorDomain" {
		t.Fatalf("expected code/domain pass-through, got %+v", se)
	}
	h.events.waitState(t, StateFailed)
	if h.engine.begun() != 1 {
		t.Fatal("task failure must not restart")
	}
	h.assertReleased(t)
}

func TestStreamInterruptionFailsSession(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.engine.task(t, 0)
	h.capture.callbacks().OnInterrupt(errors.New("route changed"))

	if err := h.events.nextError(t); !errors.Is(err, ErrAudioSessionUnavailable) {
		t.Fatalf("expected audio session error, got %v", err)
	}
	h.events.waitState(t, StateFailed)
	if _, cancelled, _ := task.state(); !cancelled {
		t.Fatal("expected task cancelled on interruption")
	}
	h.assertReleased(t)
}

func TestAvailabilityLossFailsSession(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.engine.task(t, 0).notify(Notification{Kind: NotifyAvailabilityChanged, Available: false})

	if err := h.events.nextError(t); !errors.Is(err, ErrRecognitionUnavailable) {
		t.Fatalf("expected recognition unavailable, got %v", err)
	}
	h.events.waitState(t, StateFailed)
	h.assertReleased(t)
}

func TestStartFailsWhenEngineUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.unavailable = true
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrRecognitionUnavailable) {
		t.Fatalf("expected recognition unavailable, got %v", err)
	}
	if h.session.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.session.State())
	}
}

func TestAudioOpenFailureCancelsTask(t *testing.T) {
	h := newHarness(t, nil)
	h.capture.failWith = errors.New("input busy")
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrAudioSessionUnavailable) {
		t.Fatalf("expected audio session unavailable, got %v", err)
	}
	if _, cancelled, _ := h.engine.task(t, 0).state(); !cancelled {
		t.Fatal("expected orphaned task cancelled")
	}
	h.events.waitState(t, StateIdle)
	h.assertReleased(t)
}

func TestFramesAreForwardedToTask(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.engine.task(t, 0)
	cb := h.capture.callbacks()
	for i := 0; i < 3; i++ {
		cb.OnFrame(Frame{Sequence: i, PCM: make([]byte, 4096)})
	}
	if _, _, frames := task.state(); frames != 3 {
		t.Fatalf("expected 3 frames forwarded, got %d", frames)
	}
	if task.cfg.Locale != "ja-JP" || !task.cfg.PartialResults {
		t.Fatalf("unexpected task config %+v", task.cfg)
	}
}

func TestSpeechDetectedIsObserved(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.engine.task(t, 0).notify(Notification{Kind: NotifySpeechDetected, At: at})
	select {
	case got := <-h.events.speech:
		if !got.Equal(at) {
			t.Fatalf("unexpected speech timestamp %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for speech event")
	}
}

func TestRandomOperationsKeepSingleHandles(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StopTimeout = 50 * time.Millisecond })
	h.engine.autoComplete = true
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		switch rng.Intn(4) {
		case 0, 1:
			_ = h.session.Start(ctx)
		case 2:
			_ = h.session.Stop(ctx)
		case 3:
			_ = h.session.Cancel(ctx)
		}
		cancel()
		h.assertSingleHandles(t)
	}
	if err := h.session.Cancel(context.Background()); err != nil {
		t.Fatalf("final cancel: %v", err)
	}
	h.assertSingleHandles(t)
	h.assertReleased(t)
}

func TestCloseReleasesHandlesAndRejectsCommands(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.assertReleased(t)
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestCloseReturnsWithUnreadObserverEvents(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.engine.task(t, 0)
	for i := 0; i < 200; i++ {
		task.notify(Notification{Kind: NotifyPartial, Text: fmt.Sprintf("word %d", i)})
	}

	closed := make(chan error, 1)
	go func() { closed <- h.session.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("close blocked on unread observer events")
	}
	h.assertReleased(t)
}
