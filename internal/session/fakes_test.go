package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePermissions struct {
	mu     sync.Mutex
	status PermissionStatus
	asks   int
}

func newPermissions(status PermissionStatus) *fakePermissions {
	return &fakePermissions{status: status}
}

func (p *fakePermissions) RequestPermission(context.Context) (PermissionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asks++
	return p.status, nil
}

func (p *fakePermissions) set(status PermissionStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

type fakeCapture struct {
	mu       sync.Mutex
	open     int
	maxOpen  int
	opens    int
	failWith error
	last     StreamCallbacks
}

func (c *fakeCapture) OpenStream(_ context.Context, _ StreamConfig, cb StreamCallbacks) (AudioStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.opens++
	c.open++
	if c.open > c.maxOpen {
		c.maxOpen = c.open
	}
	c.last = cb
	return &fakeStream{capture: c}, nil
}

func (c *fakeCapture) snapshot() (open, maxOpen, opens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, c.maxOpen, c.opens
}

func (c *fakeCapture) callbacks() StreamCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type fakeStream struct {
	capture *fakeCapture
	once    sync.Once
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		s.capture.mu.Lock()
		s.capture.open--
		s.capture.mu.Unlock()
	})
	return nil
}

type fakeEngine struct {
	mu           sync.Mutex
	unavailable  bool
	beginErr     error
	autoComplete bool
	tasks        []*fakeTask
	live         int
	maxLive      int
}

func (e *fakeEngine) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.unavailable
}

func (e *fakeEngine) BeginTask(_ context.Context, cfg TaskConfig, notify func(Notification)) (RecognitionTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.beginErr != nil {
		return nil, e.beginErr
	}
	t := &fakeTask{engine: e, cfg: cfg, notify: notify}
	e.tasks = append(e.tasks, t)
	e.live++
	if e.live > e.maxLive {
		e.maxLive = e.live
	}
	return t, nil
}

func (e *fakeEngine) begun() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

func (e *fakeEngine) task(t *testing.T, i int) *fakeTask {
	t.Helper()
	eventually(t, func() bool { return e.begun() > i }, "recognition task begun")
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[i]
}

func (e *fakeEngine) liveTasks() (live, maxLive int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live, e.maxLive
}

type fakeTask struct {
	engine *fakeEngine
	cfg    TaskConfig
	notify func(Notification)

	mu        sync.Mutex
	frames    []Frame
	ended     bool
	cancelled bool
	finished  bool
}

func (t *fakeTask) Append(f Frame) {
	t.mu.Lock()
	t.frames = append(t.frames, f)
	t.mu.Unlock()
}

func (t *fakeTask) EndAudio() {
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
	t.engine.mu.Lock()
	auto := t.engine.autoComplete
	t.engine.mu.Unlock()
	if auto {
		t.final("done")
		t.complete(nil)
	}
}

func (t *fakeTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.cancelled = true
	t.engine.mu.Lock()
	t.engine.live--
	t.engine.mu.Unlock()
}

func (t *fakeTask) partial(text string) {
	t.notify(Notification{Kind: NotifyPartial, Text: text})
}

func (t *fakeTask) final(text string) {
	t.notify(Notification{Kind: NotifyFinal, Text: text})
}

func (t *fakeTask) complete(err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.mu.Unlock()
	t.engine.mu.Lock()
	t.engine.live--
	t.engine.mu.Unlock()
	t.notify(Notification{Kind: NotifyCompleted, Err: err})
}

func (t *fakeTask) state() (ended, cancelled bool, frames int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended, t.cancelled, len(t.frames)
}

type recorder struct {
	transcripts chan TranscriptEvent
	errs        chan error
	states      chan StateChange
	speech      chan time.Time
}

func observe(s *Session) *recorder {
	r := &recorder{
		transcripts: make(chan TranscriptEvent, 64),
		errs:        make(chan error, 64),
		states:      make(chan StateChange, 64),
		speech:      make(chan time.Time, 64),
	}
	s.OnTranscript(func(evt TranscriptEvent) { offer(r.transcripts, evt) })
	s.OnError(func(err error) { offer(r.errs, err) })
	s.OnStateChange(func(c StateChange) { offer(r.states, c) })
	s.OnSpeechDetected(func(at time.Time) { offer(r.speech, at) })
	return r
}

// offer drops v when a test has stopped reading ch, so long runs cannot wedge the
// dispatcher.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (r *recorder) nextTranscript(t *testing.T) TranscriptEvent {
	t.Helper()
	select {
	case evt := <-r.transcripts:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript event")
	}
	return TranscriptEvent{}
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
	return nil
}

func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-r.states:
			if c.To == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func expectQuiet[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", what)
}
