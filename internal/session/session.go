// Package session implements a continuous speech-transcription session: it owns one
// audio stream and one recognition task at a time, serializes every caller command and
// engine notification through a single event loop, and transparently restarts
// recognition when a task ends on its own.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-listen/internal/queue"
)

// restartSetupTimeout bounds permission, task and stream setup for one restart attempt.
const restartSetupTimeout = 10 * time.Second

type opKind int

const (
	opStart opKind = iota
	opStop
	opCancel
)

type command struct {
	op    opKind
	ctx   context.Context
	reply chan error
}

type taskNote struct {
	gen  uint64
	note Notification
}

type streamFault struct {
	gen uint64
	err error
}

type timerKind int

const (
	timerRestart timerKind = iota
	timerStopDeadline
)

type timerFired struct {
	kind timerKind
	seq  uint64
}

type activeTask struct {
	gen       uint64
	handle    RecognitionTask
	finalSeen bool
	span      trace.Span
}

// Session is a TranscriptionSession. All fields below the inbox are owned by the
// event loop goroutine.
type Session struct {
	cfg     Config
	id      string
	perms   PermissionAuthority
	capture AudioCapture
	engine  RecognitionEngine
	log     *slog.Logger
	clock   func() time.Time
	inst    *instruments
	out     *dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	snapMu    sync.RWMutex
	snapState State
	snapText  string
	snapFinal bool

	inbox *queue.Queue[any]

	state           State
	lastVisible     State
	transcript      string
	isFinal         bool
	stream          AudioStream
	task            *activeTask
	generation      uint64
	restartFailures int
	backoff         *backoff.ExponentialBackOff
	timerSeq        uint64
	restartTimer    *time.Timer
	stopTimer       *time.Timer
	stopWaiters     []chan error
}

// New validates cfg and wires the collaborators. Every collaborator is required.
func New(cfg Config, perms PermissionAuthority, capture AudioCapture, engine RecognitionEngine, opts ...Option) (*Session, error) {
	if perms == nil {
		return nil, errors.New("session: permission authority is required")
	}
	if capture == nil {
		return nil, errors.New("session: audio capture is required")
	}
	if engine == nil {
		return nil, errors.New("session: recognition engine is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("session: invalid config: %w", err)
	}
	o := newOptions(opts)
	inst, err := newInstruments(o.meter, o.tracer)
	if err != nil {
		return nil, fmt.Errorf("session: init instruments: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RestartBackoff
	bo.MaxInterval = 20 * cfg.RestartBackoff
	bo.Reset()

	log := o.logger.With(slog.String("component", "session"), slog.String("session_id", o.id))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		id:      o.id,
		perms:   perms,
		capture: capture,
		engine:  engine,
		log:     log,
		clock:   o.clock,
		inst:    inst,
		out:     newDispatcher(log),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		inbox:   queue.New[any](),
		backoff: bo,
	}
	go s.out.run()
	go s.run()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state, including internal Restarting.
func (s *Session) State() State {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapState
}

// Transcript returns the latest best-effort text and whether it was final.
func (s *Session) Transcript() (string, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapText, s.snapFinal
}

func (s *Session) OnTranscript(fn func(TranscriptEvent)) {
	s.out.mu.Lock()
	s.out.transcripts = append(s.out.transcripts, fn)
	s.out.mu.Unlock()
}

func (s *Session) OnError(fn func(error)) {
	s.out.mu.Lock()
	s.out.errs = append(s.out.errs, fn)
	s.out.mu.Unlock()
}

func (s *Session) OnStateChange(fn func(StateChange)) {
	s.out.mu.Lock()
	s.out.states = append(s.out.states, fn)
	s.out.mu.Unlock()
}

func (s *Session) OnSpeechDetected(fn func(time.Time)) {
	s.out.mu.Lock()
	s.out.speech = append(s.out.speech, fn)
	s.out.mu.Unlock()
}

// Start acquires permission, a recognition task and an audio stream. It is valid from
// Idle or Failed. Acquisition failures are returned and leave no handles behind.
func (s *Session) Start(ctx context.Context) error {
	return s.do(ctx, opStart)
}

// Stop ends audio gracefully and waits until the task completes and the session is Idle.
// If ctx ends first the stop still proceeds in the background.
func (s *Session) Stop(ctx context.Context) error {
	return s.do(ctx, opStop)
}

// Cancel abandons the current task without waiting for a final result.
// It is a no-op when the session is already Idle.
func (s *Session) Cancel(ctx context.Context) error {
	return s.do(ctx, opCancel)
}

// Close cancels any active work, releases handles and flushes pending observer callbacks.
// It waits for every queued callback to return, so an observer that never returns
// blocks Close.
func (s *Session) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *Session) do(ctx context.Context, op opKind) error {
	reply := make(chan error, 1)
	if !s.inbox.Push(command{op: op, ctx: ctx, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	for s.inbox.Wait(s.ctx) {
		for _, msg := range s.inbox.Drain() {
			s.handle(msg)
		}
	}
	s.shutdown()
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case command:
		s.handleCommand(m)
	case taskNote:
		s.handleNote(m)
	case streamFault:
		s.handleStreamFault(m)
	case timerFired:
		s.handleTimer(m)
	}
}

func (s *Session) handleCommand(c command) {
	var err error
	switch c.op {
	case opStart:
		err = s.start(c.ctx)
	case opStop:
		switch s.state {
		case StateListening:
			s.beginStop()
			s.stopWaiters = append(s.stopWaiters, c.reply)
			return
		case StateStopping:
			s.stopWaiters = append(s.stopWaiters, c.reply)
			return
		case StateRestarting:
			s.stopTimers()
			s.releaseHandles(true)
			s.setState(StateIdle, true)
		default:
			err = ErrInvalidState
		}
	case opCancel:
		s.cancelNow()
	}
	c.reply <- err
}

func (s *Session) start(ctx context.Context) error {
	if s.state != StateIdle && s.state != StateFailed {
		return ErrInvalidState
	}
	prior := s.state
	if err := s.checkPermission(ctx); err != nil {
		s.log.Warn("start refused", slogError(err))
		return err
	}
	s.setState(StateStarting, true)
	s.restartFailures = 0
	s.backoff.Reset()
	if err := s.acquire(ctx); err != nil {
		s.log.Warn("start failed", slogError(err))
		s.setState(prior, true)
		return err
	}
	s.setTranscript("", false)
	s.setState(StateListening, true)
	return nil
}

func (s *Session) checkPermission(ctx context.Context) error {
	if s.cfg.PermissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PermissionTimeout)
		defer cancel()
	}
	status, err := s.perms.RequestPermission(ctx)
	if err != nil {
		return newError(KindPermissionDenied, err)
	}
	if status != PermissionGranted {
		return &Error{Kind: KindPermissionDenied, Err: fmt.Errorf("authorization status %s", status)}
	}
	return nil
}

// acquire opens a fresh task and stream. Any prior handles are released first so the
// session never holds two of either.
func (s *Session) acquire(ctx context.Context) error {
	if !s.engine.Available() {
		return &Error{Kind: KindRecognitionUnavailable, Err: errors.New("recognition engine reports unavailable")}
	}
	s.releaseHandles(true)

	s.generation++
	gen := s.generation
	_, span := s.inst.tracer.Start(s.ctx, "session.task", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.Int64("session.task", int64(gen)),
		attribute.String("session.locale", s.cfg.Locale),
	))

	task, err := s.engine.BeginTask(ctx, s.cfg.taskConfig(), func(n Notification) {
		s.inbox.Push(taskNote{gen: gen, note: n})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		var se *Error
		if errors.As(err, &se) {
			return se
		}
		return newError(KindRecognitionUnavailable, err)
	}

	stream, err := s.capture.OpenStream(ctx, StreamConfig{BufferSize: s.cfg.BufferSize, Format: s.cfg.Format}, StreamCallbacks{
		OnFrame: task.Append,
		OnInterrupt: func(err error) {
			s.inbox.Push(streamFault{gen: gen, err: err})
		},
	})
	if err != nil {
		task.Cancel()
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return newError(KindAudioSessionUnavailable, err)
	}

	s.task = &activeTask{gen: gen, handle: task, span: span}
	s.stream = stream
	s.setTranscript(s.transcript, false)
	s.inst.taskStarted(s.ctx, s.cfg.Locale)
	s.log.Debug("recognition task started", slog.Uint64("task", gen))
	return nil
}

func (s *Session) beginStop() {
	s.releaseStream()
	s.task.handle.EndAudio()
	s.setState(StateStopping, true)
	s.timerSeq++
	seq := s.timerSeq
	s.stopTimer = time.AfterFunc(s.cfg.StopTimeout, func() {
		s.inbox.Push(timerFired{kind: timerStopDeadline, seq: seq})
	})
}

func (s *Session) cancelNow() {
	if s.state == StateIdle {
		return
	}
	s.stopTimers()
	s.releaseHandles(true)
	s.setState(StateIdle, true)
	s.finishStop(nil)
}

func (s *Session) handleNote(m taskNote) {
	t := s.task
	if t == nil || t.gen != m.gen {
		s.log.Debug("discarding stale notification", slog.String("kind", m.note.Kind.String()))
		return
	}
	n := m.note
	switch n.Kind {
	case NotifyPartial:
		if s.state != StateListening || t.finalSeen {
			return
		}
		s.emitTranscript(n, false)
	case NotifyFinal:
		if t.finalSeen {
			return
		}
		t.finalSeen = true
		s.emitTranscript(n, true)
	case NotifySpeechDetected:
		if s.state == StateListening {
			s.out.emitSpeech(s.stamp(n.At))
		}
	case NotifyFinishedReadingAudio:
		s.log.Debug("recognizer finished reading audio", slog.Uint64("task", t.gen))
	case NotifyAvailabilityChanged:
		if n.Available {
			return
		}
		s.log.Warn("recognizer became unavailable")
		s.fail(&Error{Kind: KindRecognitionUnavailable, Err: errors.New("recognizer availability lost")})
	case NotifyCompleted:
		s.taskEnded(n.Err)
	case NotifyCancelled:
		s.taskEnded(nil)
	}
}

func (s *Session) emitTranscript(n Notification, final bool) {
	s.setTranscript(n.Text, final)
	s.inst.transcript(s.ctx, final)
	s.out.emitTranscript(TranscriptEvent{
		SessionID: s.id,
		Text:      n.Text,
		IsFinal:   final,
		Timestamp: s.stamp(n.At),
	})
}

// taskEnded handles completion of the current task. Completion while Stopping was
// requested by the caller; anything else feeds the restart policy.
func (s *Session) taskEnded(err error) {
	var serr *Error
	if err != nil {
		serr = classifyCompletion(err)
		s.task.span.SetStatus(codes.Error, serr.Error())
	}

	if s.state == StateStopping {
		s.stopTimers()
		s.releaseHandles(false)
		if serr != nil && serr.Kind != KindTimeout {
			s.report(serr)
		}
		s.setState(StateIdle, true)
		s.finishStop(nil)
		return
	}

	s.releaseHandles(false)
	switch {
	case serr != nil && serr.Kind != KindTimeout:
		s.report(serr)
		s.setState(StateFailed, true)
	case s.cfg.RestartPolicy == RestartAutoRestartOnCompletion:
		s.restart()
	default:
		if serr != nil {
			s.report(serr)
		}
		s.setState(StateIdle, true)
	}
}

// restart begins a new task without surfacing the transition to observers.
func (s *Session) restart() {
	s.inst.restarted(s.ctx)
	s.log.Info("restarting recognition", slog.Uint64("previous_task", s.generation))
	s.setState(StateRestarting, false)
	s.attemptRestart()
}

func (s *Session) attemptRestart() {
	ctx, cancel := context.WithTimeout(s.ctx, restartSetupTimeout)
	err := s.checkPermission(ctx)
	if err == nil {
		err = s.acquire(ctx)
	}
	cancel()
	if err == nil {
		s.restartFailures = 0
		s.backoff.Reset()
		s.setState(StateListening, false)
		return
	}

	s.restartFailures++
	s.log.Warn("restart failed",
		slogError(err),
		slog.Int("consecutive_failures", s.restartFailures))
	if s.restartFailures >= s.cfg.MaxRestartFailures {
		s.restartFailures = 0
		s.report(err)
		s.setState(StateFailed, true)
		return
	}

	delay := time.Duration(0)
	if s.cfg.RestartBackoff > 0 {
		delay = s.backoff.NextBackOff()
		if delay < 0 {
			delay = s.cfg.RestartBackoff
		}
	}
	s.timerSeq++
	seq := s.timerSeq
	s.restartTimer = time.AfterFunc(delay, func() {
		s.inbox.Push(timerFired{kind: timerRestart, seq: seq})
	})
}

func (s *Session) handleTimer(m timerFired) {
	if m.seq != s.timerSeq {
		return
	}
	switch m.kind {
	case timerRestart:
		if s.state == StateRestarting {
			s.restartTimer = nil
			s.attemptRestart()
		}
	case timerStopDeadline:
		if s.state == StateStopping {
			s.log.Warn("recognition did not finish before stop timeout, cancelling",
				slog.Duration("timeout", s.cfg.StopTimeout))
			s.stopTimer = nil
			s.releaseHandles(true)
			s.setState(StateIdle, true)
			s.finishStop(nil)
		}
	}
}

func (s *Session) handleStreamFault(m streamFault) {
	if s.task == nil || s.task.gen != m.gen || s.state != StateListening {
		return
	}
	s.log.Warn("audio stream interrupted", slogError(m.err))
	s.fail(newError(KindAudioSessionUnavailable, m.err))
}

func (s *Session) fail(err *Error) {
	s.stopTimers()
	s.releaseHandles(true)
	s.report(err)
	s.setState(StateFailed, true)
	s.finishStop(nil)
}

func (s *Session) report(err error) {
	kind := KindRecognitionTaskFailed
	var se *Error
	if errors.As(err, &se) {
		kind = se.Kind
	}
	s.log.Warn("session error", slogError(err), slog.String("kind", kind.String()))
	s.inst.errorReported(s.ctx, kind)
	s.out.emitError(err)
}

func (s *Session) releaseStream() {
	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		s.log.Warn("failed to close audio stream", slogError(err))
	}
	s.stream = nil
}

func (s *Session) releaseHandles(cancelTask bool) {
	s.releaseStream()
	if s.task == nil {
		return
	}
	if cancelTask {
		s.task.handle.Cancel()
	}
	s.task.span.End()
	s.task = nil
}

func (s *Session) stopTimers() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	s.timerSeq++
}

func (s *Session) finishStop(err error) {
	for _, w := range s.stopWaiters {
		w <- err
	}
	s.stopWaiters = nil
}

// setState records the transition. Only visible transitions reach observers; the
// Restarting loop is hidden so a continuous session looks like one long Listening.
func (s *Session) setState(to State, visible bool) {
	s.state = to
	s.snapMu.Lock()
	s.snapState = to
	s.snapMu.Unlock()
	if !visible || to == s.lastVisible {
		return
	}
	change := StateChange{SessionID: s.id, From: s.lastVisible, To: to, At: s.clock()}
	s.lastVisible = to
	s.log.Info("session state changed", slog.String("from", change.From.String()), slog.String("to", to.String()))
	s.out.emitState(change)
}

func (s *Session) setTranscript(text string, final bool) {
	s.transcript = text
	s.isFinal = final
	s.snapMu.Lock()
	s.snapText = text
	s.snapFinal = final
	s.snapMu.Unlock()
}

func (s *Session) stamp(at time.Time) time.Time {
	if at.IsZero() {
		return s.clock()
	}
	return at
}

func (s *Session) shutdown() {
	s.stopTimers()
	s.releaseHandles(true)
	s.setState(StateIdle, true)
	s.finishStop(ErrClosed)
	s.inbox.Close()
	for _, msg := range s.inbox.Drain() {
		if c, ok := msg.(command); ok {
			c.reply <- ErrClosed
		}
	}
	s.out.close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
