package recognition

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/queue"
	"github.com/loqalabs/loqa-listen/internal/session"
)

// Options tune how a task segments speech.
type Options struct {
	PartialEvery    time.Duration
	MaxTaskDuration time.Duration
	NoSpeechTimeout time.Duration
	SilenceTimeout  time.Duration
	SpeechThreshold float64
	RequestTimeout  time.Duration
}

func OptionsFromConfig(cfg config.RecognitionConfig) Options {
	return Options{
		PartialEvery:    config.Millis(cfg.PartialEveryMS),
		MaxTaskDuration: config.Millis(cfg.MaxTaskDurationMS),
		NoSpeechTimeout: config.Millis(cfg.NoSpeechTimeoutMS),
		SilenceTimeout:  config.Millis(cfg.SilenceTimeoutMS),
		SpeechThreshold: cfg.SpeechThreshold,
		RequestTimeout:  config.Millis(cfg.RequestTimeoutMS),
	}
}

// Engine runs continuous recognition tasks on top of a Recognizer. Each task owns a
// goroutine that buffers frames, requests partial transcripts periodically and ends the
// task on silence, lack of speech or the task time limit.
type Engine struct {
	recognizer Recognizer
	opts       Options
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	available bool
	tasks     map[*task]struct{}
}

func NewEngine(parent context.Context, recognizer Recognizer, opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 45 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Engine{
		recognizer: recognizer,
		opts:       opts,
		log:        log.With(slog.String("component", "recognition")),
		ctx:        ctx,
		cancel:     cancel,
		available:  true,
		tasks:      make(map[*task]struct{}),
	}
}

func (e *Engine) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

// SetAvailable flips engine availability and tells every live task about it.
func (e *Engine) SetAvailable(available bool) {
	e.mu.Lock()
	if e.available == available {
		e.mu.Unlock()
		return
	}
	e.available = available
	live := make([]*task, 0, len(e.tasks))
	for t := range e.tasks {
		live = append(live, t)
	}
	e.mu.Unlock()

	e.log.Info("recognizer availability changed", slog.Bool("available", available))
	for _, t := range live {
		t.emit(session.Notification{Kind: session.NotifyAvailabilityChanged, Available: available, At: time.Now()})
	}
}

// Close cancels all live tasks and waits for their goroutines.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// BeginTask starts a task. ctx only bounds setup; the task lives until it completes,
// is cancelled, or the engine is closed.
func (e *Engine) BeginTask(ctx context.Context, cfg session.TaskConfig, notify func(session.Notification)) (session.RecognitionTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if notify == nil {
		return nil, errors.New("recognition: notify callback is required")
	}
	if cfg.OnDeviceOnly && !isOnDevice(e.recognizer) {
		return nil, &session.Error{Kind: session.KindRecognitionUnavailable, Err: errors.New("on-device recognition required but recognizer is remote")}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.available {
		return nil, &session.Error{Kind: session.KindRecognitionUnavailable, Err: errors.New("recognizer unavailable")}
	}
	if e.ctx.Err() != nil {
		return nil, &session.Error{Kind: session.KindRecognitionUnavailable, Err: errors.New("recognition engine closed")}
	}

	tctx, cancel := context.WithCancel(e.ctx)
	t := &task{
		engine: e,
		cfg:    cfg,
		notify: notify,
		frames: queue.New[session.Frame](),
		ended:  make(chan struct{}),
		ctx:    tctx,
		cancel: cancel,
	}
	e.tasks[t] = struct{}{}
	e.wg.Add(1)
	go t.run()
	return t, nil
}

func (e *Engine) release(t *task) {
	e.mu.Lock()
	delete(e.tasks, t)
	e.mu.Unlock()
	e.wg.Done()
}

func (e *Engine) tick() time.Duration {
	tick := 100 * time.Millisecond
	for _, d := range []time.Duration{e.opts.PartialEvery, e.opts.SilenceTimeout, e.opts.NoSpeechTimeout, e.opts.MaxTaskDuration} {
		if d > 0 && d/4 < tick {
			tick = d / 4
		}
	}
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	return tick
}

type task struct {
	engine *Engine
	cfg    session.TaskConfig
	notify func(session.Notification)
	frames *queue.Queue[session.Frame]

	ended     chan struct{}
	endOnce   sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	emitMu    sync.Mutex
	finished  bool

	// owned by run
	pcm          []byte
	startedAt    time.Time
	speechSeen   bool
	speaking     bool
	lastVoice    time.Time
	lastPartial  time.Time
	partialBytes int
}

func (t *task) Append(frame session.Frame) {
	t.frames.Push(frame)
}

func (t *task) EndAudio() {
	t.endOnce.Do(func() { close(t.ended) })
}

func (t *task) Cancel() {
	t.cancel()
}

// emit forwards n unless the task already reported its terminal notification.
func (t *task) emit(n session.Notification) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.finished {
		return false
	}
	if n.Kind == session.NotifyCompleted || n.Kind == session.NotifyCancelled {
		t.finished = true
	}
	t.notify(n)
	return true
}

func (t *task) run() {
	defer t.engine.release(t)
	defer t.frames.Close()

	log := t.engine.log
	opts := t.engine.opts
	t.startedAt = time.Now()
	ticker := time.NewTicker(t.engine.tick())
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.emit(session.Notification{Kind: session.NotifyCancelled, At: time.Now()})
			return
		case <-t.frames.Ready():
			t.ingest(t.frames.Drain())
		case <-t.ended:
			t.ingest(t.frames.Drain())
			t.emit(session.Notification{Kind: session.NotifyFinishedReadingAudio, At: time.Now()})
			t.finish(nil)
			return
		case now := <-ticker.C:
			switch {
			case opts.MaxTaskDuration > 0 && now.Sub(t.startedAt) >= opts.MaxTaskDuration:
				log.Debug("recognition task hit time limit", slog.Duration("limit", opts.MaxTaskDuration))
				t.finish(fmt.Errorf("task time limit %s reached: %w", opts.MaxTaskDuration, session.ErrTimeout))
				return
			case !t.speechSeen && opts.NoSpeechTimeout > 0 && now.Sub(t.startedAt) >= opts.NoSpeechTimeout:
				t.emit(session.Notification{Kind: session.NotifyCompleted, Err: fmt.Errorf("no speech detected: %w", session.ErrTimeout), At: now})
				return
			case t.speechSeen && !t.speaking && opts.SilenceTimeout > 0 && now.Sub(t.lastVoice) >= opts.SilenceTimeout:
				t.finish(nil)
				return
			case t.cfg.PartialResults && t.speechSeen && now.Sub(t.lastPartial) >= opts.PartialEvery && len(t.pcm) > t.partialBytes:
				t.partial(now)
			}
		}
	}
}

func (t *task) ingest(frames []session.Frame) {
	threshold := t.engine.opts.SpeechThreshold
	for _, f := range frames {
		t.pcm = append(t.pcm, f.PCM...)
		at := f.CapturedAt
		if at.IsZero() {
			at = time.Now()
		}
		voiced := rms(f.PCM) >= threshold
		if voiced {
			t.lastVoice = at
			if !t.speaking {
				t.speaking = true
				t.speechSeen = true
				t.emit(session.Notification{Kind: session.NotifySpeechDetected, At: at})
			}
		} else if t.speaking {
			t.speaking = false
		}
	}
}

func (t *task) request(final bool) Request {
	return Request{
		PCM:        t.pcm,
		SampleRate: t.cfg.Format.SampleRate,
		Channels:   t.cfg.Format.Channels,
		Final:      final,
		Locale:     t.cfg.Locale,
		Hints:      t.cfg.ContextualHints,
	}
}

func (t *task) partial(now time.Time) {
	ctx, cancel := context.WithTimeout(t.ctx, t.engine.opts.RequestTimeout)
	defer cancel()
	t.lastPartial = now
	t.partialBytes = len(t.pcm)
	result, err := t.engine.recognizer.Transcribe(ctx, t.request(false))
	if err != nil {
		if t.ctx.Err() == nil {
			t.engine.log.Warn("partial transcription failed", slogError(err))
		}
		return
	}
	if result.Text != "" {
		t.emit(session.Notification{Kind: session.NotifyPartial, Text: result.Text, At: time.Now()})
	}
}

// finish transcribes everything buffered and completes the task with cause, which is
// nil for a normal end of utterance.
func (t *task) finish(cause error) {
	if t.speechSeen {
		ctx, cancel := context.WithTimeout(t.ctx, t.engine.opts.RequestTimeout)
		result, err := t.engine.recognizer.Transcribe(ctx, t.request(true))
		cancel()
		if err != nil {
			if t.ctx.Err() != nil {
				t.emit(session.Notification{Kind: session.NotifyCancelled, At: time.Now()})
				return
			}
			t.emit(session.Notification{Kind: session.NotifyCompleted, Err: err, At: time.Now()})
			return
		}
		if result.Text != "" {
			t.emit(session.Notification{Kind: session.NotifyFinal, Text: result.Text, At: time.Now()})
		}
	}
	t.emit(session.Notification{Kind: session.NotifyCompleted, Err: cause, At: time.Now()})
}

// rms returns the normalised root-mean-square level of 16-bit little-endian PCM.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
