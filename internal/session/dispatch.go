package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/queue"
)

// dispatcher delivers observer callbacks on its own goroutine, in emission order,
// so observers may call back into the session without deadlocking the event loop.
type dispatcher struct {
	mu          sync.RWMutex
	transcripts []func(TranscriptEvent)
	errs        []func(error)
	states      []func(StateChange)
	speech      []func(time.Time)

	pending *queue.Queue[func()]
	log     *slog.Logger
	done    chan struct{}
}

func newDispatcher(log *slog.Logger) *dispatcher {
	return &dispatcher{
		pending: queue.New[func()](),
		log:     log,
		done:    make(chan struct{}),
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	ctx := context.Background()
	for d.pending.Wait(ctx) {
		for _, fn := range d.pending.Drain() {
			d.invoke(fn)
		}
	}
	for _, fn := range d.pending.Drain() {
		d.invoke(fn)
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("session observer panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// close stops accepting events and waits until queued callbacks have run.
func (d *dispatcher) close() {
	d.pending.Close()
	<-d.done
}

func (d *dispatcher) emitTranscript(evt TranscriptEvent) {
	d.mu.RLock()
	handlers := slices.Clone(d.transcripts)
	d.mu.RUnlock()
	d.pending.Push(func() {
		for _, h := range handlers {
			h(evt)
		}
	})
}

func (d *dispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := slices.Clone(d.errs)
	d.mu.RUnlock()
	d.pending.Push(func() {
		for _, h := range handlers {
			h(err)
		}
	})
}

func (d *dispatcher) emitState(change StateChange) {
	d.mu.RLock()
	handlers := slices.Clone(d.states)
	d.mu.RUnlock()
	d.pending.Push(func() {
		for _, h := range handlers {
			h(change)
		}
	})
}

func (d *dispatcher) emitSpeech(at time.Time) {
	d.mu.RLock()
	handlers := slices.Clone(d.speech)
	d.mu.RUnlock()
	d.pending.Push(func() {
		for _, h := range handlers {
			h(at)
		}
	})
}
