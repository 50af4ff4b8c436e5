package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
)

// BusCapture reads frames that a device publishes on audio.frame.<device>.
type BusCapture struct {
	bus    *bus.Client
	device string
	log    *slog.Logger

	mu   sync.Mutex
	open *busStream
}

func NewBusCapture(client *bus.Client, device string) *BusCapture {
	return &BusCapture{
		bus:    client,
		device: device,
		log:    client.Logger().With(slog.String("component", "capture"), slog.String("device", device)),
	}
}

func (c *BusCapture) OpenStream(ctx context.Context, cfg session.StreamConfig, cb session.StreamCallbacks) (session.AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cb.OnFrame == nil {
		return nil, errors.New("capture: OnFrame callback is required")
	}
	if !c.bus.Healthy() {
		return nil, errors.New("capture: bus not connected")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open != nil {
		return nil, ErrBusy
	}

	s := &busStream{
		owner:   c,
		cfg:     cfg,
		cb:      cb,
		chunker: newChunker(cfg.BufferSize, cfg.Format.Channels),
	}
	sub, err := c.bus.Conn().Subscribe(protocol.AudioFrameSubject(c.device), s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	if err := c.bus.Flush(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	s.sub = sub
	c.open = s
	c.log.Debug("audio stream opened", slog.Int("buffer_size", cfg.BufferSize))
	return s, nil
}

func (c *BusCapture) release(s *busStream) {
	c.mu.Lock()
	if c.open == s {
		c.open = nil
	}
	c.mu.Unlock()
}

type busStream struct {
	owner *BusCapture
	cfg   session.StreamConfig
	cb    session.StreamCallbacks
	sub   *nats.Subscription
	once  sync.Once

	// guarded by mu; NATS delivers one subscription's messages sequentially
	mu       sync.Mutex
	closed   bool
	chunker  *chunker
	sequence int
}

func (s *busStream) handle(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.owner.log.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if frame.Interrupted {
		s.closed = true
		if s.cb.OnInterrupt != nil {
			reason := frame.Reason
			if reason == "" {
				reason = "device reported interruption"
			}
			s.cb.OnInterrupt(errors.New(reason))
		}
		return
	}
	want := s.cfg.Format
	if (frame.SampleRate != 0 && frame.SampleRate != want.SampleRate) || (frame.Channels != 0 && frame.Channels != want.Channels) {
		s.owner.log.Warn("dropping frame with unexpected format",
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("channels", frame.Channels))
		return
	}
	capturedAt := frame.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	s.chunker.push(frame.PCM, func(pcm []byte) {
		s.cb.OnFrame(session.Frame{Sequence: s.sequence, PCM: pcm, Format: want, CapturedAt: capturedAt})
		s.sequence++
	})
}

// Close stops the subscription and hands any buffered remainder shorter than one
// buffer to OnFrame, so a graceful stop loses no captured audio.
func (s *busStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			s.chunker.flush(func(pcm []byte) {
				s.cb.OnFrame(session.Frame{Sequence: s.sequence, PCM: pcm, Format: s.cfg.Format, CapturedAt: time.Now()})
				s.sequence++
			})
		}
		s.mu.Unlock()
		s.owner.release(s)
		s.owner.log.Debug("audio stream closed")
	})
	return err
}
