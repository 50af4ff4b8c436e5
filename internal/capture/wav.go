package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-listen/internal/session"
)

// WavCapture replays a WAV file as if it were a microphone. The read position survives
// across streams, so a restarted session continues where the previous stream stopped.
type WavCapture struct {
	path     string
	format   session.Format
	samples  []int
	bitDepth int
	realtime bool
	log      *slog.Logger

	mu        sync.Mutex
	cursor    int
	open      *wavStream
	exhausted chan struct{}
}

// NewWavCapture decodes path up front. With realtime set, frames are paced at the
// file's sample rate.
func NewWavCapture(path string, realtime bool, log *slog.Logger) (*WavCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	bitDepth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		bitDepth = buf.SourceBitDepth
	}
	return &WavCapture{
		path:      path,
		format:    session.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitDepth: 16},
		samples:   buf.Data,
		bitDepth:  bitDepth,
		realtime:  realtime,
		log:       log.With(slog.String("component", "capture"), slog.String("file", path)),
		exhausted: make(chan struct{}),
	}, nil
}

// Format reports the PCM format frames are delivered in.
func (c *WavCapture) Format() session.Format {
	return c.format
}

// Duration is the playback length of the whole file.
func (c *WavCapture) Duration() time.Duration {
	frames := len(c.samples) / c.format.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.format.SampleRate)
}

// Exhausted is closed once every sample has been delivered.
func (c *WavCapture) Exhausted() <-chan struct{} {
	return c.exhausted
}

func (c *WavCapture) OpenStream(ctx context.Context, cfg session.StreamConfig, cb session.StreamCallbacks) (session.AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cb.OnFrame == nil {
		return nil, errors.New("capture: OnFrame callback is required")
	}
	if cfg.Format.SampleRate != c.format.SampleRate || cfg.Format.Channels != c.format.Channels {
		return nil, fmt.Errorf("capture: stream wants %d Hz x%d but %s is %d Hz x%d",
			cfg.Format.SampleRate, cfg.Format.Channels, c.path, c.format.SampleRate, c.format.Channels)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open != nil {
		return nil, ErrBusy
	}
	if c.cursor >= len(c.samples) {
		return nil, ErrExhausted
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 2048
	}
	s := &wavStream{
		owner: c,
		cb:    cb,
		chunk: bufferSize * c.format.Channels,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	c.open = s
	go s.run()
	return s, nil
}

// next returns up to n samples from the cursor and advances it.
func (c *WavCapture) next(n int) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor >= len(c.samples) {
		return nil
	}
	end := c.cursor + n
	if end > len(c.samples) {
		end = len(c.samples)
	}
	out := c.samples[c.cursor:end]
	c.cursor = end
	if c.cursor >= len(c.samples) {
		close(c.exhausted)
		c.log.Info("wav source exhausted")
	}
	return out
}

func (c *WavCapture) release(s *wavStream) {
	c.mu.Lock()
	if c.open == s {
		c.open = nil
	}
	c.mu.Unlock()
}

type wavStream struct {
	owner *WavCapture
	cb    session.StreamCallbacks
	chunk int
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *wavStream) run() {
	defer close(s.done)
	c := s.owner
	period := time.Duration(s.chunk/c.format.Channels) * time.Second / time.Duration(c.format.SampleRate)
	var ticker *time.Ticker
	if c.realtime {
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}
	for seq := 0; ; seq++ {
		select {
		case <-s.stop:
			return
		default:
		}
		samples := c.next(s.chunk)
		if samples == nil {
			return
		}
		s.cb.OnFrame(session.Frame{
			Sequence:   seq,
			PCM:        toPCM16(samples, c.bitDepth),
			Format:     c.format,
			CapturedAt: time.Now(),
		})
		if ticker != nil {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
		}
	}
}

func (s *wavStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		s.owner.release(s)
	})
	return nil
}
