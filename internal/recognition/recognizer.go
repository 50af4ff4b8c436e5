// Package recognition turns streamed audio into transcripts. Recognizer backends
// transcribe accumulated PCM; Engine drives them as continuous recognition tasks.
package recognition

import (
	"context"
)

// Request is one transcription call over the audio captured so far.
type Request struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Final      bool
	Locale     string
	Hints      []string
}

// Result captures recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// OnDevice is implemented by recognizers that never send audio off the host.
type OnDevice interface {
	OnDevice() bool
}

func isOnDevice(r Recognizer) bool {
	od, ok := r.(OnDevice)
	return ok && od.OnDevice()
}
