package recognition

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (Result, error) {
	mode := "partial"
	if req.Final {
		mode = "final"
	}
	return Result{
		Text: fmt.Sprintf("[%s transcript locale=%s length=%d]", mode, req.Locale, len(req.PCM)),
	}, nil
}

func (m *mockRecognizer) OnDevice() bool { return true }
