package recognition

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMockRecognizer(t *testing.T) {
	rec := NewMockRecognizer()
	res, err := rec.Transcribe(context.Background(), Request{PCM: make([]byte, 10), Final: true, Locale: "en-US"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(res.Text, "final") || !strings.Contains(res.Text, "length=10") {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if !isOnDevice(rec) {
		t.Fatal("mock recognizer runs on device")
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer("   ", ""); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestWritePCMToWavRejectsOddPayload(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "pcm_*.wav")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := writePCMToWav(f, []byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestExecRecognizerPassesLocaleAndHints(t *testing.T) {
	script := filepath.Join(t.TempDir(), "recognize.sh")
	body := `#!/bin/sh
lang=""
hints=""
partial="no"
while [ $# -gt 0 ]; do
  case "$1" in
    --language) lang="$2"; shift ;;
    --hint) hints="$hints$2;"; shift ;;
    --partial) partial="yes" ;;
  esac
  shift
done
echo "{\"text\":\"$lang $hints $partial\"}"
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	rec, err := NewExecRecognizer(script, "")
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), Request{
		PCM:        make([]byte, 64),
		SampleRate: 16000,
		Channels:   1,
		Locale:     "ja-JP",
		Hints:      []string{"loqa", "listen"},
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "ja-JP loqa;listen; yes" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}
