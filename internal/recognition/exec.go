package recognition

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd       []string
	modelPath string
	mu        sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
	Code       int     `json:"code"`
	Domain     string  `json:"domain"`
}

// NewExecRecognizer runs command once per request with the audio written to a temporary
// WAV file. The command prints a JSON object with text and confidence on stdout.
func NewExecRecognizer(command, modelPath string) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	return &execRecognizer{cmd: args, modelPath: modelPath}, nil
}

func (r *execRecognizer) OnDevice() bool { return true }

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_listen_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, req.PCM, req.SampleRate, req.Channels); err != nil {
		return Result{}, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}
	if req.Locale != "" {
		cmdArgs = append(cmdArgs, "--language", req.Locale)
	}
	for _, hint := range req.Hints {
		cmdArgs = append(cmdArgs, "--hint", hint)
	}
	if !req.Final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("recognition command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode recognition response: %w", err)
	}
	if resp.Error != "" {
		return Result{}, &RecognizerError{Message: resp.Error, ErrCode: resp.Code, ErrDomain: resp.Domain}
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
