package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-listen/internal/protocol"
)

// defaultRemoteTimeout bounds requests whose context carries no deadline.
const defaultRemoteTimeout = 45 * time.Second

type remoteRecognizer struct {
	conn    *nats.Conn
	subject string
}

// NewRemoteRecognizer sends each request to a recognizer service over NATS
// request/reply on subject.
func NewRemoteRecognizer(conn *nats.Conn, subject string) (Recognizer, error) {
	if conn == nil {
		return nil, fmt.Errorf("remote recognizer requires a bus connection")
	}
	if subject == "" {
		subject = protocol.SubjectRecognize
	}
	return &remoteRecognizer{conn: conn, subject: subject}, nil
}

func (r *remoteRecognizer) OnDevice() bool { return false }

func (r *remoteRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(protocol.RecognizeRequest{
		TaskID:     uuid.NewString(),
		PCM:        req.PCM,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
		Final:      req.Final,
		Locale:     req.Locale,
		Hints:      req.Hints,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode recognize request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRemoteTimeout)
		defer cancel()
	}
	msg, err := r.conn.RequestWithContext(ctx, r.subject, payload)
	if err != nil {
		return Result{}, fmt.Errorf("recognize request: %w", err)
	}
	var resp protocol.RecognizeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Result{}, fmt.Errorf("decode recognize response: %w", err)
	}
	if resp.Error != "" {
		return Result{}, &RecognizerError{Message: resp.Error, ErrCode: resp.Code, ErrDomain: resp.Domain}
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}
