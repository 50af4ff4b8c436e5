package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures.
type ErrorKind int

const (
	KindPermissionDenied ErrorKind = iota + 1
	KindAudioSessionUnavailable
	KindRecognitionUnavailable
	KindRecognitionTaskFailed
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindAudioSessionUnavailable:
		return "audio_session_unavailable"
	case KindRecognitionUnavailable:
		return "recognition_unavailable"
	case KindRecognitionTaskFailed:
		return "recognition_task_failed"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the typed failure surfaced by Start and through OnError.
// Code and Domain carry the underlying engine's error identity when it exposes one.
type Error struct {
	Kind   ErrorKind
	Code   int
	Domain string
	Err    error
}

var (
	ErrPermissionDenied        = &Error{Kind: KindPermissionDenied}
	ErrAudioSessionUnavailable = &Error{Kind: KindAudioSessionUnavailable}
	ErrRecognitionUnavailable  = &Error{Kind: KindRecognitionUnavailable}
	ErrRecognitionTaskFailed   = &Error{Kind: KindRecognitionTaskFailed}
	ErrTimeout                 = &Error{Kind: KindTimeout}

	ErrInvalidState = errors.New("session: operation not valid in current state")
	ErrClosed       = errors.New("session: closed")
)

func (e *Error) Error() string {
	msg := "session: " + e.Kind.String()
	if e.Domain != "" || e.Code != 0 {
		msg += fmt.Sprintf(" (%s:%d)", e.Domain, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout) works for
// wrapped instances carrying details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

type coder interface {
	Code() int
}

type domainer interface {
	Domain() string
}

func newError(kind ErrorKind, cause error) *Error {
	e := &Error{Kind: kind, Err: cause}
	var c coder
	if errors.As(cause, &c) {
		e.Code = c.Code()
	}
	var d domainer
	if errors.As(cause, &d) {
		e.Domain = d.Domain()
	}
	return e
}

// classifyCompletion maps an engine completion error onto the taxonomy.
// Engines signal time limits and no-speech endings with ErrTimeout.
func classifyCompletion(err error) *Error {
	var se *Error
	if errors.As(err, &se) && (se.Err != nil || err == error(se)) {
		return se
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return &Error{Kind: KindTimeout, Err: err}
	case errors.Is(err, ErrRecognitionUnavailable):
		return &Error{Kind: KindRecognitionUnavailable, Err: err}
	}
	return newError(KindRecognitionTaskFailed, err)
}
