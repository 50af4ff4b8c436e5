package recognition

import "fmt"

// RecognizerError is a failure reported by the recognizer itself rather than by the
// transport. Code and Domain are surfaced unchanged on session errors.
type RecognizerError struct {
	Message   string
	ErrCode   int
	ErrDomain string
}

func (e *RecognizerError) Error() string {
	if e.ErrDomain == "" && e.ErrCode == 0 {
		return "recognizer: " + e.Message
	}
	return fmt.Sprintf("recognizer: %s (%s:%d)", e.Message, e.ErrDomain, e.ErrCode)
}

func (e *RecognizerError) Code() int      { return e.ErrCode }
func (e *RecognizerError) Domain() string { return e.ErrDomain }
