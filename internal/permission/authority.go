// Package permission answers authorization requests for the listener from configuration.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/session"
)

// Authority is a configured, revocable PermissionAuthority. Operators flip the status
// at runtime (for example over the control subject) to simulate a user revoking access.
type Authority struct {
	mu     sync.RWMutex
	status session.PermissionStatus
	log    *slog.Logger
}

func Parse(value string) (session.PermissionStatus, error) {
	switch s := session.PermissionStatus(value); s {
	case session.PermissionGranted, session.PermissionDenied, session.PermissionRestricted, session.PermissionUndetermined:
		return s, nil
	default:
		return "", fmt.Errorf("unknown permission status %q", value)
	}
}

func New(status session.PermissionStatus, log *slog.Logger) *Authority {
	if log == nil {
		log = slog.Default()
	}
	return &Authority{status: status, log: log.With(slog.String("component", "permission"))}
}

func (a *Authority) RequestPermission(ctx context.Context) (session.PermissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return session.PermissionUndetermined, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status, nil
}

func (a *Authority) Status() session.PermissionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Authority) Set(status session.PermissionStatus) {
	a.mu.Lock()
	prev := a.status
	a.status = status
	a.mu.Unlock()
	if prev != status {
		a.log.Info("permission status changed", slog.String("from", string(prev)), slog.String("to", string(status)))
	}
}
