package permission

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-listen/internal/session"
)

func TestParse(t *testing.T) {
	for _, v := range []string{"granted", "denied", "restricted", "undetermined"} {
		if _, err := Parse(v); err != nil {
			t.Fatalf("parse %q: %v", v, err)
		}
	}
	if _, err := Parse("maybe"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestAuthorityRevocation(t *testing.T) {
	a := New(session.PermissionGranted, slog.New(slog.NewTextHandler(io.Discard, nil)))
	status, err := a.RequestPermission(context.Background())
	if err != nil || status != session.PermissionGranted {
		t.Fatalf("expected granted, got %s (%v)", status, err)
	}
	a.Set(session.PermissionDenied)
	if status, _ := a.RequestPermission(context.Background()); status != session.PermissionDenied {
		t.Fatalf("expected denied after revocation, got %s", status)
	}
}

func TestAuthorityHonoursContext(t *testing.T) {
	a := New(session.PermissionGranted, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.RequestPermission(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
