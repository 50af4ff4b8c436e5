// Package listener runs a transcription session inside the daemon: it relays session
// events onto the bus and into the event store, and accepts control requests.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/permission"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
)

const controlTimeout = 30 * time.Second

// ErrUnknownAction is returned for control requests the listener does not understand.
var ErrUnknownAction = errors.New("unknown control action")

type Service struct {
	cfg     config.SessionConfig
	log     *slog.Logger
	session *session.Session
	perms   *permission.Authority
	bus     *bus.Client
	store   *eventstore.Store
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	sub     *nats.Subscription
	lastErr error

	healthy atomic.Bool
}

func NewService(parent context.Context, cfg config.SessionConfig, sess *session.Session, perms *permission.Authority, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) (*Service, error) {
	if sess == nil {
		return nil, errors.New("listener requires a session")
	}
	if busClient == nil {
		return nil, errors.New("listener requires bus client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "listener"), slog.String("session_id", sess.ID())),
		session: sess,
		perms:   perms,
		bus:     busClient,
		store:   store,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start registers the relays and the control subscription, then starts the session
// when auto_start is set.
func (s *Service) Start() error {
	if s.store != nil {
		if err := s.store.AppendSession(s.ctx, s.session.ID(), s.cfg.ActorID, s.cfg.PrivacyScope); err != nil {
			return fmt.Errorf("record session: %w", err)
		}
	}

	s.session.OnTranscript(s.relayTranscript)
	s.session.OnStateChange(s.relayState)
	s.session.OnError(s.relayError)
	s.session.OnSpeechDetected(s.relaySpeech)

	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionControl, s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe session control: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.healthy.Store(true)
	s.record(eventstore.TypeSessionStarted, map[string]any{
		"locale":         s.cfg.Locale,
		"restart_policy": s.cfg.RestartPolicy,
	}, time.Now())

	if s.cfg.AutoStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
			defer cancel()
			if err := s.session.Start(ctx); err != nil {
				s.log.Warn("auto start failed", slogError(err))
				s.setLastErr(err)
				return
			}
			s.log.Info("session auto-started")
		}()
	}
	return nil
}

// Close drains the control subscription, cancels the session and waits for in-flight requests.
func (s *Service) Close() {
	s.healthy.Store(false)
	s.mu.Lock()
	if s.sub != nil {
		_ = s.sub.Drain()
		s.sub = nil
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.session.Cancel(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
		s.log.Warn("cancel session on close failed", slogError(err))
	}
}

func (s *Service) Healthy() bool {
	return s != nil && s.healthy.Load()
}

// Control applies one control action and returns the resulting status.
func (s *Service) Control(ctx context.Context, req protocol.SessionControl) (protocol.SessionStatus, error) {
	var err error
	switch req.Action {
	case "start":
		err = s.session.Start(ctx)
	case "stop":
		err = s.session.Stop(ctx)
	case "cancel":
		err = s.session.Cancel(ctx)
	case "status", "":
	case "permission":
		if s.perms == nil {
			err = errors.New("permission authority not configurable")
			break
		}
		var status session.PermissionStatus
		if status, err = permission.Parse(req.Permission); err == nil {
			s.perms.Set(status)
		}
	default:
		err = fmt.Errorf("%w %q", ErrUnknownAction, req.Action)
	}
	if err != nil {
		s.log.Info("control request failed", slog.String("action", req.Action), slogError(err))
		s.setLastErr(err)
	}
	return s.Status(), err
}

// Status snapshots the session for callers.
func (s *Service) Status() protocol.SessionStatus {
	text, final := s.session.Transcript()
	status := protocol.SessionStatus{
		SessionID:  s.session.ID(),
		State:      s.session.State().String(),
		Transcript: text,
		Final:      final,
		Timestamp:  time.Now().UTC(),
	}
	s.mu.Lock()
	if s.lastErr != nil {
		status.Error = s.lastErr.Error()
	}
	s.mu.Unlock()
	return status
}

// History returns the recorded timeline of this listener's session.
func (s *Service) History(ctx context.Context, limit int) ([]eventstore.Event, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSessionEvents(ctx, s.session.ID(), limit)
}

// Sessions lists recent sessions recorded by any listener sharing the store.
func (s *Service) Sessions(ctx context.Context, limit int) ([]eventstore.SessionSummary, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSessions(ctx, limit)
}

func (s *Service) handleControl(msg *nats.Msg) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	var req protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode control request", slogError(err))
		s.respond(msg, protocol.SessionStatus{SessionID: s.session.ID(), Error: err.Error(), Timestamp: time.Now().UTC()})
		return
	}
	// Stop blocks until recognition finishes, so requests run off the subscription goroutine.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
		defer cancel()
		status, err := s.Control(ctx, req)
		if err != nil {
			status.Error = err.Error()
		}
		s.respond(msg, status)
	}()
}

func (s *Service) respond(msg *nats.Msg, status protocol.SessionStatus) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.log.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send control reply", slogError(err))
	}
}

func (s *Service) relayTranscript(evt session.TranscriptEvent) {
	subject := protocol.SubjectTranscriptPartial
	typ := eventstore.TypeTranscriptPartial
	if evt.IsFinal {
		subject = protocol.SubjectTranscriptFinal
		typ = eventstore.TypeTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID: evt.SessionID,
		Text:      evt.Text,
		Partial:   !evt.IsFinal,
		Timestamp: evt.Timestamp.UTC(),
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
	s.record(typ, msg, evt.Timestamp)
}

func (s *Service) relayState(change session.StateChange) {
	if change.To != session.StateFailed {
		s.setLastErr(nil)
	}
	status := protocol.SessionStatus{
		SessionID: change.SessionID,
		State:     change.To.String(),
		Previous:  change.From.String(),
		Timestamp: change.At.UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectSessionState, status); err != nil {
		s.log.Warn("failed to publish state change", slogError(err))
	}
	s.record(eventstore.TypeStateChanged, status, change.At)
}

func (s *Service) relayError(err error) {
	s.setLastErr(err)
	now := time.Now()
	msg := protocol.SessionError{
		SessionID: s.session.ID(),
		Kind:      "unknown",
		Message:   err.Error(),
		Timestamp: now.UTC(),
	}
	var se *session.Error
	if errors.As(err, &se) {
		msg.Kind = se.Kind.String()
		msg.Code = se.Code
		msg.Domain = se.Domain
	}
	if err := s.bus.PublishJSON(protocol.SubjectSessionError, msg); err != nil {
		s.log.Warn("failed to publish session error", slogError(err))
	}
	s.record(eventstore.TypeError, msg, now)
}

func (s *Service) relaySpeech(at time.Time) {
	payload := map[string]any{"session_id": s.session.ID(), "timestamp": at.UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectSpeechDetected, payload); err != nil {
		s.log.Warn("failed to publish speech detection", slogError(err))
	}
	s.record(eventstore.TypeSpeechDetected, payload, at)
}

func (s *Service) record(typ string, payload any, at time.Time) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Record(ctx, s.session.ID(), s.cfg.ActorID, s.cfg.PrivacyScope, typ, payload, at); err != nil {
		s.log.Warn("failed to record event", slog.String("type", typ), slogError(err))
	}
}

func (s *Service) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
