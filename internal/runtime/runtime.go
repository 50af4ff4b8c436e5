package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/capability"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/listener"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/permission"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/recognition"
	"github.com/loqalabs/loqa-listen/internal/session"
)

const transcriptStream = "TRANSCRIPTS"

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	engine   *recognition.Engine
	session  *session.Session
	listener *listener.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	r.metrics = tel.handler

	if err := r.build(ctx); err != nil {
		r.teardown()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", r.session.ID()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.teardown()
	r.closeTelemetry()
	return nil
}

// build connects the bus, opens the store, assembles the session and its listener and
// announces the node.
func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg
	srv, err := natsserver.Start(cfg.Bus, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return err
	}
	r.nats = srv
	busCfg := cfg.Bus
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	if cfg.Bus.PersistTranscripts {
		maxAge := time.Duration(cfg.Bus.TranscriptMaxAge) * time.Hour
		subjects := []string{protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal}
		if err := r.bus.EnsureStream(transcriptStream, subjects, maxAge); err != nil {
			return err
		}
	}

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	status, err := permission.Parse(cfg.Session.Permission)
	if err != nil {
		return err
	}
	perms := permission.New(status, r.logger)

	recognizer, err := newRecognizer(cfg.Recognition, r.bus)
	if err != nil {
		return err
	}
	r.engine = recognition.NewEngine(ctx, recognizer, recognition.OptionsFromConfig(cfg.Recognition), r.logger)

	source, err := newCapture(cfg.Capture, r.bus, r.logger)
	if err != nil {
		return err
	}

	r.session, err = session.New(session.ConfigFromFile(cfg.Session, cfg.Capture), perms, source, r.engine,
		session.WithLogger(r.logger))
	if err != nil {
		return err
	}

	r.listener, err = listener.NewService(ctx, cfg.Session, r.session, perms, r.bus, r.store, r.logger)
	if err != nil {
		return err
	}
	if err := r.listener.Start(); err != nil {
		return err
	}

	sess := r.session
	r.registry, err = capability.NewRegistry(ctx, cfg.Node, sess.ID(), capability.Describe(cfg),
		func() string { return sess.State().String() }, r.bus, r.logger)
	return err
}

func (r *Runtime) teardown() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.listener != nil {
		r.listener.Close()
	}
	if r.session != nil {
		_ = r.session.Close()
	}
	if r.engine != nil {
		r.engine.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func newRecognizer(cfg config.RecognitionConfig, client *bus.Client) (recognition.Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return recognition.NewExecRecognizer(cfg.Command, cfg.ModelPath)
	case "remote":
		return recognition.NewRemoteRecognizer(client.Conn(), cfg.Subject)
	default:
		return recognition.NewMockRecognizer(), nil
	}
}

func newCapture(cfg config.CaptureConfig, client *bus.Client, logger *slog.Logger) (session.AudioCapture, error) {
	if cfg.Mode == "wav" {
		src, err := capture.NewWavCapture(cfg.File, cfg.Realtime, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return capture.NewBusCapture(client, cfg.Device), nil
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("GET /v1/session", r.handleStatus)
	mux.HandleFunc("GET /v1/session/events", r.handleEvents)
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	mux.HandleFunc("POST /v1/session/{action}", r.handleControl)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.listener.Healthy() && r.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.listener.Status())
}

func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.listener.History(req.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type eventView struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{Type: e.Type, Payload: json.RawMessage(e.Payload), CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.listener.Sessions(req.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []eventstore.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	filter := capability.WithCapability(capability.CapabilityTranscribe)
	if locale := req.URL.Query().Get("locale"); locale != "" {
		filter = capability.WithAttribute("locale", locale)
	}
	nodes := r.registry.Nodes(filter)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (r *Runtime) handleControl(w http.ResponseWriter, req *http.Request) {
	ctrl := protocol.SessionControl{Action: req.PathValue("action")}
	if ctrl.Action == "permission" {
		ctrl.Permission = req.URL.Query().Get("status")
	}
	status, err := r.listener.Control(req.Context(), ctrl)
	if err != nil {
		status.Error = err.Error()
	}
	writeJSON(w, statusCode(err), status)
}

func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, listener.ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		var se *session.Error
		if errors.As(err, &se) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
