// Package capability advertises this listener on the bus and tracks the other
// listener nodes it hears from.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

const CapabilityTranscribe = "stt.transcribe"

type NodeInfo struct {
	ID           string                `json:"id"`
	Role         string                `json:"role"`
	SessionID    string                `json:"session_id,omitempty"`
	State        string                `json:"state,omitempty"`
	Capabilities []protocol.Capability `json:"capabilities"`
	LastSeen     time.Time             `json:"last_seen"`
	Healthy      bool                  `json:"healthy"`
}

// Describe lists what a listener built from cfg can do.
func Describe(cfg config.Config) []protocol.Capability {
	return []protocol.Capability{{
		Name: CapabilityTranscribe,
		Attributes: map[string]string{
			"locale":          cfg.Session.Locale,
			"recognizer":      cfg.Recognition.Mode,
			"on_device":       strconv.FormatBool(cfg.Recognition.Mode != "remote"),
			"partial_results": strconv.FormatBool(cfg.Session.PartialResults),
			"capture":         cfg.Capture.Mode,
			"hints":           strings.Join(cfg.Session.ContextualHints, ","),
		},
	}}
}

type Registry struct {
	cfg       config.NodeConfig
	sessionID string
	caps      []protocol.Capability
	state     func() string
	log       *slog.Logger
	bus       *bus.Client
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	subs  []*nats.Subscription
}

// NewRegistry subscribes to peer announcements, announces this node and starts the
// heartbeat. state, when set, is sampled into every heartbeat.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, sessionID string, caps []protocol.Capability, state func() string, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if busClient == nil {
		return nil, errors.New("capability registry requires bus client")
	}
	if cfg.HeartbeatIntervalMS <= 0 {
		return nil, errors.New("heartbeat interval must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:       cfg,
		sessionID: sessionID,
		caps:      caps,
		state:     state,
		log:       log.With(slog.String("component", "capability-registry"), slog.String("node_id", cfg.ID)),
		bus:       busClient,
		cancel:    cancel,
		nodes:     make(map[string]*NodeInfo),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := conn.Subscribe(protocol.NodeHeartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, announceSub, heartbeatSub)
	r.mu.Unlock()
	return conn.Flush()
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(config.Millis(r.cfg.HeartbeatIntervalMS))
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		SessionID:    r.sessionID,
		Capabilities: r.caps,
		Timestamp:    time.Now().UTC(),
	}
	r.updateNode(msg, "")
	return r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}
	if r.state != nil {
		msg.State = r.state()
	}
	return r.bus.PublishJSON(protocol.NodeHeartbeatSubject(r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	// A newcomer has not seen our announcement yet.
	if known := r.updateNode(announcement, ""); !known && announcement.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(protocol.NodeAnnounce{NodeID: hb.NodeID, Timestamp: hb.Timestamp}, hb.State)
}

// updateNode merges an observation and reports whether the node was already known.
func (r *Registry) updateNode(msg protocol.NodeAnnounce, state string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[msg.NodeID]
	if !ok {
		node = &NodeInfo{ID: msg.NodeID}
		r.nodes[msg.NodeID] = node
	}
	if msg.Role != "" {
		node.Role = msg.Role
	}
	if msg.SessionID != "" {
		node.SessionID = msg.SessionID
	}
	if len(msg.Capabilities) > 0 {
		node.Capabilities = msg.Capabilities
	}
	if state != "" {
		node.State = state
	}
	node.LastSeen = msg.Timestamp
	node.Healthy = true
	return ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := config.Millis(r.cfg.HeartbeatTimeoutMS)
	now := time.Now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Info("node heartbeat lost", slog.String("peer", node.ID))
		}
	}
}

// Healthy reports whether this node still hears its own heartbeat.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns a snapshot of the known nodes that pass filter, in no particular order.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		info := *node
		info.Capabilities = append([]protocol.Capability(nil), node.Capabilities...)
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithAttribute matches nodes advertising any capability with key set to value.
func WithAttribute(key, value string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Attributes[key] == value {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-listen/capability")
	nodes, err := meter.Int64ObservableGauge("loqa.listen.nodes", metric.WithDescription("Number of known listener nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.listen.nodes.healthy", metric.WithDescription("Listener nodes with a live heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, live := r.counts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, live)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, live int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			live++
		}
	}
	return total, live
}
