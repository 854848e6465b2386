package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/noderouter/noderouter/internal/metrics"
	"github.com/noderouter/noderouter/persist"
	"github.com/noderouter/noderouter/proto"
	"go.uber.org/zap"
)

// Config configures a CapabilityRegistry.
type Config struct {
	// SharedSecret is the REGISTRATION_TOKEN every descriptor's
	// auth.registration_token must match.
	SharedSecret string

	// HeartbeatTTL is how long a lease survives without a heartbeat.
	HeartbeatTTL time.Duration

	// UnhealthyThreshold is the number of consecutive failures that opens
	// the circuit for a node (grounded on llm/circuitbreaker's default).
	UnhealthyThreshold int

	// CircuitCooldown is how long the circuit stays open once tripped.
	CircuitCooldown time.Duration

	// EWMAAlpha is the smoothing factor for latency tracking. Fixed at 0.3
	// per spec §3.
	EWMAAlpha float64
}

// DefaultConfig returns sensible defaults matching spec env defaults.
func DefaultConfig(sharedSecret string) Config {
	return Config{
		SharedSecret:       sharedSecret,
		HeartbeatTTL:       15 * time.Second,
		UnhealthyThreshold: 5,
		CircuitCooldown:    60 * time.Second,
		EWMAAlpha:          0.3,
	}
}

// CapabilityRegistry owns the set of NodeRecords, indexed by node_id.
type CapabilityRegistry struct {
	mu      sync.RWMutex
	nodes   map[string]*NodeRecord
	config  Config
	store   *persist.Store
	logger  *zap.Logger
	metrics *metrics.Collector
}

// SetMetrics attaches a metrics collector. Nil-safe: a registry with no
// collector attached simply skips metric recording.
func (r *CapabilityRegistry) SetMetrics(m *metrics.Collector) {
	r.metrics = m
}

// New creates a CapabilityRegistry. store may be nil to operate purely
// in-memory (useful for tests).
func New(config Config, store *persist.Store, logger *zap.Logger) *CapabilityRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &CapabilityRegistry{
		nodes:  make(map[string]*NodeRecord),
		config: config,
		store:  store,
		logger: logger.With(zap.String("component", "registry")),
	}
	if store != nil {
		r.restore()
	}
	return r
}

// snapshotShape is the on-disk shape for router_registry.json.
type snapshotShape struct {
	Nodes []snapshotNode `json:"nodes"`
}

type snapshotNode struct {
	Descriptor    NodeDescriptor `json:"descriptor"`
	RegisteredAt  time.Time      `json:"registered_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Health        NodeHealth     `json:"health"`
}

// restore reloads nodes from the last snapshot. Remote handlers are left
// nil — remote nodes must re-register via heartbeat, per spec §4.4. Leases
// and registration tokens are never round-tripped: snapshotNode has no
// lease token field, and the registration token is redacted by the secret
// scrubber on disk.
func (r *CapabilityRegistry) restore() {
	var snap snapshotShape
	if err := r.store.LoadState("router_registry", &snap); err != nil {
		return
	}
	for _, n := range snap.Nodes {
		if err := validateDescriptor(n.Descriptor); err != nil {
			r.logger.Warn("discarding invalid node on restore", zap.String("node_id", n.Descriptor.NodeID), zap.Error(err))
			continue
		}
		r.nodes[n.Descriptor.NodeID] = &NodeRecord{
			Descriptor:    n.Descriptor,
			Handler:       nil,
			LeaseToken:    "",
			ExpiresAt:     n.ExpiresAt,
			RegisteredAt:  n.RegisteredAt,
			LastHeartbeat: n.LastHeartbeat,
			Health:        n.Health,
		}
	}
}

// persistLocked writes a snapshot of all nodes (expired or not — pruning
// happens lazily on read). Caller must hold r.mu.
func (r *CapabilityRegistry) persistLocked() {
	if r.store == nil {
		return
	}
	snap := snapshotShape{}
	for _, rec := range r.nodes {
		snap.Nodes = append(snap.Nodes, snapshotNode{
			Descriptor:    rec.Descriptor,
			RegisteredAt:  rec.RegisteredAt,
			LastHeartbeat: rec.LastHeartbeat,
			ExpiresAt:     rec.ExpiresAt,
			Health:        rec.Health,
		})
	}
	if err := r.store.SaveState("router_registry", snap); err != nil {
		r.logger.Error("failed to persist registry snapshot", zap.Error(err))
	}
}

func validateDescriptor(d NodeDescriptor) error {
	if d.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if d.EndpointURL == "" {
		return fmt.Errorf("endpoint_url is required")
	}
	if len(d.SupportedProtocolVersions) == 0 {
		return fmt.Errorf("supported_protocol_versions must be non-empty")
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("capabilities must be non-empty")
	}
	for _, c := range d.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("capability name is required")
		}
		if len(c.Examples) == 0 {
			return fmt.Errorf("capability %s: examples must be non-empty", c.Name)
		}
		switch c.RiskClass {
		case RiskRead, RiskMutate, RiskDestructive:
		default:
			return fmt.Errorf("capability %s: invalid risk_class %q", c.Name, c.RiskClass)
		}
		switch c.Idempotency {
		case Idempotent, NonIdempotent:
		default:
			return fmt.Errorf("capability %s: invalid idempotency %q", c.Name, c.Idempotency)
		}
		switch c.SideEffectScope {
		case SideEffectNone, SideEffectFile, SideEffectExternal:
		default:
			return fmt.Errorf("capability %s: invalid side_effect_scope %q", c.Name, c.SideEffectScope)
		}
	}
	return nil
}

// RegisterResult is returned by Register.
type RegisterResult struct {
	OK             bool
	Code           proto.ErrorCode
	NodeID         string
	LeaseToken     string
	HeartbeatTTLSec int
}

// Register validates and stores a node descriptor, minting a fresh lease.
func (r *CapabilityRegistry) Register(d NodeDescriptor, handler Dispatcher) RegisterResult {
	if err := validateDescriptor(d); err != nil {
		return RegisterResult{OK: false, Code: proto.ErrNodeRegInvalid}
	}
	if d.Auth.RegistrationToken == "" || d.Auth.RegistrationToken != r.config.SharedSecret {
		return RegisterResult{OK: false, Code: proto.ErrNodeUntrusted}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	lease := uuid.NewString()
	r.nodes[d.NodeID] = &NodeRecord{
		Descriptor:    d,
		Handler:       handler,
		LeaseToken:    lease,
		ExpiresAt:     now.Add(r.config.HeartbeatTTL),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.persistLocked()
	if r.store != nil {
		_ = r.store.EmitEvent("router", "router.node_registered", map[string]any{
			"node_id":      d.NodeID,
			"node_version": d.NodeVersion,
			"priority":     d.Priority,
		})
	}
	r.logger.Info("node registered", zap.String("node_id", d.NodeID), zap.Int("priority", d.Priority))

	return RegisterResult{
		OK:              true,
		NodeID:          d.NodeID,
		LeaseToken:      lease,
		HeartbeatTTLSec: int(r.config.HeartbeatTTL / time.Second),
	}
}

// Heartbeat refreshes a node's lease. Requires an exact lease_token match.
func (r *CapabilityRegistry) Heartbeat(nodeID, leaseToken string) (ok bool, code proto.ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	rec, exists := r.nodes[nodeID]
	if !exists {
		return false, proto.ErrNodeNotRegistered
	}
	if rec.LeaseToken != leaseToken {
		return false, proto.ErrNodeUntrusted
	}
	rec.ExpiresAt = time.Now().Add(r.config.HeartbeatTTL)
	rec.LastHeartbeat = time.Now()
	r.persistLocked()
	return true, ""
}

// pruneLocked drops expired records. Caller must hold r.mu.
func (r *CapabilityRegistry) pruneLocked() {
	now := time.Now()
	for id, rec := range r.nodes {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
			delete(r.nodes, id)
		}
	}
}

// ActiveRecords returns clones of every non-expired node.
func (r *CapabilityRegistry) ActiveRecords() []*NodeRecord {
	r.mu.Lock()
	r.pruneLocked()
	out := make([]*NodeRecord, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, rec.clone())
	}
	r.mu.Unlock()
	return out
}

// GetRecord returns a clone of a single node, if present and unexpired.
func (r *CapabilityRegistry) GetRecord(nodeID string) (*NodeRecord, bool) {
	r.mu.Lock()
	r.pruneLocked()
	rec, ok := r.nodes[nodeID]
	var clone *NodeRecord
	if ok {
		clone = rec.clone()
	}
	r.mu.Unlock()
	return clone, ok
}

// EligibleNodes returns, in selection order (strongest candidate first),
// every node that supports protocolVersion and claims a capability named
// intent.
func (r *CapabilityRegistry) EligibleNodes(intent, protocolVersion string) []Candidate {
	r.mu.Lock()
	r.pruneLocked()
	var out []Candidate
	for _, rec := range r.nodes {
		if !containsStr(rec.Descriptor.SupportedProtocolVersions, protocolVersion) {
			continue
		}
		for _, cap := range rec.Descriptor.Capabilities {
			if cap.Name == intent {
				out = append(out, Candidate{Node: rec.clone(), Capability: cap})
			}
		}
	}
	r.mu.Unlock()
	sortCandidates(out)
	return out
}

// BestCapability returns the canonical CapabilityMetadata for a capability
// name: the metadata claimed by the strongest node in selection order,
// regardless of protocol_version (spec §4.4's capability_metadata(intent),
// used by the Intent Analyzer's catalog overlay rather than by routing
// itself, which additionally filters on protocol support).
func (r *CapabilityRegistry) BestCapability(intent string) (CapabilityMetadata, bool) {
	r.mu.Lock()
	r.pruneLocked()
	var out []Candidate
	for _, rec := range r.nodes {
		for _, cap := range rec.Descriptor.Capabilities {
			if cap.Name == intent {
				out = append(out, Candidate{Node: rec.clone(), Capability: cap})
			}
		}
	}
	r.mu.Unlock()
	if len(out) == 0 {
		return CapabilityMetadata{}, false
	}
	sortCandidates(out)
	return out[0].Capability, true
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Catalog maps capability name to provider summaries across all active
// nodes.
func (r *CapabilityRegistry) Catalog() map[string][]ProviderSummary {
	r.mu.Lock()
	r.pruneLocked()
	out := make(map[string][]ProviderSummary)
	for _, rec := range r.nodes {
		for _, cap := range rec.Descriptor.Capabilities {
			out[cap.Name] = append(out[cap.Name], ProviderSummary{
				NodeID:             rec.Descriptor.NodeID,
				NodeVersion:        rec.Descriptor.NodeVersion,
				Priority:           rec.Descriptor.Priority,
				RiskClass:          cap.RiskClass,
				RequiredExtensions: append([]string(nil), cap.RequiredExtensions...),
				ApprovalRequired:   cap.ApprovalRequired,
				Provider:           cap.Provider,
				CapabilityVersion:  cap.CapabilityVersion,
			})
		}
	}
	r.mu.Unlock()
	return out
}

// UpdateHealth records the outcome of an invocation against a node,
// updating EWMA latency and opening the circuit after UnhealthyThreshold
// consecutive failures.
func (r *CapabilityRegistry) UpdateHealth(nodeID string, success bool, latencyMs *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	h := &rec.Health
	h.UpdatedAt = time.Now()
	if success {
		h.SuccessCount++
		h.ConsecutiveFailures = 0
		h.CircuitOpenUntil = nil
	} else {
		h.FailureCount++
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= r.config.UnhealthyThreshold {
			until := time.Now().Add(r.config.CircuitCooldown)
			h.CircuitOpenUntil = &until
			r.metrics.RecordCircuitOpen(nodeID)
		}
	}
	if latencyMs != nil {
		if h.EWMALatencyMS == nil {
			v := *latencyMs
			h.EWMALatencyMS = &v
		} else {
			alpha := r.config.EWMAAlpha
			newVal := alpha**latencyMs + (1-alpha)**h.EWMALatencyMS
			h.EWMALatencyMS = &newVal
		}
		r.metrics.SetNodeHealthEWMA(nodeID, *h.EWMALatencyMS)
	}
	r.persistLocked()
}

// IsCircuitOpen reports whether a node's circuit is currently tripped.
func (r *CapabilityRegistry) IsCircuitOpen(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[nodeID]
	if !ok || rec.Health.CircuitOpenUntil == nil {
		return false
	}
	return time.Now().Before(*rec.Health.CircuitOpenUntil)
}
