package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/noderouter/noderouter/proto"
)

// RiskClass is CapabilityMetadata.risk_class.
type RiskClass string

const (
	RiskRead        RiskClass = "read"
	RiskMutate      RiskClass = "mutate"
	RiskDestructive RiskClass = "destructive"
)

// Idempotency is CapabilityMetadata.idempotency.
type Idempotency string

const (
	Idempotent    Idempotency = "idempotent"
	NonIdempotent Idempotency = "non_idempotent"
)

// SideEffectScope is CapabilityMetadata.side_effect_scope.
type SideEffectScope string

const (
	SideEffectNone     SideEffectScope = "none"
	SideEffectFile     SideEffectScope = "file"
	SideEffectExternal SideEffectScope = "external"
)

// CapabilityMetadata describes one operation a node claims to implement.
type CapabilityMetadata struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	InputSchema        json.RawMessage `json:"input_schema,omitempty"`
	RiskClass          RiskClass       `json:"risk_class"`
	RequiredExtensions []string        `json:"required_extensions,omitempty"`
	ApprovalRequired   bool            `json:"approval_required"`
	Examples           []string        `json:"examples,omitempty"`
	Idempotency        Idempotency     `json:"idempotency"`
	SideEffectScope    SideEffectScope `json:"side_effect_scope"`
	CapabilityVersion  string          `json:"capability_version"`
	Provider           string          `json:"provider,omitempty"`
}

// Auth carries the shared-secret presented at registration time.
type Auth struct {
	RegistrationToken string `json:"registration_token"`
}

// NodeDescriptor is the self-description a node presents to Register.
type NodeDescriptor struct {
	NodeID                   string                `json:"node_id"`
	NodeVersion              string                `json:"node_version"`
	EndpointURL              string                `json:"endpoint_url"`
	SupportedProtocolVersions []string             `json:"supported_protocol_versions"`
	Capabilities             []CapabilityMetadata  `json:"capabilities"`
	Priority                 int                   `json:"priority"`
	Auth                     Auth                  `json:"auth"`
}

// NodeHealth is the per-node health accounting updated after invocation.
type NodeHealth struct {
	SuccessCount        int64      `json:"success_count"`
	FailureCount        int64      `json:"failure_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	EWMALatencyMS       *float64   `json:"ewma_latency_ms"`
	CircuitOpenUntil    *time.Time `json:"circuit_open_until"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// clone returns a deep copy of the health block.
func (h NodeHealth) clone() NodeHealth {
	out := h
	if h.EWMALatencyMS != nil {
		v := *h.EWMALatencyMS
		out.EWMALatencyMS = &v
	}
	if h.CircuitOpenUntil != nil {
		v := *h.CircuitOpenUntil
		out.CircuitOpenUntil = &v
	}
	return out
}

// Dispatcher is the Message -> Message invocation surface a NodeRecord
// exposes, realized either as an in-process function call or an HTTP round
// trip (spec §9, "Dynamic dispatch").
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *proto.Message) (*proto.Message, error)
}

// DispatcherFunc adapts a plain function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, msg *proto.Message) (*proto.Message, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, msg *proto.Message) (*proto.Message, error) {
	return f(ctx, msg)
}

// NodeRecord is the registry's internal entry: descriptor + handler + lease.
type NodeRecord struct {
	Descriptor    NodeDescriptor
	Handler       Dispatcher
	LeaseToken    string
	ExpiresAt     time.Time
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Health        NodeHealth
}

// clone returns a deep copy of the record safe to hand to a caller outside
// the registry's lock. The Handler is a stateless function reference and is
// shared, not copied.
func (r *NodeRecord) clone() *NodeRecord {
	if r == nil {
		return nil
	}
	d := r.Descriptor
	d.SupportedProtocolVersions = append([]string(nil), r.Descriptor.SupportedProtocolVersions...)
	d.Capabilities = append([]CapabilityMetadata(nil), r.Descriptor.Capabilities...)
	d.Auth = Auth{} // never hand the shared secret back out
	return &NodeRecord{
		Descriptor:    d,
		Handler:       r.Handler,
		LeaseToken:    "", // lease token is registry-internal; never cloned out
		ExpiresAt:     r.ExpiresAt,
		RegisteredAt:  r.RegisteredAt,
		LastHeartbeat: r.LastHeartbeat,
		Health:        r.Health.clone(),
	}
}

// ProviderSummary is one row of Registry.Catalog()'s per-capability list.
type ProviderSummary struct {
	NodeID             string    `json:"node_id"`
	NodeVersion        string    `json:"node_version"`
	Priority           int       `json:"priority"`
	RiskClass          RiskClass `json:"risk_class"`
	RequiredExtensions []string  `json:"required_extensions,omitempty"`
	ApprovalRequired   bool      `json:"approval_required"`
	Provider           string    `json:"provider,omitempty"`
	CapabilityVersion  string    `json:"capability_version"`
}

// Candidate pairs a cloned NodeRecord with the specific capability metadata
// that matched a lookup, already carrying the matched node's identity for
// dispatch.
type Candidate struct {
	Node       *NodeRecord
	Capability CapabilityMetadata
}
