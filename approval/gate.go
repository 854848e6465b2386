package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/noderouter/noderouter/internal/metrics"
	"github.com/noderouter/noderouter/persist"
)

const stateName = "approvals"

type stateShape struct {
	Records map[string]*Record `json:"records"`
}

// Gate owns the ApprovalRecord table, persisted under Persistence state
// name "approvals". Every operation reloads from disk first, matching the
// convergence discipline of wfstate.Store.
type Gate struct {
	mu      sync.Mutex
	persist *persist.Store
	metrics *metrics.Collector
	mem     map[string]*Record
}

// New builds a Gate. store may be nil to operate purely in-memory, in
// which case records do not survive process restart.
func New(store *persist.Store) *Gate {
	return &Gate{persist: store}
}

// SetMetrics attaches a metrics collector. Nil-safe: a Gate with no
// collector attached simply skips metric recording.
func (g *Gate) SetMetrics(m *metrics.Collector) {
	g.metrics = m
}

func (g *Gate) load() stateShape {
	if g.persist == nil {
		if g.mem == nil {
			g.mem = map[string]*Record{}
		}
		return stateShape{Records: g.mem}
	}
	shape := stateShape{Records: map[string]*Record{}}
	_ = g.persist.LoadState(stateName, &shape)
	if shape.Records == nil {
		shape.Records = map[string]*Record{}
	}
	return shape
}

func (g *Gate) save(shape stateShape) error {
	if g.persist == nil {
		return nil
	}
	return g.persist.SaveState(stateName, shape)
}

// Request creates a new pending ApprovalRecord.
func (g *Gate) Request(capabilityName, reason string, payload map[string]any, requestedBy string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	shape := g.load()
	rec := &Record{
		RequestID:      uuid.NewString(),
		CapabilityName: capabilityName,
		Reason:         reason,
		Payload:        cloneAnyMap(payload),
		RequestedBy:    requestedBy,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	shape.Records[rec.RequestID] = rec
	if err := g.save(shape); err != nil {
		return nil, fmt.Errorf("approval: persist request: %w", err)
	}
	return rec.clone(), nil
}

// Resolve validates decision and stamps the record resolved, persisting the
// result.
func (g *Gate) Resolve(requestID string, decision Decision, decidedBy string) (*Record, error) {
	switch decision {
	case DecisionApproved, DecisionDenied:
	default:
		return nil, fmt.Errorf("approval: invalid decision %q", decision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	shape := g.load()
	rec, ok := shape.Records[requestID]
	if !ok {
		return nil, fmt.Errorf("approval: request %q not found", requestID)
	}

	now := time.Now().UTC()
	rec.ResolvedAt = &now
	rec.DecidedBy = decidedBy
	if decision == DecisionApproved {
		rec.Status = StatusApproved
	} else {
		rec.Status = StatusDenied
	}

	if err := g.save(shape); err != nil {
		return nil, fmt.Errorf("approval: persist resolution: %w", err)
	}
	g.metrics.RecordApprovalDecision(rec.CapabilityName, string(decision))
	return rec.clone(), nil
}

// Get returns a clone of a single record, if present.
func (g *Gate) Get(requestID string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	shape := g.load()
	rec, ok := shape.Records[requestID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}
