package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/noderouter/noderouter/internal/metrics"
	"github.com/noderouter/noderouter/internal/pool"
	"github.com/noderouter/noderouter/internal/tracing"
	"github.com/noderouter/noderouter/persist"
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Config configures a Pipeline.
type Config struct {
	// MaxAttempts is the default max_attempts stamped onto a freshly
	// enqueued envelope.
	MaxAttempts int

	// RetryDelay is the exponential backoff schedule applied between
	// attempts, grounded on the teacher's retry.backoffRetryer.calculateDelay
	// but driven only by attempt number (no jitter: retry_delay_sec is
	// recorded on the retry_scheduled event, and jitter would make the
	// republish time non-deterministic across duplicate test runs).
	RetryDelay func(attempt int) time.Duration

	// StatusURLPrefix / ReplayURLPrefix build the status_url/replay_url
	// returned from RouteAsync; the message_id is appended.
	StatusURLPrefix string
	ReplayURLPrefix string

	QueueDepth int
}

// DefaultConfig returns the pipeline's default retry/backoff policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryDelay: func(attempt int) time.Duration {
			delay := time.Duration(1<<uint(attempt)) * time.Second
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			return delay
		},
		StatusURLPrefix: "/status/",
		ReplayURLPrefix: "/replay/",
		QueueDepth:      64,
	}
}

// Pipeline implements route_async, the worker consume loop, result-post
// resolution, and replay (spec §4.9).
type Pipeline struct {
	registry *registry.CapabilityRegistry
	control  ControlPlane
	broker   *Broker
	persist  *persist.Store
	logger   *zap.Logger
	config   Config
	metrics  *metrics.Collector

	mu    sync.Mutex
	pools map[string]*pool.Pool
}

// SetMetrics attaches a metrics collector. Nil-safe: a Pipeline with no
// collector attached simply skips metric recording.
func (p *Pipeline) SetMetrics(m *metrics.Collector) {
	p.metrics = m
}

// New builds a Pipeline. control may be an in-memory or Redis-backed
// ControlPlane; store may be nil to skip the log-exchange sidechannel.
func New(reg *registry.CapabilityRegistry, control ControlPlane, store *persist.Store, logger *zap.Logger, config Config) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.RetryDelay == nil {
		config.RetryDelay = def.RetryDelay
	}
	if config.StatusURLPrefix == "" {
		config.StatusURLPrefix = def.StatusURLPrefix
	}
	if config.ReplayURLPrefix == "" {
		config.ReplayURLPrefix = def.ReplayURLPrefix
	}
	return &Pipeline{
		registry: reg,
		control:  control,
		broker:   NewBroker(config.QueueDepth),
		persist:  store,
		logger:   logger.With(zap.String("component", "async")),
		config:   config,
		pools:    make(map[string]*pool.Pool),
	}
}

// poolFor returns (creating if necessary) the single-worker pool backing a
// capability queue's consume loop. One pool per capability realizes
// prefetch=1 the same way one broker channel per capability does: each
// pool has exactly one worker goroutine, so SubmitWait never overlaps two
// deliveries for the same capability.
func (p *Pipeline) poolFor(capability string) *pool.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pools[capability]; ok {
		return existing
	}
	wp := pool.New(pool.Config{
		MaxWorkers:  1,
		QueueSize:   1,
		IdleTimeout: 5 * time.Minute,
		PanicHandler: func(r any) {
			p.logger.Error("async worker panic recovered", zap.String("capability", capability), zap.Any("panic", r))
		},
	})
	p.pools[capability] = wp
	return wp
}

func (p *Pipeline) emitLog(eventType string, payload map[string]any) {
	if p.persist == nil {
		return
	}
	if err := p.persist.EmitEvent("async", eventType, payload); err != nil {
		p.logger.Warn("failed to emit async log event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (p *Pipeline) appendEvent(ctx context.Context, id, eventType string, detail map[string]any) {
	if err := p.control.AppendEvent(ctx, id, EventEntry{Type: eventType, At: time.Now().UTC(), Detail: detail}); err != nil {
		p.logger.Warn("failed to append async event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// RouteAsync validates like router.Core.Route's first three steps (core
// shape, protocol version, eligible-node enumeration) then enqueues onto the
// winning candidate's capability queue. On a validation failure it returns
// the synchronous error Message instead of an EnqueueResult.
func (p *Pipeline) RouteAsync(ctx context.Context, msg *proto.Message) (*EnqueueResult, *proto.Message) {
	if errMsg := proto.ValidateCore(msg); errMsg != nil {
		return nil, errMsg
	}
	if msg.ProtocolVersion != proto.ProtocolVersion {
		return nil, proto.MakeError(proto.ErrUnsupportedProtocol,
			fmt.Sprintf("unsupported protocol_version %q", msg.ProtocolVersion), msg.MessageID, false, nil)
	}

	eligible := p.registry.EligibleNodes(msg.Intent, proto.ProtocolVersion)
	if len(eligible) == 0 {
		return nil, proto.MakeError(proto.ErrNoRoute, fmt.Sprintf("no node claims capability %q", msg.Intent), msg.MessageID, false, nil)
	}

	winner := eligible[0]
	nodeID := winner.Node.Descriptor.NodeID
	id := msg.MessageID

	if err := p.control.SaveStatus(ctx, id, StatusEntry{
		State:     StateQueued,
		Request:   msg,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, proto.MakeError(proto.ErrInternal, err.Error(), msg.MessageID, false, nil)
	}
	p.appendEvent(ctx, id, "route_enqueued", map[string]any{"node_id": nodeID})
	p.emitLog("route_enqueued", map[string]any{"message_id": id, "node_id": nodeID})

	env := &AsyncEnvelope{
		Message:     msg,
		NodeID:      nodeID,
		RoutingKey:  msg.Intent,
		Attempt:     0,
		MaxAttempts: p.config.MaxAttempts,
	}
	p.broker.Publish(env)

	return &EnqueueResult{
		Accepted:      true,
		MessageID:     id,
		CorrelationID: id,
		StatusURL:     p.config.StatusURLPrefix + id,
		ReplayURL:     p.config.ReplayURLPrefix + id,
	}, nil
}

// StartWorker launches the consume loop for one capability queue; the loop
// stops when ctx is done. Each call spawns one consume goroutine, and every
// delivery runs through the capability's single-worker pool, matching
// prefetch=1: one in-flight envelope at a time per queue. Calling it twice
// for the same capability starts a second consume goroutine.
func (p *Pipeline) StartWorker(ctx context.Context, capability string) {
	queue := p.broker.Consume(capability)
	wp := p.poolFor(capability)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-queue:
				if !ok {
					return
				}
				if err := wp.SubmitWait(ctx, func(taskCtx context.Context) error {
					p.handleDelivery(taskCtx, env)
					return nil
				}); err != nil {
					p.logger.Warn("async worker pool submit failed", zap.String("capability", capability), zap.Error(err))
				}
			}
		}
	}()
}

// StartDLQWatcher launches a goroutine that drains the dead-letter queue and
// logs each envelope it sees (observability only; nothing re-enqueues from
// the DLQ automatically).
func (p *Pipeline) StartDLQWatcher(ctx context.Context) {
	dlq := p.broker.ConsumeDLQ()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-dlq:
				if !ok {
					return
				}
				p.emitLog("dlq_received", map[string]any{"message_id": env.Message.MessageID, "node_id": env.NodeID})
			}
		}
	}()
}

// handleDelivery implements the 5-step worker consume loop.
func (p *Pipeline) handleDelivery(ctx context.Context, env *AsyncEnvelope) {
	id := env.Message.MessageID
	ctx, span := tracing.StartSpan(ctx, "async.pipeline", "handle_delivery",
		attribute.String("message_id", id), attribute.String("node_id", env.NodeID), attribute.Int("attempt", env.Attempt))
	defer span.End()

	p.appendEvent(ctx, id, "worker_received", map[string]any{"node_id": env.NodeID, "attempt": env.Attempt})

	// Step 2: protocol/extension validation.
	if errMsg := proto.ValidateCore(env.Message); errMsg != nil {
		p.terminalResult(ctx, env, errMsg, false)
		return
	}

	// Step 3: idempotency gate. A retry republishes the same envelope under
	// the same (node_id, message_id), so the gate only applies to
	// non-retry deliveries — otherwise a retry would read back as a
	// duplicate of itself and never reach the retry/DLQ path below.
	if env.Attempt == 0 {
		first, err := p.control.MarkIdempotent(ctx, env.NodeID, id)
		if err != nil {
			p.logger.Warn("idempotency check failed", zap.Error(err))
		}
		if !first {
			p.appendEvent(ctx, id, "duplicate_delivery", map[string]any{"node_id": env.NodeID})
			cached, ok, _ := p.control.CachedResponse(ctx, env.NodeID, id)
			var resp *proto.Message
			if ok {
				resp = &proto.Message{}
				if jerr := json.Unmarshal(cached, resp); jerr != nil {
					resp = proto.MakeError(proto.ErrNodeError, "corrupt cached response", id, false, nil)
				}
			} else {
				resp = proto.MakeError(proto.ErrNodeError, "duplicate delivery with no cached response", id, false, nil)
			}
			p.postResult(ctx, Result{MessageID: id, NodeID: env.NodeID, Response: resp, Attempt: env.Attempt, Duplicate: true})
			return
		}
	}

	// Step 4: simulated/real failure handling.
	resp, invokeErr := p.invoke(ctx, env)
	retryable := env.ForceError || invokeErr != nil || (resp != nil && resp.Intent == "error" && retryableResponse(resp))
	if retryable {
		if env.Attempt+1 < env.MaxAttempts {
			delay := p.config.RetryDelay(env.Attempt)
			p.appendEvent(ctx, id, "retry_scheduled", map[string]any{
				"node_id": env.NodeID, "attempt": env.Attempt, "retry_delay_sec": delay.Seconds(),
			})
			next := *env
			next.Attempt++
			go func() {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					p.broker.Publish(&next)
				}
			}()
			return
		}

		detail := ""
		if invokeErr != nil {
			detail = invokeErr.Error()
		} else if resp != nil {
			if d := resp.AsErrorDetail(); d != nil {
				detail = d.Message
			}
		}
		errMsg := proto.MakeError(proto.ErrNodeTimeout, "max_attempts exhausted: "+detail, id, true, nil)
		p.broker.PublishDLQ(env)
		p.metrics.RecordDeadLetter(env.RoutingKey)
		p.appendEvent(ctx, id, "worker_dead_lettered", map[string]any{"node_id": env.NodeID, "attempt": env.Attempt})
		p.terminalResult(ctx, env, errMsg, true)
		p.metrics.RecordAsyncTerminal(env.RoutingKey, string(StateDLQ))
		return
	}

	// Step 5: commit side effects exactly once.
	if _, err := p.control.IncrSideEffect(ctx, env.NodeID, id); err != nil {
		p.logger.Warn("side_effect counter failed", zap.Error(err))
	}
	p.metrics.RecordSideEffectCommitted(env.NodeID)
	if data, err := json.Marshal(resp); err == nil {
		if err := p.control.CacheResponse(ctx, env.NodeID, id, data); err != nil {
			p.logger.Warn("cache response failed", zap.Error(err))
		}
	}
	p.appendEvent(ctx, id, "worker_completed", map[string]any{"node_id": env.NodeID})
	p.metrics.RecordAsyncTerminal(env.RoutingKey, string(StateCompleted))
	p.postResult(ctx, Result{MessageID: id, NodeID: env.NodeID, Response: resp, Attempt: env.Attempt})
}

// retryableResponse reports whether an error-intent Message is marked
// retryable in its error detail.
func retryableResponse(m *proto.Message) bool {
	detail := m.AsErrorDetail()
	return detail != nil && detail.Retryable
}

// invoke performs the real downstream call via the node's in-process
// handler, if registered.
func (p *Pipeline) invoke(ctx context.Context, env *AsyncEnvelope) (*proto.Message, error) {
	if env.ForceError {
		return proto.MakeError(proto.ErrNodeError, "forced failure (test hook)", env.Message.MessageID, true, nil), nil
	}
	rec, ok := p.registry.GetRecord(env.NodeID)
	if !ok || rec.Handler == nil {
		return nil, fmt.Errorf("async: node %q has no reachable handler", env.NodeID)
	}
	outbound := env.Message.Clone()
	proto.EnsureTrace(outbound, env.Message.MessageID, "async.worker")
	return rec.Handler.Dispatch(ctx, outbound)
}

func (p *Pipeline) terminalResult(ctx context.Context, env *AsyncEnvelope, errMsg *proto.Message, dlq bool) {
	if data, err := json.Marshal(errMsg); err == nil {
		if err := p.control.CacheResponse(ctx, env.NodeID, env.Message.MessageID, data); err != nil {
			p.logger.Warn("cache terminal response failed", zap.Error(err))
		}
	}
	p.postResult(ctx, Result{MessageID: env.Message.MessageID, NodeID: env.NodeID, Response: errMsg, Attempt: env.Attempt, DeadLettered: dlq})
}

// PostResult resolves a worker's result callback into a status/event
// transition, matching the shape an out-of-process worker would POST back
// over HTTP.
func (p *Pipeline) PostResult(ctx context.Context, result Result) error {
	state := StateCompleted
	if result.DeadLettered {
		state = StateDLQ
	} else if result.Response != nil && result.Response.Intent == "error" {
		state = StateError
	}

	entry, ok, err := p.control.LoadStatus(ctx, result.MessageID)
	if err != nil {
		return fmt.Errorf("async: load status for result: %w", err)
	}
	if !ok {
		entry = StatusEntry{Request: result.Response}
	}
	entry.State = state
	entry.Response = result.Response
	entry.UpdatedAt = time.Now().UTC()
	entry.Details = map[string]any{
		"node_id":       result.NodeID,
		"attempt":       result.Attempt,
		"duplicate":     result.Duplicate,
		"dead_lettered": result.DeadLettered,
	}
	if err := p.control.SaveStatus(ctx, result.MessageID, entry); err != nil {
		return fmt.Errorf("async: save status for result: %w", err)
	}
	p.emitLog("result_posted", map[string]any{
		"message_id": result.MessageID, "node_id": result.NodeID, "state": string(state),
	})
	return nil
}

func (p *Pipeline) postResult(ctx context.Context, result Result) {
	if err := p.PostResult(ctx, result); err != nil {
		p.logger.Warn("failed to post async result", zap.Error(err))
	}
}

// Status returns the current StatusEntry for a message_id.
func (p *Pipeline) Status(ctx context.Context, id string) (StatusEntry, bool, error) {
	return p.control.LoadStatus(ctx, id)
}

// Replay returns the full replay shape for a message_id.
func (p *Pipeline) Replay(ctx context.Context, id string) (Replay, bool, error) {
	entry, ok, err := p.control.LoadStatus(ctx, id)
	if err != nil || !ok {
		return Replay{}, ok, err
	}
	events, err := p.control.Events(ctx, id)
	if err != nil {
		return Replay{}, false, err
	}
	return Replay{
		Request:  entry.Request,
		Response: entry.Response,
		State:    entry.State,
		Events:   events,
	}, true, nil
}
