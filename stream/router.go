package stream

import (
	"context"
	"fmt"

	"github.com/noderouter/noderouter/async"
	"github.com/noderouter/noderouter/internal/metrics"
	"github.com/noderouter/noderouter/persist"
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/providercfg"
	"github.com/noderouter/noderouter/registry"
	"go.uber.org/zap"
)

// Config configures a Router's thresholds and generation defaults.
type Config struct {
	// MinCharsThreshold triggers the async fallback (spec §4.10) when the
	// cleaned prompt is at least this many characters, or the caller set
	// force_async.
	MinCharsThreshold int

	DefaultMaxTokens int
	DefaultStop      []string

	StatusURLPrefix string
	ReplayURLPrefix string
}

// DefaultConfig matches spec §6's documented env fallbacks:
// ASYNC_FALLBACK_MIN_CHARS=700, OLLAMA_DEFAULT_MAX_TOKENS=512.
func DefaultConfig() Config {
	return Config{
		MinCharsThreshold: 700,
		DefaultMaxTokens:  512,
		StatusURLPrefix:   "/status/",
		ReplayURLPrefix:   "/replay/",
	}
}

// Request is the normalized shape of a /complete or /stream body.
type Request struct {
	Prompt       string
	SystemPrompt string
	Extensions   map[string]any // extensions.llm overrides
	ForceAsync   bool
}

// Target is the fully-resolved routing decision for one request.
type Target struct {
	NodeID        string
	Model         string
	Prompt        string
	SystemPrompt  string
	MaxTokens     int
	Stop          []string
	AsyncFallback bool
	AsyncReason   string
}

// Router resolves /complete and /stream targets and dispatches them either
// synchronously (in-process node call) or through the Async Pipeline.
type Router struct {
	registry *registry.CapabilityRegistry
	resolver *providercfg.Resolver
	async    *async.Pipeline
	store    *persist.Store
	logger   *zap.Logger
	config   Config
	metrics  *metrics.Collector
}

// New builds a Router. resolver must be non-nil: model.* routing always
// needs a {provider, model} selection. store may be nil to skip the
// client_disconnected/stream event log.
func New(reg *registry.CapabilityRegistry, resolver *providercfg.Resolver, pipeline *async.Pipeline, store *persist.Store, logger *zap.Logger, config Config) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.MinCharsThreshold <= 0 {
		config.MinCharsThreshold = def.MinCharsThreshold
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = def.DefaultMaxTokens
	}
	if config.StatusURLPrefix == "" {
		config.StatusURLPrefix = def.StatusURLPrefix
	}
	if config.ReplayURLPrefix == "" {
		config.ReplayURLPrefix = def.ReplayURLPrefix
	}
	return &Router{
		registry: reg,
		resolver: resolver,
		async:    pipeline,
		store:    store,
		logger:   logger.With(zap.String("component", "stream")),
		config:   config,
	}
}

func (r *Router) emit(eventType string, payload map[string]any) {
	if r.store == nil {
		return
	}
	if err := r.store.EmitEvent("stream", eventType, payload); err != nil {
		r.logger.Warn("failed to emit stream event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// SetMetrics attaches a metrics collector. Nil-safe.
func (r *Router) SetMetrics(m *metrics.Collector) {
	r.metrics = m
}

// resolveTarget applies inline directives, then extensions.llm, then
// provider/model resolution (spec §4.10), picking a node claiming
// ModelIntent.
func (r *Router) resolveTarget(req Request) (Target, registry.Candidate, *proto.Message) {
	nodeKey, modelKey, cleaned := ParseDirectives(req.Prompt)

	override := cloneAnyMap(req.Extensions)
	if modelKey != "" {
		if override == nil {
			override = map[string]any{}
		}
		override["model"] = modelKey
	}
	sel := r.resolver.Resolve(override)

	eligible := r.registry.EligibleNodes(ModelIntent, proto.ProtocolVersion)
	if len(eligible) == 0 {
		return Target{}, registry.Candidate{}, proto.MakeError(proto.ErrNoRoute, "no node claims "+ModelIntent, "", false, nil)
	}

	var chosen *registry.Candidate
	if nodeKey != "" {
		for i := range eligible {
			if eligible[i].Node.Descriptor.NodeID == nodeKey {
				chosen = &eligible[i]
				break
			}
		}
		if chosen == nil {
			return Target{}, registry.Candidate{}, proto.MakeError(proto.ErrNodeNotRegistered,
				fmt.Sprintf("node %q not registered for %s", nodeKey, ModelIntent), "", false, nil)
		}
	} else {
		for i := range eligible {
			if eligible[i].Capability.Provider == "" || eligible[i].Capability.Provider == sel.Provider {
				chosen = &eligible[i]
				break
			}
		}
		if chosen == nil {
			chosen = &eligible[0]
		}
	}

	maxTokens := r.config.DefaultMaxTokens
	if v, ok := intField(override, "max_tokens"); ok {
		maxTokens = v
	}
	stop := r.config.DefaultStop
	if v, ok := stringSliceField(override, "stop"); ok {
		stop = v
	}

	target := Target{
		NodeID:       chosen.Node.Descriptor.NodeID,
		Model:        sel.Model,
		Prompt:       cleaned,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    maxTokens,
		Stop:         stop,
	}
	if req.ForceAsync {
		target.AsyncFallback = true
		target.AsyncReason = "force_async"
	} else if len(cleaned) >= r.config.MinCharsThreshold {
		target.AsyncFallback = true
		target.AsyncReason = "min_chars_threshold"
	}

	return target, *chosen, nil
}

func buildMessage(t Target) *proto.Message {
	payload := map[string]any{"prompt": t.Prompt}
	if t.SystemPrompt != "" {
		payload["system_prompt"] = t.SystemPrompt
	}
	msg := proto.NewMessage(ModelIntent, payload)
	msg.Extensions = map[string]any{
		proto.ExtLLM: map[string]any{
			"model":      t.Model,
			"max_tokens": t.MaxTokens,
			"stop":       t.Stop,
		},
	}
	return msg
}

// CompleteResult is returned by Complete: exactly one of Sync/Enqueued is set.
type CompleteResult struct {
	Sync     *proto.Message
	Enqueued *async.EnqueueResult
	Target   Target
}

// Complete implements POST /complete (spec §4.10): resolve target, then
// either dispatch synchronously or delegate to the Async Pipeline.
func (r *Router) Complete(ctx context.Context, req Request) (*CompleteResult, *proto.Message) {
	target, chosen, errMsg := r.resolveTarget(req)
	if errMsg != nil {
		return nil, errMsg
	}
	msg := buildMessage(target)

	if target.AsyncFallback {
		enqueued, errMsg := r.async.RouteAsync(ctx, msg)
		if errMsg != nil {
			return nil, errMsg
		}
		return &CompleteResult{Enqueued: enqueued, Target: target}, nil
	}

	if chosen.Node.Handler == nil {
		return nil, proto.MakeError(proto.ErrNodeUnavailable, "node has no reachable handler", msg.MessageID, false, nil)
	}
	resp, err := chosen.Node.Handler.Dispatch(ctx, msg)
	if err != nil {
		return nil, proto.MakeError(proto.ErrNodeError, err.Error(), msg.MessageID, true, nil)
	}
	return &CompleteResult{Sync: resp, Target: target}, nil
}

// resolveForStream is Complete's resolution half, reused by HandleStream so
// both entry points apply identical directive/provider resolution.
func (r *Router) resolveForStream(req Request) (Target, registry.Candidate, *proto.Message, *proto.Message) {
	target, chosen, errMsg := r.resolveTarget(req)
	if errMsg != nil {
		return Target{}, registry.Candidate{}, nil, errMsg
	}
	return target, chosen, buildMessage(target), nil
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func intField(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func stringSliceField(m map[string]any, key string) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	raw, ok := m[key]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
