package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/noderouter/noderouter/internal/metrics"
	"github.com/noderouter/noderouter/internal/tracing"
	"github.com/noderouter/noderouter/persist"
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/providercfg"
	"github.com/noderouter/noderouter/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Config configures a Core.
type Config struct {
	// NodeTimeout bounds every single candidate invocation.
	NodeTimeout time.Duration

	// LibraryRoot is fingerprinted before/after invoking a candidate whose
	// capability declares {risk_class: read, side_effect_scope: none}. Empty
	// disables fingerprinting (fingerprints compare equal and never trip
	// undeclared_side_effect).
	LibraryRoot string

	// ModelTimeout overrides NodeTimeout for model.* intents, which
	// typically run longer than ordinary capability calls. Zero means use
	// NodeTimeout for everything.
	ModelTimeout time.Duration
}

// DefaultConfig returns the router's default timeouts.
func DefaultConfig() Config {
	return Config{NodeTimeout: 10 * time.Second}
}

// Core implements route(message) (spec §4.5).
type Core struct {
	registry *registry.CapabilityRegistry
	resolver *providercfg.Resolver
	store    *persist.Store
	logger   *zap.Logger
	config   Config
	metrics  *metrics.Collector
}

// SetMetrics attaches a metrics collector. Nil-safe: a Core with no
// collector attached simply skips metric recording.
func (c *Core) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// New builds a Core. resolver may be nil if the deployment never serves
// model.* intents.
func New(reg *registry.CapabilityRegistry, resolver *providercfg.Resolver, store *persist.Store, logger *zap.Logger, config Config) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.NodeTimeout <= 0 {
		config.NodeTimeout = DefaultConfig().NodeTimeout
	}
	return &Core{
		registry: reg,
		resolver: resolver,
		store:    store,
		logger:   logger.With(zap.String("component", "router")),
		config:   config,
	}
}

// attempt records one candidate's outcome for details.attempted.
type attempt struct {
	NodeID  string `json:"node_id"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

func attemptedToAny(attempts []attempt) []map[string]any {
	out := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, map[string]any{
			"node_id": a.NodeID,
			"outcome": a.Outcome,
			"detail":  a.Detail,
		})
	}
	return out
}

func (c *Core) emit(eventType string, payload map[string]any) {
	if c.store == nil {
		return
	}
	if err := c.store.EmitEvent("router", eventType, payload); err != nil {
		c.logger.Warn("failed to emit router event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// Route runs the full route(message) pipeline and always returns a
// well-formed Message: either the selected node's response, or an
// error-intent Message carrying the matching ErrorCode.
func (c *Core) Route(ctx context.Context, msg *proto.Message) *proto.Message {
	ctx, span := tracing.StartSpan(ctx, "router.core", "route",
		attribute.String("message_id", msg.MessageID), attribute.String("intent", msg.Intent))
	defer span.End()

	start := time.Now()
	resp := c.routeInner(ctx, msg)
	outcome := "ok"
	if resp.Intent == "error" {
		outcome = "error"
		if detail := resp.AsErrorDetail(); detail != nil {
			outcome = string(detail.Code)
		}
	}
	c.metrics.RecordRouteOutcome(msg.Intent, outcome, time.Since(start))
	return resp
}

func (c *Core) routeInner(ctx context.Context, msg *proto.Message) *proto.Message {
	if errMsg := proto.ValidateCore(msg); errMsg != nil {
		return errMsg
	}
	if msg.ProtocolVersion != proto.ProtocolVersion {
		return proto.MakeError(proto.ErrUnsupportedProtocol,
			fmt.Sprintf("unsupported protocol_version %q", msg.ProtocolVersion), msg.MessageID, false, nil)
	}

	eligible := c.registry.EligibleNodes(msg.Intent, proto.ProtocolVersion)
	if len(eligible) == 0 {
		c.emit("router.route_failed", map[string]any{"message_id": msg.MessageID, "reason": "no_route"})
		return proto.MakeError(proto.ErrNoRoute, fmt.Sprintf("no node claims capability %q", msg.Intent), msg.MessageID, false, nil)
	}

	filtered, missing := filterByExtensions(eligible, msg)
	if len(filtered) == 0 {
		c.emit("router.route_failed", map[string]any{"message_id": msg.MessageID, "reason": "required_extension_missing"})
		return proto.MakeError(proto.ErrRequiredExtensionMissing, "no candidate has all required extensions", msg.MessageID, false,
			map[string]any{"missing": missing})
	}

	canonical := filtered[0].Capability
	if canonical.ApprovalRequired {
		confirm := msg.ConfirmationOf()
		if confirm == nil || confirm.Status != proto.ConfirmationApproved {
			c.emit("router.route_failed", map[string]any{"message_id": msg.MessageID, "reason": "confirmation_required"})
			return proto.MakeError(proto.ErrConfirmationRequired, fmt.Sprintf("capability %q requires approval", msg.Intent), msg.MessageID, false, nil)
		}
	}

	var sel providercfg.Selection
	isModelIntent := strings.HasPrefix(msg.Intent, "model.")
	if isModelIntent {
		if c.resolver == nil {
			return proto.MakeError(proto.ErrNodeUnavailable, "no provider configuration available", msg.MessageID, false, nil)
		}
		sel = c.resolver.Resolve(llmOverride(msg))
		if sel.Model == "" {
			return proto.MakeError(proto.ErrBadMessage, "model is required", msg.MessageID, false, nil)
		}
		if ok, reason := c.resolver.PrerequisitesSatisfied(sel.Provider); !ok {
			c.emit("router.route_failed", map[string]any{"message_id": msg.MessageID, "reason": "provider_unavailable", "provider": sel.Provider})
			return proto.MakeError(proto.ErrNodeUnavailable, reason, msg.MessageID, false, map[string]any{"provider": sel.Provider})
		}
		filtered = filterByProvider(filtered, sel.Provider)
	}

	return c.invoke(ctx, msg, filtered, isModelIntent, sel)
}

func (c *Core) invoke(ctx context.Context, msg *proto.Message, candidates []registry.Candidate, isModelIntent bool, sel providercfg.Selection) *proto.Message {
	var attempts []attempt
	var firstRetryable *proto.Message
	sawUndeclaredSideEffect := false

	for _, cand := range candidates {
		nodeID := cand.Node.Descriptor.NodeID

		if c.registry.IsCircuitOpen(nodeID) {
			attempts = append(attempts, attempt{NodeID: nodeID, Outcome: "skipped", Detail: "circuit_open"})
			continue
		}

		dispatcher := dispatcherFor(cand.Node, c.config.NodeTimeout)
		if dispatcher == nil {
			attempts = append(attempts, attempt{NodeID: nodeID, Outcome: "skipped", Detail: "no_adapter"})
			continue
		}

		outbound := msg.Clone()
		proto.EnsureTrace(outbound, msg.MessageID, "router.core")
		if isModelIntent {
			outbound.Extensions[proto.ExtLLM] = map[string]any{
				"provider":        sel.Provider,
				"model":           sel.Model,
				"provider_source": string(sel.ProviderSource),
				"model_source":    string(sel.ModelSource),
			}
		}

		fingerprintable := cand.Capability.RiskClass == registry.RiskRead && cand.Capability.SideEffectScope == registry.SideEffectNone
		var before []FileStamp
		if fingerprintable {
			before = Fingerprint(c.config.LibraryRoot)
		}

		c.emit("router.route_dispatched", map[string]any{"message_id": msg.MessageID, "node_id": nodeID})

		timeout := c.config.NodeTimeout
		if isModelIntent && c.config.ModelTimeout > 0 {
			timeout = c.config.ModelTimeout
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := dispatcher.Dispatch(callCtx, outbound)
		latencyMs := float64(time.Since(start).Milliseconds())
		cancel()

		if err != nil {
			c.registry.UpdateHealth(nodeID, false, nil)
			attempts = append(attempts, attempt{NodeID: nodeID, Outcome: "error", Detail: err.Error()})
			c.metrics.RecordRouteAttempt(msg.Intent, nodeID, "error")
			c.emit("router.route_retry", map[string]any{"message_id": msg.MessageID, "node_id": nodeID, "reason": err.Error()})
			continue
		}

		if errMsg := proto.ValidateCore(resp); errMsg != nil {
			c.registry.UpdateHealth(nodeID, false, &latencyMs)
			attempts = append(attempts, attempt{NodeID: nodeID, Outcome: "malformed_response"})
			c.metrics.RecordRouteAttempt(msg.Intent, nodeID, "malformed_response")
			c.emit("router.route_retry", map[string]any{"message_id": msg.MessageID, "node_id": nodeID, "reason": "malformed_response"})
			continue
		}

		if fingerprintable {
			after := Fingerprint(c.config.LibraryRoot)
			if FingerprintsDiffer(before, after) {
				c.registry.UpdateHealth(nodeID, false, &latencyMs)
				attempts = append(attempts, attempt{NodeID: nodeID, Outcome: "undeclared_side_effect"})
				c.metrics.RecordRouteAttempt(msg.Intent, nodeID, "undeclared_side_effect")
				sawUndeclaredSideEffect = true
				continue
			}
		}

		if resp.Intent == "error" {
			detail := resp.AsErrorDetail()
			if detail != nil && detail.Retryable {
				c.registry.UpdateHealth(nodeID, false, &latencyMs)
				attempts = append(attempts, attempt{NodeID: nodeID, Outcome: "retryable_error", Detail: string(detail.Code)})
				c.metrics.RecordRouteAttempt(msg.Intent, nodeID, "retryable_error")
				if firstRetryable == nil {
					firstRetryable = resp
				}
				c.emit("router.route_retry", map[string]any{"message_id": msg.MessageID, "node_id": nodeID, "reason": string(detail.Code)})
				continue
			}
		}

		c.registry.UpdateHealth(nodeID, true, &latencyMs)
		c.metrics.RecordRouteAttempt(msg.Intent, nodeID, "success")
		c.emit("router.route_complete", map[string]any{"message_id": msg.MessageID, "node_id": nodeID})
		return resp
	}

	c.emit("router.route_failed", map[string]any{"message_id": msg.MessageID, "reason": "exhausted", "attempted": attemptedToAny(attempts)})

	if sawUndeclaredSideEffect {
		return proto.MakeError(proto.ErrNodeError, "undeclared side effects", msg.MessageID, false,
			map[string]any{"attempted": attemptedToAny(attempts)})
	}
	if firstRetryable != nil {
		return firstRetryable
	}
	return proto.MakeError(proto.ErrNodeUnavailable, "all candidates exhausted", msg.MessageID, false,
		map[string]any{"attempted": attemptedToAny(attempts)})
}

// filterByExtensions drops candidates missing any required_extensions key,
// returning the survivors (selection order preserved) and the sorted union
// of every missing extension name across all original candidates.
func filterByExtensions(candidates []registry.Candidate, msg *proto.Message) ([]registry.Candidate, []string) {
	var kept []registry.Candidate
	missingSet := map[string]struct{}{}
	for _, c := range candidates {
		ok := true
		for _, ext := range c.Capability.RequiredExtensions {
			if !msg.HasExtension(ext) {
				ok = false
				missingSet[ext] = struct{}{}
			}
		}
		if ok {
			kept = append(kept, c)
		}
	}
	missing := make([]string, 0, len(missingSet))
	for k := range missingSet {
		missing = append(missing, k)
	}
	sort.Strings(missing)
	return kept, missing
}

// filterByProvider retains only candidates whose capability.provider equals
// the resolved provider (spec §4.5 step 6), preserving selection order.
func filterByProvider(candidates []registry.Candidate, provider string) []registry.Candidate {
	var kept []registry.Candidate
	for _, c := range candidates {
		if c.Capability.Provider == provider {
			kept = append(kept, c)
		}
	}
	return kept
}

// llmOverride extracts extensions.llm from the inbound message as the
// override map providercfg.Resolver.Resolve expects.
func llmOverride(msg *proto.Message) map[string]any {
	raw, ok := msg.Extensions[proto.ExtLLM]
	if !ok {
		return nil
	}
	if m, ok := raw.(map[string]any); ok {
		return m
	}
	return nil
}
