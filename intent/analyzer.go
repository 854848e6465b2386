package intent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
	"github.com/noderouter/noderouter/router"
)

// Config configures an Analyzer.
type Config struct {
	// CatalogTTL controls how long the registry's capability catalog is
	// cached before a fresh BestCapability lookup is made. Default 5s.
	CatalogTTL time.Duration

	// ConfidenceThreshold gates clarification (spec §4.7 step 6). Default
	// 0.75.
	ConfidenceThreshold float64
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	return Config{CatalogTTL: 5 * time.Second, ConfidenceThreshold: 0.75}
}

// Analyzer implements the Intent Analyzer (spec §4.7).
type Analyzer struct {
	registry *registry.CapabilityRegistry
	router   *router.Core
	config   Config

	mu          sync.Mutex
	cache       map[string]cachedCapability
	cacheExpiry time.Time
}

type cachedCapability struct {
	meta  registry.CapabilityMetadata
	found bool
}

// New builds an Analyzer. router may be nil if only Analyze (not Route)
// will be used.
func New(reg *registry.CapabilityRegistry, core *router.Core, config Config) *Analyzer {
	if config.CatalogTTL <= 0 {
		config.CatalogTTL = DefaultConfig().CatalogTTL
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	return &Analyzer{registry: reg, router: core, config: config}
}

// Analyze classifies free text (plus optional context) into a Plan,
// following spec §4.7's six-step algorithm.
func (a *Analyzer) Analyze(text string, ctx map[string]any) Plan {
	trimmed := strings.TrimSpace(text)

	// Step 1: empty prompt.
	if trimmed == "" {
		return Plan{
			CanonicalIntent:       "",
			Confidence:            0,
			ReasonCodes:           []string{"empty_prompt"},
			ClarificationRequired: true,
			ClarificationPrompt:   "What would you like to do?",
			Payload:               map[string]any{},
		}
	}

	plan := a.matchRules(trimmed, ctx)
	a.overlayCatalog(&plan)
	a.gateConfidence(&plan)
	return plan
}

// matchRules implements steps 2-4: ordered rule table, then the
// awaiting_answer fallback, then the default model.chat.complete fallback.
func (a *Analyzer) matchRules(text string, ctx map[string]any) Plan {
	for _, r := range ruleTable {
		m := r.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		return Plan{
			CanonicalIntent: r.intent,
			Confidence:      r.confidence,
			ReasonCodes:     []string{"pattern_matched:" + r.name},
			Payload:         r.payload(m),
		}
	}

	if awaitingAnswer(ctx) {
		return Plan{
			CanonicalIntent: "workflow.interview.continue",
			Confidence:      0.8,
			ReasonCodes:     []string{"awaiting_answer"},
			Payload:         map[string]any{"answer": text},
		}
	}

	return Plan{
		CanonicalIntent: "model.chat.complete",
		Confidence:      0.6,
		ReasonCodes:     []string{"fallback_model_chat"},
		Payload:         map[string]any{"text": text},
	}
}

func awaitingAnswer(ctx map[string]any) bool {
	if ctx == nil {
		return false
	}
	iv, ok := ctx["interview"].(map[string]any)
	if !ok {
		return false
	}
	awaiting, _ := iv["awaiting_answer"].(bool)
	return awaiting
}

// overlayCatalog implements step 5: overlay canonical CapabilityMetadata
// from the (TTL-cached) registry catalog.
func (a *Analyzer) overlayCatalog(plan *Plan) {
	if a.registry == nil {
		return
	}
	meta, found := a.bestCapability(plan.CanonicalIntent)
	if !found {
		plan.ClarificationRequired = true
		plan.ErrorCode = proto.ErrNoRoute
		return
	}
	plan.RiskClass = meta.RiskClass
	plan.RequiredExtensions = append([]string(nil), meta.RequiredExtensions...)
	plan.RequiredConfirmation = meta.ApprovalRequired
	plan.TargetCapabilities = []string{meta.Name}
}

func (a *Analyzer) bestCapability(intentName string) (registry.CapabilityMetadata, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	if a.cache == nil || now.After(a.cacheExpiry) {
		a.cache = map[string]cachedCapability{}
		a.cacheExpiry = now.Add(a.config.CatalogTTL)
	}
	if c, ok := a.cache[intentName]; ok {
		return c.meta, c.found
	}
	meta, found := a.registry.BestCapability(intentName)
	a.cache[intentName] = cachedCapability{meta: meta, found: found}
	return meta, found
}

// gateConfidence implements step 6.
func (a *Analyzer) gateConfidence(plan *Plan) {
	if plan.ClarificationRequired {
		return
	}
	if plan.Confidence < a.config.ConfidenceThreshold {
		plan.ClarificationRequired = true
		plan.ReasonCodes = append(plan.ReasonCodes, "confidence_below_threshold")
		if plan.ClarificationPrompt == "" {
			plan.ClarificationPrompt = "I'm not confident enough to act on that automatically. Could you rephrase?"
		}
	}
}

// RouteResult is the discriminated outcome of Route.
type RouteResult struct {
	Status        string
	Analysis      Plan
	RouteMessage  *proto.Message
	RouteResponse *proto.Message
}

const (
	StatusNeedsClarification = "needs_clarification"
	StatusRouted              = "routed"
	StatusRouteError          = "route_error"
)

// Route analyzes text then, unless clarification is required, builds a
// canonical Message and submits it to the Router Core (spec §4.7's
// route(text, ...)).
func (a *Analyzer) Route(ctx context.Context, text string, confirm bool, analyzeCtx map[string]any, requestExtensions map[string]any) RouteResult {
	plan := a.Analyze(text, analyzeCtx)
	if plan.ClarificationRequired {
		return RouteResult{Status: StatusNeedsClarification, Analysis: plan}
	}

	msg := proto.NewMessage(plan.CanonicalIntent, plan.Payload)
	msg.Extensions = map[string]any{}
	for k, v := range requestExtensions {
		msg.Extensions[k] = v
	}
	msg.Extensions[proto.ExtConfidence] = map[string]any{
		"score": plan.Confidence,
		"basis": plan.ReasonCodes,
	}
	if plan.RequiredConfirmation {
		status := proto.ConfirmationPending
		if confirm {
			status = proto.ConfirmationApproved
		}
		msg.Extensions[proto.ExtConfirmation] = map[string]any{
			"required": true,
			"status":   string(status),
		}
	}

	resp := a.router.Route(ctx, msg)
	status := StatusRouted
	if resp != nil && resp.Intent == "error" {
		status = StatusRouteError
	}
	return RouteResult{Status: status, Analysis: plan, RouteMessage: msg, RouteResponse: resp}
}
