package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/noderouter/noderouter/approval"
	"github.com/noderouter/noderouter/async"
	"github.com/noderouter/noderouter/intent"
	"github.com/noderouter/noderouter/internal/metrics"
	"github.com/noderouter/noderouter/persist"
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/providercfg"
	"github.com/noderouter/noderouter/registry"
	"github.com/noderouter/noderouter/router"
	"github.com/noderouter/noderouter/stream"
	"github.com/noderouter/noderouter/wfstate"
	"go.uber.org/zap"
)

// RouteFunc is the injected `route` capability (spec §9): a function
// reference, not a pointer back into Runtime, so node packages hold a weak
// reference instead of owning the router.
type RouteFunc func(ctx context.Context, msg *proto.Message) *proto.Message

// NodeContext is handed to every in-process node at construction time,
// matching spec §9's NodeContext{library_root, persistence, workflow_state,
// env, route}.
type NodeContext struct {
	LibraryRoot string
	Persist     *persist.Store
	WFState     *wfstate.Store
	Getenv      func(string) string
	Route       RouteFunc
}

// Config parameterizes Runtime construction. Each embedded Config struct
// keeps its package's own defaults; callers typically start from
// DefaultConfig and override only what the deployment needs.
type Config struct {
	DataRoot       string
	LibraryRoot    string
	RegistrationToken string
	UserConfigPath string
	Getenv         func(string) string

	RegistryConfig registry.Config
	RouterConfig   router.Config
	IntentConfig   intent.Config
	AsyncConfig    async.Config
	StreamConfig   stream.Config
}

// DefaultConfig returns a Runtime config with every sub-component at its
// spec-mandated default, rooted at the given data/library directories.
func DefaultConfig(dataRoot, libraryRoot, registrationToken string) Config {
	return Config{
		DataRoot:          dataRoot,
		LibraryRoot:       libraryRoot,
		RegistrationToken: registrationToken,
		RegistryConfig:    registry.DefaultConfig(registrationToken),
		RouterConfig:      router.Config{NodeTimeout: 3 * time.Second, LibraryRoot: libraryRoot},
		IntentConfig:      intent.DefaultConfig(),
		AsyncConfig:       async.DefaultConfig(),
		StreamConfig:      stream.DefaultConfig(),
	}
}

// Runtime is the composition root wiring every component named in spec §2.
type Runtime struct {
	Config Config

	Persist  *persist.Store
	WFState  *wfstate.Store
	Metrics  *metrics.Collector
	Registry *registry.CapabilityRegistry
	Resolver *providercfg.Resolver
	Router   *router.Core
	Intent   *intent.Analyzer
	Approval *approval.Gate
	Flow     *ApprovalFlow
	Async    *async.Pipeline
	Stream   *stream.Router

	logger *zap.Logger
}

// New constructs every component and wires the injected route capability,
// but starts nothing (no async workers, no HTTP listeners) — call Start for
// that.
func New(cfg Config, control async.ControlPlane, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Getenv == nil {
		cfg.Getenv = func(string) string { return "" }
	}

	store, err := persist.NewStore(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("runtime: open persistence root: %w", err)
	}

	wf := wfstate.New(store)
	coll := metrics.NewCollector("noderouter", logger)

	reg := registry.New(cfg.RegistryConfig, store, logger)
	reg.SetMetrics(coll)

	resolver, err := providercfg.Load(providercfg.Config{UserConfigPath: cfg.UserConfigPath, Getenv: cfg.Getenv})
	if err != nil {
		return nil, fmt.Errorf("runtime: load provider config: %w", err)
	}

	core := router.New(reg, resolver, store, logger, cfg.RouterConfig)
	core.SetMetrics(coll)

	analyzer := intent.New(reg, core, cfg.IntentConfig)

	gate := approval.New(store)
	gate.SetMetrics(coll)

	if control == nil {
		control = async.NewMemoryControlPlane()
	}
	pipeline := async.New(reg, control, store, logger, cfg.AsyncConfig)
	pipeline.SetMetrics(coll)

	streamRouter := stream.New(reg, resolver, pipeline, store, logger, cfg.StreamConfig)
	streamRouter.SetMetrics(coll)

	rt := &Runtime{
		Config:   cfg,
		Persist:  store,
		WFState:  wf,
		Metrics:  coll,
		Registry: reg,
		Resolver: resolver,
		Router:   core,
		Intent:   analyzer,
		Approval: gate,
		Async:    pipeline,
		Stream:   streamRouter,
		logger:   logger.With(zap.String("component", "runtime")),
	}
	rt.Flow = NewApprovalFlow(rt)

	// Register the Approval Gate's own two capabilities as an in-process
	// node, matching "the surrounding approval flow orchestration ... used
	// by the runtime façade" (spec §4.8): the gate is itself one provider
	// among many, reached through the same Route path everything else uses.
	if err := rt.registerApprovalNode(); err != nil {
		return nil, err
	}

	return rt, nil
}

// NodeContext builds the context a newly constructed in-process node should
// receive: the route capability closes back over rt.Router.Route without
// handing the node a pointer to Runtime itself.
func (rt *Runtime) NodeContext() NodeContext {
	return NodeContext{
		LibraryRoot: rt.Config.LibraryRoot,
		Persist:     rt.Persist,
		WFState:     rt.WFState,
		Getenv:      rt.Config.Getenv,
		Route:       rt.Router.Route,
	}
}

func (rt *Runtime) registerApprovalNode() error {
	desc := registry.NodeDescriptor{
		NodeID:                    "approval-gate",
		NodeVersion:               "1.0.0",
		EndpointURL:               "inproc://approval-gate",
		SupportedProtocolVersions: []string{proto.ProtocolVersion},
		Priority:                  100,
		Auth:                      registry.Auth{RegistrationToken: rt.Config.RegistrationToken},
		Capabilities: []registry.CapabilityMetadata{
			{
				Name:              approval.CapabilityRequest,
				Description:       "Create a pending approval request for a guarded mutation.",
				RiskClass:         registry.RiskMutate,
				Examples:          []string{`{"capability_name":"folder.write","reason":"user requested edit"}`},
				Idempotency:       registry.NonIdempotent,
				SideEffectScope:   registry.SideEffectFile,
				CapabilityVersion: "1.0.0",
			},
			{
				Name:              approval.CapabilityResolve,
				Description:       "Resolve a pending approval request as approved or denied.",
				RiskClass:         registry.RiskMutate,
				Examples:          []string{`{"request_id":"...","decision":"approved"}`},
				Idempotency:       registry.NonIdempotent,
				SideEffectScope:   registry.SideEffectFile,
				CapabilityVersion: "1.0.0",
			},
		},
	}

	res := rt.Registry.Register(desc, requestResolveRouter(rt.Approval))
	if !res.OK {
		return fmt.Errorf("runtime: register approval-gate node: %s", res.Code)
	}
	return nil
}

// requestResolveRouter dispatches to the matching Gate handler by intent,
// since a single NodeRecord carries one Handler but the gate claims two
// capability names.
func requestResolveRouter(g *approval.Gate) registry.Dispatcher {
	req := g.RequestHandler()
	res := g.ResolveHandler()
	return registry.DispatcherFunc(func(ctx context.Context, msg *proto.Message) (*proto.Message, error) {
		switch msg.Intent {
		case approval.CapabilityRequest:
			return req.Dispatch(ctx, msg)
		case approval.CapabilityResolve:
			return res.Dispatch(ctx, msg)
		default:
			return proto.MakeError(proto.ErrNoRoute, fmt.Sprintf("approval-gate does not serve %q", msg.Intent), msg.MessageID, false, nil), nil
		}
	})
}

// Start launches the async pipeline's worker loops, one per capability
// currently claimed across the registry, plus the DLQ watcher.
func (rt *Runtime) Start(ctx context.Context) {
	rt.Async.StartDLQWatcher(ctx)
	for capability := range rt.Registry.Catalog() {
		rt.Async.StartWorker(ctx, capability)
	}
	rt.logger.Info("runtime started")
}

// StartWorkerFor launches a worker loop for one capability queue on demand,
// e.g. right after a node registers a capability the pipeline hasn't seen
// before.
func (rt *Runtime) StartWorkerFor(ctx context.Context, capability string) {
	rt.Async.StartWorker(ctx, capability)
}

// Close releases the persistence layer's open log file handles.
func (rt *Runtime) Close() error {
	return rt.Persist.Close()
}
