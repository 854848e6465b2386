package intent

import (
	"context"
	"testing"

	"github.com/noderouter/noderouter/persist"
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
	"github.com/noderouter/noderouter/router"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *registry.CapabilityRegistry {
	t.Helper()
	store, err := persist.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return registry.New(registry.DefaultConfig("secret"), store, nil)
}

func TestAnalyzeEmptyPrompt(t *testing.T) {
	a := New(nil, nil, DefaultConfig())
	plan := a.Analyze("   ", nil)
	require.True(t, plan.ClarificationRequired)
	require.Contains(t, plan.ReasonCodes, "empty_prompt")
}

func TestAnalyzeRuleMatch(t *testing.T) {
	reg := newTestRegistry(t)
	res := reg.Register(registry.NodeDescriptor{
		NodeID: "fs-node", NodeVersion: "1.0.0", EndpointURL: "inproc://fs",
		SupportedProtocolVersions: []string{proto.ProtocolVersion}, Priority: 100,
		Capabilities: []registry.CapabilityMetadata{{
			Name: "workflow.folder.create", RiskClass: registry.RiskMutate,
			Idempotency: registry.NonIdempotent, SideEffectScope: registry.SideEffectFile,
			Examples: []string{"create folder demo"},
		}},
		Auth: registry.Auth{RegistrationToken: "secret"},
	}, nil)
	require.True(t, res.OK)

	a := New(reg, nil, DefaultConfig())
	plan := a.Analyze("create folder demo", nil)
	require.False(t, plan.ClarificationRequired)
	require.Equal(t, "workflow.folder.create", plan.CanonicalIntent)
	require.Equal(t, "demo", plan.Payload["name"])
	require.Equal(t, registry.RiskMutate, plan.RiskClass)
}

func TestAnalyzeUnknownIntentRequiresClarification(t *testing.T) {
	reg := newTestRegistry(t)
	a := New(reg, nil, DefaultConfig())
	plan := a.Analyze("create folder demo", nil)
	require.True(t, plan.ClarificationRequired)
	require.Equal(t, proto.ErrNoRoute, plan.ErrorCode)
}

func TestAnalyzeLowConfidenceFallbackRequiresClarification(t *testing.T) {
	reg := newTestRegistry(t)
	res := reg.Register(registry.NodeDescriptor{
		NodeID: "chat-node", NodeVersion: "1.0.0", EndpointURL: "inproc://chat",
		SupportedProtocolVersions: []string{proto.ProtocolVersion}, Priority: 100,
		Capabilities: []registry.CapabilityMetadata{{
			Name: "model.chat.complete", RiskClass: registry.RiskRead,
			Idempotency: registry.Idempotent, SideEffectScope: registry.SideEffectNone,
			Examples: []string{"hello"},
		}},
		Auth: registry.Auth{RegistrationToken: "secret"},
	}, nil)
	require.True(t, res.OK)

	a := New(reg, nil, DefaultConfig())
	plan := a.Analyze("something unusual that matches no rule", nil)
	require.Equal(t, "model.chat.complete", plan.CanonicalIntent)
	require.True(t, plan.ClarificationRequired)
	require.NotEmpty(t, plan.ClarificationPrompt)
	require.Contains(t, plan.ReasonCodes, "confidence_below_threshold")
}

func TestAnalyzeAwaitingAnswerContinuesInterview(t *testing.T) {
	reg := newTestRegistry(t)
	res := reg.Register(registry.NodeDescriptor{
		NodeID: "iv-node", NodeVersion: "1.0.0", EndpointURL: "inproc://iv",
		SupportedProtocolVersions: []string{proto.ProtocolVersion}, Priority: 100,
		Capabilities: []registry.CapabilityMetadata{{
			Name: "workflow.interview.continue", RiskClass: registry.RiskMutate,
			Idempotency: registry.NonIdempotent, SideEffectScope: registry.SideEffectFile,
			Examples: []string{"an answer"},
		}},
		Auth: registry.Auth{RegistrationToken: "secret"},
	}, nil)
	require.True(t, res.OK)

	a := New(reg, nil, DefaultConfig())
	plan := a.Analyze("forty-two", map[string]any{"interview": map[string]any{"awaiting_answer": true}})
	require.Equal(t, "workflow.interview.continue", plan.CanonicalIntent)
	require.Equal(t, "forty-two", plan.Payload["answer"])
	require.False(t, plan.ClarificationRequired)
}

func TestRouteEndToEnd(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := persist.NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	res := reg.Register(registry.NodeDescriptor{
		NodeID: "fs-node", NodeVersion: "1.0.0", EndpointURL: "inproc://fs",
		SupportedProtocolVersions: []string{proto.ProtocolVersion}, Priority: 100,
		Capabilities: []registry.CapabilityMetadata{{
			Name: "workflow.folder.create", RiskClass: registry.RiskMutate,
			Idempotency: registry.NonIdempotent, SideEffectScope: registry.SideEffectFile,
			Examples: []string{"create folder demo"},
		}},
		Auth: registry.Auth{RegistrationToken: "secret"},
	}, registry.DispatcherFunc(func(ctx context.Context, m *proto.Message) (*proto.Message, error) {
		return proto.MakeResponse("workflow.folder.created", map[string]any{"name": m.Payload["name"]}, m.MessageID, nil), nil
	}))
	require.True(t, res.OK)

	core := router.New(reg, nil, store, nil, router.DefaultConfig())
	a := New(reg, core, DefaultConfig())

	result := a.Route(context.Background(), "create folder demo", false, nil, nil)
	require.Equal(t, StatusRouted, result.Status)
	require.Equal(t, "workflow.folder.created", result.RouteResponse.Intent)
}

func TestRouteNeedsClarificationDoesNotCallRouter(t *testing.T) {
	reg := newTestRegistry(t)
	a := New(reg, nil, DefaultConfig())
	result := a.Route(context.Background(), "", false, nil, nil)
	require.Equal(t, StatusNeedsClarification, result.Status)
	require.Nil(t, result.RouteResponse)
}
