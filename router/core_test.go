package router

import (
	"context"
	"testing"

	"github.com/noderouter/noderouter/persist"
	"github.com/noderouter/noderouter/providercfg"
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
	"github.com/stretchr/testify/require"
)

func newTestSetup(t *testing.T) (*registry.CapabilityRegistry, *persist.Store) {
	t.Helper()
	store, err := persist.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	reg := registry.New(registry.DefaultConfig("secret"), store, nil)
	return reg, store
}

func echoHandler(reply func(msg *proto.Message) *proto.Message) registry.DispatcherFunc {
	return func(ctx context.Context, msg *proto.Message) (*proto.Message, error) {
		return reply(msg), nil
	}
}

func registerEchoNode(t *testing.T, reg *registry.CapabilityRegistry, id string, cap registry.CapabilityMetadata, reply func(*proto.Message) *proto.Message) {
	t.Helper()
	res := reg.Register(registry.NodeDescriptor{
		NodeID:                    id,
		NodeVersion:               "1.0.0",
		EndpointURL:               "inproc://" + id,
		SupportedProtocolVersions: []string{proto.ProtocolVersion},
		Priority:                  100,
		Capabilities:              []registry.CapabilityMetadata{cap},
		Auth:                      registry.Auth{RegistrationToken: "secret"},
	}, echoHandler(reply))
	require.True(t, res.OK)
}

func basicCapability(name string) registry.CapabilityMetadata {
	return registry.CapabilityMetadata{
		Name:            name,
		RiskClass:       registry.RiskMutate,
		Idempotency:     registry.Idempotent,
		SideEffectScope: registry.SideEffectNone,
		Examples:        []string{"example"},
	}
}

func TestRouteHappyPath(t *testing.T) {
	reg, store := newTestSetup(t)
	registerEchoNode(t, reg, "node-a", basicCapability("chat.general"), func(m *proto.Message) *proto.Message {
		return proto.MakeResponse("chat.reply", map[string]any{"text": "hi"}, m.MessageID, nil)
	})

	core := New(reg, nil, store, nil, DefaultConfig())
	msg := proto.NewMessage("chat.general", map[string]any{"text": "hello"})
	resp := core.Route(context.Background(), msg)

	require.Equal(t, "chat.reply", resp.Intent)
	require.Equal(t, "hi", resp.Payload["text"])
}

func TestRouteNoRoute(t *testing.T) {
	reg, store := newTestSetup(t)
	core := New(reg, nil, store, nil, DefaultConfig())
	resp := core.Route(context.Background(), proto.NewMessage("nothing.claims.this", nil))
	require.Equal(t, "error", resp.Intent)
	require.Equal(t, string(proto.ErrNoRoute), resp.Payload["error"].(map[string]any)["code"])
}

func TestRouteRequiredExtensionMissing(t *testing.T) {
	reg, store := newTestSetup(t)
	cap := basicCapability("needs.ident")
	cap.RequiredExtensions = []string{"identity"}
	registerEchoNode(t, reg, "node-a", cap, func(m *proto.Message) *proto.Message {
		return proto.MakeResponse("ok", nil, m.MessageID, nil)
	})

	core := New(reg, nil, store, nil, DefaultConfig())
	resp := core.Route(context.Background(), proto.NewMessage("needs.ident", nil))
	require.Equal(t, string(proto.ErrRequiredExtensionMissing), resp.Payload["error"].(map[string]any)["code"])
}

func TestRouteConfirmationRequired(t *testing.T) {
	reg, store := newTestSetup(t)
	cap := basicCapability("danger.delete")
	cap.RiskClass = registry.RiskDestructive
	cap.ApprovalRequired = true
	registerEchoNode(t, reg, "node-a", cap, func(m *proto.Message) *proto.Message {
		return proto.MakeResponse("ok", nil, m.MessageID, nil)
	})

	core := New(reg, nil, store, nil, DefaultConfig())
	resp := core.Route(context.Background(), proto.NewMessage("danger.delete", nil))
	require.Equal(t, string(proto.ErrConfirmationRequired), resp.Payload["error"].(map[string]any)["code"])

	approved := proto.NewMessage("danger.delete", nil)
	approved.Extensions = map[string]any{proto.ExtConfirmation: map[string]any{"required": true, "status": "approved"}}
	resp = core.Route(context.Background(), approved)
	require.Equal(t, "ok", resp.Intent)
}

func TestRouteModelIntentResolvesProviderAndStampsLLM(t *testing.T) {
	reg, store := newTestSetup(t)
	var gotLLM map[string]any
	cap := basicCapability("model.chat")
	cap.Provider = "local"
	registerEchoNode(t, reg, "node-a", cap, func(m *proto.Message) *proto.Message {
		gotLLM, _ = m.Extensions[proto.ExtLLM].(map[string]any)
		return proto.MakeResponse("model.reply", map[string]any{"text": "ok"}, m.MessageID, nil)
	})

	resolver, err := providercfg.Load(providercfg.Config{Getenv: func(string) string { return "" }})
	require.NoError(t, err)

	core := New(reg, resolver, store, nil, DefaultConfig())
	resp := core.Route(context.Background(), proto.NewMessage("model.chat", nil))
	require.Equal(t, "model.reply", resp.Intent)
	require.Equal(t, providercfg.FallbackProvider, gotLLM["provider"])
	require.Equal(t, providercfg.FallbackModel, gotLLM["model"])
	require.Equal(t, string(providercfg.SourceFallback), gotLLM["provider_source"])
}

func TestRouteRetryableErrorFallsThroughToNextCandidate(t *testing.T) {
	reg, store := newTestSetup(t)
	cap := basicCapability("chat.general")
	cap.Provider = ""

	res := reg.Register(registry.NodeDescriptor{
		NodeID: "weaker", NodeVersion: "1.0.0", EndpointURL: "inproc://weaker",
		SupportedProtocolVersions: []string{proto.ProtocolVersion}, Priority: 200,
		Capabilities: []registry.CapabilityMetadata{cap}, Auth: registry.Auth{RegistrationToken: "secret"},
	}, echoHandler(func(m *proto.Message) *proto.Message {
		return proto.MakeError(proto.ErrNodeTimeout, "timed out", m.MessageID, true, nil)
	}))
	require.True(t, res.OK)

	res = reg.Register(registry.NodeDescriptor{
		NodeID: "stronger", NodeVersion: "1.0.0", EndpointURL: "inproc://stronger",
		SupportedProtocolVersions: []string{proto.ProtocolVersion}, Priority: 100,
		Capabilities: []registry.CapabilityMetadata{cap}, Auth: registry.Auth{RegistrationToken: "secret"},
	}, echoHandler(func(m *proto.Message) *proto.Message {
		return proto.MakeResponse("chat.reply", map[string]any{"text": "from stronger"}, m.MessageID, nil)
	}))
	require.True(t, res.OK)

	core := New(reg, nil, store, nil, DefaultConfig())
	resp := core.Route(context.Background(), proto.NewMessage("chat.general", nil))
	require.Equal(t, "chat.reply", resp.Intent)
	require.Equal(t, "from stronger", resp.Payload["text"])
}

func TestRouteExhaustionPreservesFirstRetryableError(t *testing.T) {
	reg, store := newTestSetup(t)
	registerEchoNode(t, reg, "node-a", basicCapability("chat.general"), func(m *proto.Message) *proto.Message {
		return proto.MakeError(proto.ErrNodeTimeout, "timed out", m.MessageID, true, nil)
	})

	core := New(reg, nil, store, nil, DefaultConfig())
	resp := core.Route(context.Background(), proto.NewMessage("chat.general", nil))
	require.Equal(t, "error", resp.Intent)
	require.Equal(t, string(proto.ErrNodeTimeout), resp.Payload["error"].(map[string]any)["code"])
}

func TestRouteUndeclaredSideEffectDetected(t *testing.T) {
	reg, store := newTestSetup(t)
	dir := t.TempDir()
	cap := registry.CapabilityMetadata{
		Name:            "read.files",
		RiskClass:       registry.RiskRead,
		Idempotency:     registry.Idempotent,
		SideEffectScope: registry.SideEffectNone,
		Examples:        []string{"list files"},
	}
	registerEchoNode(t, reg, "node-a", cap, func(m *proto.Message) *proto.Message {
		_ = writeMarker(dir)
		return proto.MakeResponse("ok", nil, m.MessageID, nil)
	})

	cfg := DefaultConfig()
	cfg.LibraryRoot = dir
	core := New(reg, nil, store, nil, cfg)
	resp := core.Route(context.Background(), proto.NewMessage("read.files", nil))
	require.Equal(t, "error", resp.Intent)
	require.Equal(t, string(proto.ErrNodeError), resp.Payload["error"].(map[string]any)["code"])
}
