package runtime

import (
	"context"
	"testing"

	"github.com/noderouter/noderouter/approval"
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := DefaultConfig(t.TempDir(), t.TempDir(), "secret")
	rt, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestNewRegistersApprovalGateNode(t *testing.T) {
	rt := newTestRuntime(t)
	catalog := rt.Registry.Catalog()
	require.Contains(t, catalog, approval.CapabilityRequest)
	require.Contains(t, catalog, approval.CapabilityResolve)
}

// folderWriteNode is a guarded in-process capability node used to exercise
// ApprovalFlow's request -> resolve -> reinvoke choreography end to end.
type folderWriteNode struct {
	calls []string
}

func (n *folderWriteNode) Dispatch(ctx context.Context, msg *proto.Message) (*proto.Message, error) {
	confirmation := msg.ConfirmationOf()
	if confirmation == nil || confirmation.Status != proto.ConfirmationApproved {
		return proto.MakeError(proto.ErrConfirmationRequired, "folder.write requires confirmation", msg.MessageID, false, nil), nil
	}
	n.calls = append(n.calls, confirmation.RequestID)
	return proto.MakeResponse("folder.write", map[string]any{"written": true}, msg.MessageID, nil), nil
}

func registerFolderWriteNode(t *testing.T, rt *Runtime, node *folderWriteNode) {
	t.Helper()
	desc := registry.NodeDescriptor{
		NodeID:                    "fs-node",
		NodeVersion:               "1.0.0",
		EndpointURL:               "inproc://fs-node",
		SupportedProtocolVersions: []string{proto.ProtocolVersion},
		Priority:                  10,
		Auth:                      registry.Auth{RegistrationToken: "secret"},
		Capabilities: []registry.CapabilityMetadata{
			{
				Name:              "folder.write",
				RiskClass:         registry.RiskMutate,
				Idempotency:       registry.NonIdempotent,
				SideEffectScope:   registry.SideEffectFile,
				Examples:          []string{`{"path":"a.txt"}`},
				ApprovalRequired:  true,
				CapabilityVersion: "1.0.0",
			},
		},
	}
	res := rt.Registry.Register(desc, node)
	require.True(t, res.OK)
}

func TestApprovalFlowReinvokesOnApproval(t *testing.T) {
	rt := newTestRuntime(t)
	node := &folderWriteNode{}
	registerFolderWriteNode(t, rt, node)

	guarded := proto.NewMessage("folder.write", map[string]any{"path": "a.txt"})
	rec, err := rt.Flow.RequestMutation(context.Background(), guarded, "user requested write", "user-1")
	require.NoError(t, err)
	require.Equal(t, approval.StatusPending, rec.Status)

	result, err := rt.Flow.Resolve(context.Background(), rec.RequestID, approval.DecisionApproved, "approver-1")
	require.NoError(t, err)
	require.NotNil(t, result.ReinvokeResult)
	require.NotEqual(t, "error", result.ReinvokeResult.Intent)
	require.Equal(t, []string{rec.RequestID}, node.calls)
}

func TestApprovalFlowSkipsReinvokeOnDenial(t *testing.T) {
	rt := newTestRuntime(t)
	node := &folderWriteNode{}
	registerFolderWriteNode(t, rt, node)

	guarded := proto.NewMessage("folder.write", map[string]any{"path": "a.txt"})
	rec, err := rt.Flow.RequestMutation(context.Background(), guarded, "user requested write", "user-1")
	require.NoError(t, err)

	result, err := rt.Flow.Resolve(context.Background(), rec.RequestID, approval.DecisionDenied, "approver-1")
	require.NoError(t, err)
	require.Nil(t, result.ReinvokeResult)
	require.Empty(t, node.calls)
}

func TestNodeContextCarriesRouteNotRuntime(t *testing.T) {
	rt := newTestRuntime(t)
	nc := rt.NodeContext()
	require.NotNil(t, nc.Route)
	resp := nc.Route(context.Background(), proto.NewMessage("no.such.capability", nil))
	require.Equal(t, "error", resp.Intent)
	require.Equal(t, proto.ErrNoRoute, resp.AsErrorDetail().Code)
}
