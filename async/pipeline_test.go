package async

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testNode(t *testing.T, reg *registry.CapabilityRegistry, capability string, handler registry.Dispatcher) {
	t.Helper()
	desc := registry.NodeDescriptor{
		NodeID:                    "worker-1",
		NodeVersion:               "1.0.0",
		EndpointURL:               "inproc://worker-1",
		SupportedProtocolVersions: []string{proto.ProtocolVersion},
		Priority:                  100,
		Auth:                      registry.Auth{RegistrationToken: "trusted-token"},
		Capabilities: []registry.CapabilityMetadata{
			{
				Name:              capability,
				RiskClass:         registry.RiskMutate,
				Idempotency:       registry.NonIdempotent,
				SideEffectScope:   registry.SideEffectExternal,
				CapabilityVersion: "1.0.0",
				Examples:          []string{"example"},
			},
		},
	}
	result := reg.Register(desc, handler)
	require.True(t, result.OK)
}

func echoOK(payloadKey string) registry.Dispatcher {
	return registry.DispatcherFunc(func(ctx context.Context, msg *proto.Message) (*proto.Message, error) {
		return proto.MakeResponse("echo.result", map[string]any{payloadKey: true}, msg.MessageID, nil), nil
	})
}

func newTestRegistry(t *testing.T) *registry.CapabilityRegistry {
	t.Helper()
	return registry.New(registry.DefaultConfig("trusted-token"), nil, nil)
}

func TestRouteAsyncEnqueuesAndWorkerCompletes(t *testing.T) {
	reg := newTestRegistry(t)
	testNode(t, reg, "work.do", echoOK("done"))

	p := New(reg, NewMemoryControlPlane(), nil, nil, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartWorker(ctx, "work.do")

	msg := proto.NewMessage("work.do", map[string]any{"x": 1})
	result, errMsg := p.RouteAsync(ctx, msg)
	require.Nil(t, errMsg)
	require.True(t, result.Accepted)
	require.Equal(t, msg.MessageID, result.MessageID)

	require.Eventually(t, func() bool {
		entry, ok, err := p.Status(ctx, msg.MessageID)
		return ok && err == nil && entry.State == StateCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRouteAsyncNoRouteReturnsSynchronousError(t *testing.T) {
	reg := newTestRegistry(t)
	p := New(reg, NewMemoryControlPlane(), nil, nil, DefaultConfig())

	msg := proto.NewMessage("nothing.claims.this", nil)
	result, errMsg := p.RouteAsync(context.Background(), msg)
	require.Nil(t, result)
	require.NotNil(t, errMsg)
	require.Equal(t, proto.ErrNoRoute, errMsg.AsErrorDetail().Code)
}

func TestDuplicateDeliveryDoesNotDoubleCommitSideEffects(t *testing.T) {
	reg := newTestRegistry(t)
	testNode(t, reg, "work.do", echoOK("done"))

	control := NewMemoryControlPlane()
	p := New(reg, control, nil, nil, DefaultConfig())
	ctx := context.Background()

	msg := proto.NewMessage("work.do", map[string]any{"x": 1})
	require.NoError(t, control.SaveStatus(ctx, msg.MessageID, StatusEntry{State: StateQueued, Request: msg}))

	env := &AsyncEnvelope{Message: msg, NodeID: "worker-1", RoutingKey: "work.do", MaxAttempts: 3}
	p.handleDelivery(ctx, env)
	p.handleDelivery(ctx, env)

	// The first handleDelivery committed the side effect once (counter -> 1);
	// the second was a duplicate and must not have touched it. One more
	// manual increment should land on 2, not 3.
	n, err := control.IncrSideEffect(ctx, "worker-1", msg.MessageID)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	entry, ok, err := control.LoadStatus(ctx, msg.MessageID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateCompleted, entry.State)
	require.True(t, entry.Details["duplicate"].(bool))
}

func TestRetryThenDeadLetterOnExhaustion(t *testing.T) {
	reg := newTestRegistry(t)
	testNode(t, reg, "work.fail", echoOK("done"))

	p := New(reg, NewMemoryControlPlane(), nil, nil, Config{
		MaxAttempts:     2,
		RetryDelay:      func(int) time.Duration { return time.Millisecond },
		StatusURLPrefix: "/status/",
		ReplayURLPrefix: "/replay/",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartWorker(ctx, "work.fail")
	p.StartDLQWatcher(ctx)

	msg := proto.NewMessage("work.fail", nil)
	require.NoError(t, p.control.SaveStatus(ctx, msg.MessageID, StatusEntry{State: StateQueued, Request: msg}))
	env := &AsyncEnvelope{Message: msg, NodeID: "worker-1", RoutingKey: "work.fail", MaxAttempts: 2, ForceError: true}
	p.broker.Publish(env)

	require.Eventually(t, func() bool {
		entry, ok, err := p.Status(ctx, msg.MessageID)
		return ok && err == nil && entry.State == StateDLQ
	}, time.Second, 5*time.Millisecond)

	entry, ok, err := p.Status(ctx, msg.MessageID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, entry.Response)
	detail := entry.Response.AsErrorDetail()
	require.NotNil(t, detail)
	require.Equal(t, proto.ErrNodeTimeout, detail.Code)
	require.True(t, detail.Retryable)

	replay, ok, err := p.Replay(ctx, msg.MessageID)
	require.NoError(t, err)
	require.True(t, ok)
	var sawDeadLetter bool
	for _, ev := range replay.Events {
		if ev.Type == "worker_dead_lettered" {
			sawDeadLetter = true
		}
	}
	require.True(t, sawDeadLetter)
}

func TestReplayReturnsRequestResponseStateAndEvents(t *testing.T) {
	reg := newTestRegistry(t)
	testNode(t, reg, "work.do", echoOK("done"))

	p := New(reg, NewMemoryControlPlane(), nil, nil, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartWorker(ctx, "work.do")

	msg := proto.NewMessage("work.do", nil)
	_, errMsg := p.RouteAsync(ctx, msg)
	require.Nil(t, errMsg)

	require.Eventually(t, func() bool {
		_, ok, _ := p.Replay(ctx, msg.MessageID)
		return ok
	}, time.Second, 5*time.Millisecond)

	replay, ok, err := p.Replay(ctx, msg.MessageID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateCompleted, replay.State)
	require.NotEmpty(t, replay.Events)
	require.Equal(t, msg.MessageID, replay.Request.MessageID)
}

func TestRedisControlPlaneIdempotencySetOnce(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cp := NewRedisControlPlane(client, "", time.Minute)
	ctx := context.Background()

	first, err := cp.MarkIdempotent(ctx, "node-1", "msg-1")
	require.NoError(t, err)
	require.True(t, first)

	second, err := cp.MarkIdempotent(ctx, "node-1", "msg-1")
	require.NoError(t, err)
	require.False(t, second)

	n, err := cp.IncrSideEffect(ctx, "node-1", "msg-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, cp.CacheResponse(ctx, "node-1", "msg-1", []byte(`{"ok":true}`)))
	data, ok, err := cp.CachedResponse(ctx, "node-1", "msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"ok":true}`, string(data))
}
