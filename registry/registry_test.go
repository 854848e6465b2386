package registry

import (
	"testing"
	"time"

	"github.com/noderouter/noderouter/persist"
	"github.com/noderouter/noderouter/proto"
	"github.com/stretchr/testify/require"
)

func testDescriptor(id string, priority int, version string) NodeDescriptor {
	return NodeDescriptor{
		NodeID:                    id,
		NodeVersion:               version,
		EndpointURL:               "inproc://" + id,
		SupportedProtocolVersions: []string{proto.ProtocolVersion},
		Priority:                  priority,
		Capabilities: []CapabilityMetadata{
			{
				Name:            "chat.general",
				RiskClass:       RiskRead,
				Idempotency:     Idempotent,
				SideEffectScope: SideEffectNone,
				Examples:        []string{"hello"},
			},
		},
		Auth: Auth{RegistrationToken: "secret"},
	}
}

func newTestRegistry(t *testing.T) *CapabilityRegistry {
	t.Helper()
	store, err := persist.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	cfg := DefaultConfig("secret")
	cfg.HeartbeatTTL = 50 * time.Millisecond
	return New(cfg, store, nil)
}

func TestRegisterRejectsUntrustedToken(t *testing.T) {
	r := newTestRegistry(t)
	d := testDescriptor("node-a", 100, "1.0.0")
	d.Auth.RegistrationToken = "wrong"
	res := r.Register(d, nil)
	require.False(t, res.OK)
	require.Equal(t, proto.ErrNodeUntrusted, res.Code)
}

func TestRegisterRejectsInvalidDescriptor(t *testing.T) {
	r := newTestRegistry(t)
	d := testDescriptor("node-a", 100, "1.0.0")
	d.Capabilities = nil
	res := r.Register(d, nil)
	require.False(t, res.OK)
	require.Equal(t, proto.ErrNodeRegInvalid, res.Code)
}

func TestHeartbeatRefreshesLease(t *testing.T) {
	r := newTestRegistry(t)
	res := r.Register(testDescriptor("node-a", 100, "1.0.0"), nil)
	require.True(t, res.OK)

	ok, code := r.Heartbeat("node-a", res.LeaseToken)
	require.True(t, ok)
	require.Empty(t, code)

	ok, code = r.Heartbeat("node-a", "wrong-lease")
	require.False(t, ok)
	require.Equal(t, proto.ErrNodeUntrusted, code)
}

func TestHeartbeatAfterExpiryIsNotRegistered(t *testing.T) {
	r := newTestRegistry(t)
	res := r.Register(testDescriptor("node-a", 100, "1.0.0"), nil)
	require.True(t, res.OK)

	time.Sleep(100 * time.Millisecond)

	ok, code := r.Heartbeat("node-a", res.LeaseToken)
	require.False(t, ok)
	require.Equal(t, proto.ErrNodeNotRegistered, code)
}

// TestDeterministicSelectionOrder implements scenario S6 from spec §8.
func TestDeterministicSelectionOrder(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(testDescriptor("z", 200, "1.0.0"), nil)
	r.Register(testDescriptor("a", 200, "1.2.0"), nil)

	candidates := r.EligibleNodes("chat.general", proto.ProtocolVersion)
	require.Len(t, candidates, 2)
	require.Equal(t, "a", candidates[0].Node.Descriptor.NodeID)
}

func TestEligibleNodesExcludesUnsupportedProtocol(t *testing.T) {
	r := newTestRegistry(t)
	d := testDescriptor("node-a", 100, "1.0.0")
	d.SupportedProtocolVersions = []string{"9.9"}
	r.Register(d, nil)

	candidates := r.EligibleNodes("chat.general", proto.ProtocolVersion)
	require.Empty(t, candidates)
}

func TestUpdateHealthEWMAAndCircuit(t *testing.T) {
	r := newTestRegistry(t)
	r.config.UnhealthyThreshold = 2
	res := r.Register(testDescriptor("node-a", 100, "1.0.0"), nil)
	require.True(t, res.OK)

	lat := 100.0
	r.UpdateHealth("node-a", true, &lat)
	rec, ok := r.GetRecord("node-a")
	require.True(t, ok)
	require.NotNil(t, rec.Health.EWMALatencyMS)
	require.InDelta(t, 100.0, *rec.Health.EWMALatencyMS, 0.001)

	lat2 := 200.0
	r.UpdateHealth("node-a", true, &lat2)
	rec, _ = r.GetRecord("node-a")
	require.InDelta(t, 0.3*200+0.7*100, *rec.Health.EWMALatencyMS, 0.001)

	r.UpdateHealth("node-a", false, nil)
	r.UpdateHealth("node-a", false, nil)
	require.True(t, r.IsCircuitOpen("node-a"))
}

func TestRestoreFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.NewStore(dir)
	require.NoError(t, err)

	cfg := DefaultConfig("secret")
	r1 := New(cfg, store, nil)
	r1.Register(testDescriptor("node-a", 100, "1.0.0"), nil)
	store.Close()

	store2, err := persist.NewStore(dir)
	require.NoError(t, err)
	defer store2.Close()
	r2 := New(cfg, store2, nil)

	rec, ok := r2.GetRecord("node-a")
	require.True(t, ok)
	require.Nil(t, rec.Handler)
	require.Equal(t, "", rec.Descriptor.Auth.RegistrationToken)
}
