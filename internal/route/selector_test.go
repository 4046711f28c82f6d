package route

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"overlayctl/internal/cred"
	"overlayctl/internal/model"
	"overlayctl/internal/registry"
)

type attachedSession struct {
	nodeID    string
	token     string
	expiresAt time.Time
}

type staticSource struct {
	nodes     []model.Node
	err       error
	attachErr error
	attached  []attachedSession
}

func (s *staticSource) AttachSession(_ context.Context, nodeID, token string, expiresAt time.Time) error {
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached = append(s.attached, attachedSession{nodeID: nodeID, token: token, expiresAt: expiresAt})
	return nil
}

func (s *staticSource) ListCandidates(_ context.Context, filter registry.CandidateFilter) ([]model.Node, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if filter.TargetNodeID != "" && n.ID != filter.TargetNodeID {
			continue
		}
		if filter.RequireRouting && !n.Capabilities.Routing {
			continue
		}
		if filter.RequireNATTing && !n.Capabilities.NATTing {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

type fakeIssuer struct {
	err error
}

func (f *fakeIssuer) Issue(realm, secret string, ttl time.Duration) (cred.RelayCredential, error) {
	if f.err != nil {
		return cred.RelayCredential{}, f.err
	}
	return cred.RelayCredential{Username: "1900000000:nonce", Password: "cGFzcw==", Realm: realm, TTL: ttl}, nil
}

func candidateNode(id string, upMbps uint) model.Node {
	return model.Node{
		ID:        id,
		PublicKey: "pk-" + id,
		NetworkInfo: model.NetworkInfo{
			IPv4:      "203.0.113.7",
			NATType:   model.NATFullCone,
			LocalPort: 51820,
		},
		Capabilities: model.Capabilities{
			MaxConnections: 64,
			Bandwidth:      model.Bandwidth{Up: upMbps, Down: upMbps},
			Routing:        true,
			NATTing:        true,
		},
		Location: model.Location{Country: "KR", Region: "seoul"},
		Status:   model.StatusOnline,
	}
}

func measureTable(table map[string]Measurement) Measurer {
	return func(_ context.Context, node model.Node) (Measurement, error) {
		m, ok := table[node.ID]
		if !ok {
			return Measurement{}, errors.New("no measurement")
		}
		return m, nil
	}
}

func newTestSelector(t *testing.T, src CandidateSource, issuer CredentialIssuer, m Measurer) *Selector {
	t.Helper()
	if issuer == nil {
		issuer = &fakeIssuer{}
	}
	cfg := Config{Realm: "overlay", Secret: "s3cret", SessionTTL: 10 * time.Minute}
	return NewSelector(src, issuer, m, cfg, zaptest.NewLogger(t))
}

func baseRequest() model.RouteRequest {
	return model.RouteRequest{
		ClientID: "client-1",
		ClientNetworkInfo: model.ClientNetworkInfo{
			IPv4:    "198.51.100.4",
			NATType: model.NATFullCone,
		},
	}
}

func TestSelect_PicksLowestCost(t *testing.T) {
	t.Parallel()

	src := &staticSource{nodes: []model.Node{candidateNode("a", 100), candidateNode("b", 100)}}
	sel := newTestSelector(t, src, nil, measureTable(map[string]Measurement{
		"a": {LatencyMs: 120, BandwidthMbps: 100},
		"b": {LatencyMs: 20, BandwidthMbps: 100},
	}))

	got, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, "b", got.SelectedRoute.NodeEndpoint.NodeID)
	require.Len(t, got.Routes, 2)
	require.Less(t, got.Routes[0].Cost, got.Routes[1].Cost)
}

func TestSelect_Deterministic(t *testing.T) {
	t.Parallel()

	src := &staticSource{nodes: []model.Node{candidateNode("a", 50), candidateNode("b", 50), candidateNode("c", 50)}}
	m := measureTable(map[string]Measurement{
		"a": {LatencyMs: 40, BandwidthMbps: 50},
		"b": {LatencyMs: 40, BandwidthMbps: 50},
		"c": {LatencyMs: 40, BandwidthMbps: 50},
	})
	sel := newTestSelector(t, src, nil, m)

	first, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := sel.Select(context.Background(), baseRequest())
		require.NoError(t, err)
		require.Equal(t, first.SelectedRoute.NodeEndpoint.NodeID, again.SelectedRoute.NodeEndpoint.NodeID)
		for j := range first.Routes {
			require.Equal(t, first.Routes[j].Path, again.Routes[j].Path)
		}
	}
	// Equal cost and priority falls back to node ID order.
	require.Equal(t, "a", first.SelectedRoute.NodeEndpoint.NodeID)
}

func TestSelect_RequirementsRejectCandidates(t *testing.T) {
	t.Parallel()

	src := &staticSource{nodes: []model.Node{candidateNode("slow", 100), candidateNode("laggy", 100)}}
	sel := newTestSelector(t, src, nil, measureTable(map[string]Measurement{
		"slow":  {LatencyMs: 10, BandwidthMbps: 5},
		"laggy": {LatencyMs: 500, BandwidthMbps: 100},
	}))

	req := baseRequest()
	req.Requirements = &model.Requirements{MinBandwidth: 10, MaxLatencyMs: 100}
	_, err := sel.Select(context.Background(), req)
	require.ErrorIs(t, err, ErrNoViableRoute)
}

func TestSelect_EmptyCandidateSet(t *testing.T) {
	t.Parallel()

	sel := newTestSelector(t, &staticSource{}, nil, nil)
	_, err := sel.Select(context.Background(), baseRequest())
	require.ErrorIs(t, err, ErrNoViableRoute)
}

func TestSelect_CredentialFailure(t *testing.T) {
	t.Parallel()

	src := &staticSource{nodes: []model.Node{candidateNode("a", 100)}}
	sel := newTestSelector(t, src, &fakeIssuer{err: errors.New("hsm down")}, nil)
	_, err := sel.Select(context.Background(), baseRequest())
	require.ErrorIs(t, err, ErrCredential)
}

func TestSelect_PreferredCountryBreaksTies(t *testing.T) {
	t.Parallel()

	near := candidateNode("near", 100)
	far := candidateNode("abroad", 100)
	far.Location = model.Location{Country: "US", Region: "oregon"}

	src := &staticSource{nodes: []model.Node{far, near}}
	m := measureTable(map[string]Measurement{
		"near":   {LatencyMs: 30, BandwidthMbps: 100},
		"abroad": {LatencyMs: 30, BandwidthMbps: 100},
	})
	sel := newTestSelector(t, src, nil, m)

	req := baseRequest()
	req.Requirements = &model.Requirements{PreferredCountry: "KR"}
	got, err := sel.Select(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "near", got.SelectedRoute.NodeEndpoint.NodeID)
}

func TestSelect_SymmetricClientNeedsNATTingNode(t *testing.T) {
	t.Parallel()

	plain := candidateNode("plain", 100)
	plain.Capabilities.NATTing = false
	relayCapable := candidateNode("relaying", 100)

	src := &staticSource{nodes: []model.Node{plain, relayCapable}}
	m := measureTable(map[string]Measurement{
		"plain":    {LatencyMs: 10, BandwidthMbps: 100},
		"relaying": {LatencyMs: 50, BandwidthMbps: 100},
	})
	sel := newTestSelector(t, src, nil, m)

	req := baseRequest()
	req.ClientNetworkInfo.NATType = model.NATSymmetric
	got, err := sel.Select(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "relaying", got.SelectedRoute.NodeEndpoint.NodeID)
}

func TestSelect_SymmetricPairGetsNoTunnelConfig(t *testing.T) {
	t.Parallel()

	node := candidateNode("sym", 100)
	node.NetworkInfo.NATType = model.NATSymmetric

	src := &staticSource{nodes: []model.Node{node}}
	sel := newTestSelector(t, src, nil, measureTable(map[string]Measurement{
		"sym": {LatencyMs: 10, BandwidthMbps: 100},
	}))

	req := baseRequest()
	req.ClientNetworkInfo.NATType = model.NATSymmetric
	got, err := sel.Select(context.Background(), req)
	require.NoError(t, err)
	require.False(t, got.SelectedRoute.NodeEndpoint.DirectConnection)
	require.Nil(t, got.SelectedRoute.TunnelConfig)
	require.Equal(t, "relay", got.SelectedRoute.Type)
}

func TestSelect_SingleViableNodeEndToEnd(t *testing.T) {
	t.Parallel()

	node := candidateNode("only", 100)
	src := &staticSource{nodes: []model.Node{node}}
	m := measureTable(map[string]Measurement{
		"only": {LatencyMs: 40, BandwidthMbps: 100},
	})
	sel := newTestSelector(t, src, nil, m)

	req := baseRequest()
	req.Requirements = &model.Requirements{MinBandwidth: 10, MaxLatencyMs: 100}
	got, err := sel.Select(context.Background(), req)
	require.NoError(t, err)

	selected := got.SelectedRoute
	require.Equal(t, "only", selected.NodeEndpoint.NodeID)
	require.InDelta(t, cost(Measurement{LatencyMs: 40, BandwidthMbps: 100}), selected.Cost, 1e-9)
	require.NotNil(t, selected.TunnelConfig)
	require.Equal(t, "pk-only", selected.TunnelConfig.ServerPublicKey)
	require.Equal(t, "203.0.113.7:51820", selected.TunnelConfig.ServerEndpoint)
	require.Equal(t, []string{"0.0.0.0/0", "::/0"}, selected.TunnelConfig.AllowedIPs)
	require.NotEmpty(t, selected.SessionToken)
	require.Contains(t, selected.RelayEndpoint, "203.0.113.7")
}

func TestSelect_RecordsSessionOnChosenNode(t *testing.T) {
	t.Parallel()

	src := &staticSource{nodes: []model.Node{candidateNode("a", 100), candidateNode("b", 100)}}
	sel := newTestSelector(t, src, nil, measureTable(map[string]Measurement{
		"a": {LatencyMs: 120, BandwidthMbps: 100},
		"b": {LatencyMs: 20, BandwidthMbps: 100},
	}))

	got, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Len(t, src.attached, 1)
	require.Equal(t, "b", src.attached[0].nodeID)
	require.Equal(t, got.SelectedRoute.SessionToken, src.attached[0].token)
	require.Equal(t, got.SelectedRoute.ExpiresAt, src.attached[0].expiresAt)
}

func TestSelect_SessionWriteBackFailureKeepsRoute(t *testing.T) {
	t.Parallel()

	src := &staticSource{
		nodes:     []model.Node{candidateNode("a", 100)},
		attachErr: errors.New("store offline"),
	}
	sel := newTestSelector(t, src, nil, measureTable(map[string]Measurement{
		"a": {LatencyMs: 20, BandwidthMbps: 100},
	}))

	got, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, "a", got.SelectedRoute.NodeEndpoint.NodeID)
	require.NotEmpty(t, got.SelectedRoute.SessionToken)
}

func TestCost_Monotonicity(t *testing.T) {
	t.Parallel()

	// Lower latency is cheaper at equal bandwidth.
	require.Less(t,
		cost(Measurement{LatencyMs: 10, BandwidthMbps: 100}),
		cost(Measurement{LatencyMs: 100, BandwidthMbps: 100}))
	// Higher bandwidth is cheaper at equal latency.
	require.Less(t,
		cost(Measurement{LatencyMs: 50, BandwidthMbps: 200}),
		cost(Measurement{LatencyMs: 50, BandwidthMbps: 20}))
}
