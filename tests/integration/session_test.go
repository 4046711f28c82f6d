package integration

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"overlayctl/internal/api"
	"overlayctl/internal/client"
	"overlayctl/internal/config"
	"overlayctl/internal/controller"
	"overlayctl/internal/model"
	"overlayctl/internal/route"
)

// fakeTunnel fails to start, forcing the orchestrator onto the
// relay-only path; no host networking is touched.
type fakeTunnel struct {
	mu    sync.Mutex
	stops int
}

func (f *fakeTunnel) Start(model.TunnelConfig) error { return errors.New("wg unavailable") }

func (f *fakeTunnel) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTunnel) Active() bool { return false }

func (f *fakeTunnel) LocalPort() (int, error) { return 0, errors.New("no interface") }

type eventLog struct {
	mu     sync.Mutex
	states []string
}

func (e *eventLog) record(ev client.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, ev.State)
}

func (e *eventLog) count(state string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.states {
		if s == state {
			n++
		}
	}
	return n
}

// startControlPlane runs a real controller over httptest and registers
// one relay-capable node whose relay endpoint points back at the
// controller's own websocket handler.
func startControlPlane(t *testing.T) (*httptest.Server, model.Node) {
	t.Helper()

	cfg := config.Config{Controller: &config.ControllerConfig{
		Listen:      ":0",
		DataDir:     t.TempDir(),
		RelaySecret: "s3cret",
	}}
	config.ApplyDefaults(&cfg)

	measure := func(_ context.Context, node model.Node) (route.Measurement, error) {
		return route.Measurement{LatencyMs: 25, BandwidthMbps: node.Capabilities.Bandwidth.Up}, nil
	}
	srv, err := controller.NewServer(*cfg.Controller, measure, zaptest.NewLogger(t))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	node := model.Node{
		ID:        "exit-1",
		PublicKey: "pk-exit-1",
		NetworkInfo: model.NetworkInfo{
			IPv4:      host,
			NATType:   model.NATFullCone,
			LocalPort: port,
		},
		Capabilities: model.Capabilities{
			MaxConnections: 16,
			Bandwidth:      model.Bandwidth{Up: 100, Down: 100},
			Routing:        true,
			NATTing:        true,
		},
		Status:        model.StatusOnline,
		LastHeartbeat: time.Now().UTC(),
	}
	_, err = api.NewClient(ts.URL).RegisterNode(context.Background(), node)
	require.NoError(t, err)

	return ts, node
}

func newOrchestrator(t *testing.T, ts *httptest.Server, tun *fakeTunnel) (*client.Orchestrator, *eventLog) {
	t.Helper()

	cfg := config.Config{Client: &config.ClientConfig{
		ClientID:   "client-1",
		Controller: ts.URL,
	}}
	config.ApplyDefaults(&cfg)

	log := zaptest.NewLogger(t)
	orch := client.New(*cfg.Client, api.NewClient(ts.URL), tun,
		client.DefaultRelayFactory(*cfg.Client, log), nil, log)

	events := &eventLog{}
	orch.OnTransition(events.record)
	return orch, events
}

func TestSessionLifecycle(t *testing.T) {
	ts, node := startControlPlane(t)
	orch, events := newOrchestrator(t, ts, &fakeTunnel{})

	require.NoError(t, orch.Connect(context.Background()))
	require.Equal(t, client.StateConnected, orch.State())

	status := orch.Status()
	require.True(t, status.Connected)
	require.Equal(t, node.ID, status.NodeID)
	require.NotEmpty(t, status.SessionToken)
	require.Contains(t, status.RelayEndpoint, "/relay")

	require.NoError(t, orch.Disconnect())
	require.Equal(t, client.StateDisconnected, orch.State())
	require.Equal(t, 1, events.count(client.StateConnecting))
	require.Equal(t, 1, events.count(client.StateConnected))
	require.Equal(t, 1, events.count(client.StateDisconnected))
}

func TestConnectWhileConnectedFails(t *testing.T) {
	ts, _ := startControlPlane(t)
	orch, _ := newOrchestrator(t, ts, &fakeTunnel{})

	require.NoError(t, orch.Connect(context.Background()))
	defer orch.Disconnect()

	err := orch.Connect(context.Background())
	require.ErrorIs(t, err, client.ErrClient)
	require.Equal(t, client.StateConnected, orch.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ts, _ := startControlPlane(t)
	tun := &fakeTunnel{}
	orch, events := newOrchestrator(t, ts, tun)

	require.NoError(t, orch.Connect(context.Background()))
	require.NoError(t, orch.Disconnect())
	require.NoError(t, orch.Disconnect())

	require.Equal(t, 1, events.count(client.StateDisconnected))
	tun.mu.Lock()
	defer tun.mu.Unlock()
	require.GreaterOrEqual(t, tun.stops, 1)
}

func TestConnectFailsWithoutCandidates(t *testing.T) {
	cfg := config.Config{Controller: &config.ControllerConfig{
		Listen:      ":0",
		DataDir:     t.TempDir(),
		RelaySecret: "s3cret",
	}}
	config.ApplyDefaults(&cfg)

	srv, err := controller.NewServer(*cfg.Controller, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	orch, events := newOrchestrator(t, ts, &fakeTunnel{})
	err = orch.Connect(context.Background())
	require.ErrorIs(t, err, client.ErrRoute)
	require.Equal(t, client.StateDisconnected, orch.State())
	require.Equal(t, 1, events.count(client.StateDisconnected))
}
