// Package client sequences a session's life: health check, network
// discovery, route request, tunnel setup, relay fallback, traffic
// bridging and teardown.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"overlayctl/internal/api"
	"overlayctl/internal/config"
	"overlayctl/internal/model"
	"overlayctl/internal/relay"
)

// Orchestrator states. Connecting is internal to a Connect call; the
// terminal cycle is re-enterable.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

var (
	// ErrConnection covers health and reachability failures with no
	// fallback.
	ErrConnection = errors.New("connection failed")
	// ErrRoute covers route request and selection failures.
	ErrRoute = errors.New("route request failed")
	// ErrClient is caller misuse, e.g. connect while connecting.
	ErrClient = errors.New("client misuse")
)

// Event is one state transition, published exactly once per
// transition.
type Event struct {
	State  string
	Status model.ClientStatus
}

// Observer receives state transitions. Callbacks must not block.
type Observer func(Event)

// ControlAPI is the slice of the control-plane client the
// orchestrator needs.
type ControlAPI interface {
	Health(ctx context.Context) error
	RequestRoute(ctx context.Context, req model.RouteRequest) (api.RouteResponse, error)
	RegisterRelayEndpoint(ctx context.Context, req api.RelayEndpointRequest) error
}

// Tunnel is the direct-tunnel session under orchestration.
type Tunnel interface {
	Start(cfg model.TunnelConfig) error
	Stop() error
	Active() bool
	LocalPort() (int, error)
}

// RelayConn is one relay transport connection.
type RelayConn interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendPacket(payload []byte)
}

// RelayFactory builds a transport for the selected route's relay
// endpoint. Injectable so tests never open sockets.
type RelayFactory func(endpoint, token string, handlers relay.Handlers) RelayConn

// Discoverer reports the client's own network view (collaborator,
// typically STUN-backed).
type Discoverer func(ctx context.Context) (model.ClientNetworkInfo, error)

// Orchestrator drives one session. A single instance never runs two
// connects at once and owns its relay transport exclusively.
type Orchestrator struct {
	cfg      config.ClientConfig
	api      ControlAPI
	tunnel   Tunnel
	newRelay RelayFactory
	discover Discoverer
	log      *zap.Logger

	mu        sync.Mutex
	state     string
	status    model.ClientStatus
	selected  *model.SelectedRoute
	relayConn RelayConn
	bridge    *bridge
	cancel    context.CancelFunc
	observers []Observer

	// generation identifies the connect attempt that owns the current
	// session fields; it bumps on every accepted Connect.
	generation uint64
}

// New builds an orchestrator. All collaborators are required except
// discover, which defaults to a local-address stub.
func New(cfg config.ClientConfig, controlAPI ControlAPI, tunnel Tunnel, newRelay RelayFactory, discover Discoverer, log *zap.Logger) *Orchestrator {
	if discover == nil {
		discover = func(context.Context) (model.ClientNetworkInfo, error) {
			return model.ClientNetworkInfo{NATType: model.NATUnknown}, nil
		}
	}
	return &Orchestrator{
		cfg:      cfg,
		api:      controlAPI,
		tunnel:   tunnel,
		newRelay: newRelay,
		discover: discover,
		log:      log,
		state:    StateDisconnected,
	}
}

// OnTransition registers an observer for state changes.
func (o *Orchestrator) OnTransition(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Status returns the current session view.
func (o *Orchestrator) Status() model.ClientStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// State returns the current machine state.
func (o *Orchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// transition publishes a state change; entering the current state
// again is a no-op so each transition fires exactly once.
func (o *Orchestrator) transition(state string) {
	o.mu.Lock()
	if o.state == state {
		o.mu.Unlock()
		return
	}
	o.state = state
	event := Event{State: state, Status: o.status}
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()
	notify(event, observers)
}

func notify(event Event, observers []Observer) {
	for _, obs := range observers {
		obs(event)
	}
}

// Connect establishes a session. Only one call may be in flight; a
// concurrent call fails with ErrClient and no side effects. The guard
// and the move to connecting happen under one lock hold, so a second
// caller can never slip between them.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateDisconnected {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: connect called while %s", ErrClient, state)
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.generation++
	gen := o.generation
	o.state = StateConnecting
	event := Event{State: StateConnecting, Status: o.status}
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()
	notify(event, observers)

	if err := o.runPhases(ctx); err != nil {
		o.teardown(false)
		return err
	}

	// A Disconnect may have torn the session down while runPhases was
	// finishing; entering connected then would resurrect a dead
	// session, so the check and the transition share one lock hold.
	o.mu.Lock()
	if o.generation != gen || o.cancel == nil {
		own := o.generation == gen
		o.mu.Unlock()
		if own {
			// Release anything runPhases stored after the teardown ran.
			o.teardown(false)
		}
		return fmt.Errorf("%w: session torn down during connect", ErrConnection)
	}
	o.state = StateConnected
	event = Event{State: StateConnected, Status: o.status}
	observers = append([]Observer(nil), o.observers...)
	o.mu.Unlock()
	notify(event, observers)
	return nil
}

func (o *Orchestrator) runPhases(ctx context.Context) error {
	// Phase 1: health check. Nothing to clean up on failure.
	if err := o.api.Health(ctx); err != nil {
		return fmt.Errorf("%w: health check: %v", ErrConnection, err)
	}

	// Phase 2: local network discovery.
	netInfo, err := o.discover(ctx)
	if err != nil {
		return fmt.Errorf("%w: network discovery: %v", ErrConnection, err)
	}

	// Phase 3: route request.
	req := model.RouteRequest{
		ClientID:          o.cfg.ClientID,
		TargetNodeID:      o.cfg.TargetNodeID,
		ClientNetworkInfo: netInfo,
	}
	if o.cfg.MinBandwidth > 0 || o.cfg.MaxLatencyMs > 0 || o.cfg.PreferredCountry != "" || o.cfg.PreferredLocation != "" {
		req.Requirements = &model.Requirements{
			MinBandwidth:      o.cfg.MinBandwidth,
			MaxLatencyMs:      o.cfg.MaxLatencyMs,
			PreferredCountry:  o.cfg.PreferredCountry,
			PreferredLocation: o.cfg.PreferredLocation,
		}
	}
	routeResp, err := o.api.RequestRoute(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoute, err)
	}
	selected := routeResp.SelectedRoute

	o.mu.Lock()
	o.selected = &selected
	o.status = model.ClientStatus{
		NodeID:        selected.NodeEndpoint.NodeID,
		RouteID:       selected.ID,
		SessionToken:  selected.SessionToken,
		RelayEndpoint: selected.RelayEndpoint,
	}
	o.mu.Unlock()

	// Phase 4: tunnel setup. Best-effort: the relay can carry the
	// session alone.
	if selected.TunnelConfig != nil {
		if err := o.tunnel.Start(*selected.TunnelConfig); err != nil {
			o.log.Warn("tunnel setup failed, continuing relay-only", zap.Error(err))
		}
	}

	// Phase 5: announce the tunnel's local endpoint. Best-effort.
	if o.tunnel.Active() {
		if port, err := o.tunnel.LocalPort(); err == nil {
			err := o.api.RegisterRelayEndpoint(ctx, api.RelayEndpointRequest{
				ClientID:     o.cfg.ClientID,
				NodeID:       selected.NodeEndpoint.NodeID,
				SessionToken: selected.SessionToken,
				LocalPort:    port,
				MappedAddr:   netInfo.STUNMappedAddress,
			})
			if err != nil {
				o.log.Warn("relay endpoint registration failed", zap.Error(err))
			}
		} else {
			o.log.Warn("tunnel local port unavailable", zap.Error(err))
		}
	}

	// Phase 6: relay connect. Fatal only when no tunnel exists.
	relayConn := o.newRelay(selected.RelayEndpoint, selected.SessionToken, relay.Handlers{
		OnPacket: o.handleRelayPacket,
		OnError: func(msg string) {
			o.log.Warn("relay reported error", zap.String("detail", msg))
		},
		OnUnhealthy: func() {
			o.log.Warn("relay liveness lost")
		},
	})
	if err := relayConn.Connect(ctx); err != nil {
		if !o.tunnel.Active() {
			return fmt.Errorf("%w: relay connect with no tunnel: %v", ErrConnection, err)
		}
		o.log.Warn("relay connect failed, continuing tunnel-only", zap.Error(err))
	} else {
		o.mu.Lock()
		o.relayConn = relayConn
		o.mu.Unlock()
	}

	// Phase 7: traffic bridging. Best-effort.
	o.startBridging()

	o.mu.Lock()
	o.status.Connected = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) startBridging() {
	o.mu.Lock()
	relayConn := o.relayConn
	o.mu.Unlock()
	if relayConn == nil || !o.tunnel.Active() {
		return
	}
	port, err := o.tunnel.LocalPort()
	if err != nil {
		o.log.Warn("bridging skipped, tunnel port unknown", zap.Error(err))
		return
	}
	b, err := startBridge(port, relayConn, o.log)
	if err != nil {
		o.log.Warn("bridging failed to start", zap.Error(err))
		return
	}
	o.mu.Lock()
	o.bridge = b
	o.mu.Unlock()
}

func (o *Orchestrator) handleRelayPacket(payload []byte) {
	o.mu.Lock()
	b := o.bridge
	o.mu.Unlock()
	if b != nil {
		b.deliver(payload)
	}
}

// Disconnect drives the session back to disconnected from any state,
// including mid-connect. It is an idempotent no-op when already
// disconnected; teardown steps run in order and a failed step never
// blocks the rest.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	if o.state == StateDisconnected {
		o.mu.Unlock()
		return nil
	}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.mu.Unlock()

	o.teardown(true)
	return nil
}

// teardown releases partial state. When emit is false the caller is a
// failed connect, which reports its own error; the transition to
// disconnected still fires so observers see the cycle complete.
func (o *Orchestrator) teardown(viaDisconnect bool) {
	o.mu.Lock()
	b := o.bridge
	o.bridge = nil
	relayConn := o.relayConn
	o.relayConn = nil
	o.selected = nil
	o.status = model.ClientStatus{}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.mu.Unlock()

	if b != nil {
		b.stop()
	}
	if err := o.tunnel.Stop(); err != nil {
		o.log.Warn("tunnel teardown failed", zap.Error(err))
	}
	if relayConn != nil {
		if err := relayConn.Disconnect(); err != nil {
			o.log.Warn("relay teardown failed", zap.Error(err))
		}
	}
	if viaDisconnect {
		o.log.Info("session disconnected")
	}
	o.transition(StateDisconnected)
}

// DefaultRelayFactory builds real websocket transports from the
// client config.
func DefaultRelayFactory(cfg config.ClientConfig, log *zap.Logger) RelayFactory {
	return func(endpoint, token string, handlers relay.Handlers) RelayConn {
		opts := relay.DefaultOptions()
		if cfg.PingIntervalSec > 0 {
			opts.PingInterval = time.Duration(cfg.PingIntervalSec) * time.Second
		}
		if cfg.ReadTimeoutSec > 0 {
			opts.ReadTimeout = time.Duration(cfg.ReadTimeoutSec) * time.Second
		}
		if cfg.ReconnectDelaySec > 0 {
			opts.ReconnectDelay = time.Duration(cfg.ReconnectDelaySec) * time.Second
		}
		return relay.New(endpoint, token, opts, handlers, log)
	}
}
