// Package registry tracks liveness, capabilities and location of
// overlay nodes. Reads go cache-aside through a bounded TTL cache;
// writes go through the durable store first so a failed write is
// never served from cache.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"overlayctl/internal/model"
	"overlayctl/internal/store"
)

var (
	// ErrUnknownNode is returned for operations on an unregistered ID.
	ErrUnknownNode = errors.New("unknown node")
	// ErrStoreUnavailable wraps durable-store failures. The registry
	// never retries these itself.
	ErrStoreUnavailable = errors.New("node store unavailable")
)

// DefaultLivenessWindow is how long a node stays online without a
// heartbeat before readers treat it as offline.
const DefaultLivenessWindow = 90 * time.Second

// CandidateFilter narrows ListCandidates results.
type CandidateFilter struct {
	TargetNodeID   string
	MinBandwidth   uint // Mbps, against the advertised up capacity
	Country        string
	Region         string
	RequireRouting bool
	RequireNATTing bool
}

// Registry is the cache-aside façade over the node store.
type Registry struct {
	store          store.Store
	cache          store.Cache
	livenessWindow time.Duration
	log            *zap.Logger
	now            func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLivenessWindow overrides the heartbeat staleness window.
func WithLivenessWindow(d time.Duration) Option {
	return func(r *Registry) { r.livenessWindow = d }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry over the given store and cache.
func New(s store.Store, c store.Cache, log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:          s,
		cache:          c,
		livenessWindow: DefaultLivenessWindow,
		log:            log,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts a node keyed by ID. RegisteredAt is set once on
// first registration and preserved on re-registration; capability
// updates are last-write-wins.
func (r *Registry) Register(ctx context.Context, node model.Node) (model.Node, error) {
	if node.ID == "" {
		return model.Node{}, fmt.Errorf("node ID is required")
	}

	now := r.now().UTC()
	prev, err := r.store.Get(ctx, node.ID)
	switch {
	case err == nil:
		node.RegisteredAt = prev.RegisteredAt
		if prev.LastHeartbeat.After(node.LastHeartbeat) {
			node.LastHeartbeat = prev.LastHeartbeat
		}
	case errors.Is(err, store.ErrNotFound):
		node.RegisteredAt = now
	default:
		return model.Node{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if node.LastHeartbeat.IsZero() {
		node.LastHeartbeat = now
	}
	if node.Status == "" {
		node.Status = model.StatusOnline
	}

	if err := r.store.Put(ctx, node); err != nil {
		return model.Node{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	r.cache.Set(node)
	r.log.Debug("node registered",
		zap.String("node_id", node.ID),
		zap.String("status", node.Status))
	return node, nil
}

// Get returns the node, reading through the cache. Staleness is
// applied at read time: a record whose heartbeat is older than the
// liveness window is reported offline regardless of its stored status.
func (r *Registry) Get(ctx context.Context, nodeID string) (model.Node, error) {
	if node, ok := r.cache.Get(nodeID); ok {
		return r.withReadStatus(node), nil
	}

	node, err := r.store.Get(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if err != nil {
		return model.Node{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	r.cache.Set(node)
	return r.withReadStatus(node), nil
}

// Heartbeat refreshes a node's liveness. LastHeartbeat never moves
// backwards.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	node, err := r.store.Get(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := r.now().UTC()
	if now.After(node.LastHeartbeat) {
		node.LastHeartbeat = now
	}
	node.Status = model.StatusOnline
	// Heartbeats already rewrite the record, so persist the release of
	// a lapsed session here.
	node = r.withSessionExpiry(node)

	if err := r.store.Put(ctx, node); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	r.cache.Set(node)
	return nil
}

// AttachSession stamps a freshly minted session onto the node a
// client was routed through: token, expiry, and one more active
// session. Write-through like every other mutation.
func (r *Registry) AttachSession(ctx context.Context, nodeID, token string, expiresAt time.Time) error {
	node, err := r.store.Get(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Release a lapsed session before stacking the new one.
	node = r.withSessionExpiry(node)
	node.SessionToken = token
	expiry := expiresAt.UTC()
	node.ExpiresAt = &expiry
	node.ActiveSessions++

	if err := r.store.Put(ctx, node); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	r.cache.Set(node)
	r.log.Debug("session attached",
		zap.String("node_id", nodeID),
		zap.Uint("active_sessions", node.ActiveSessions),
		zap.Time("expires_at", expiry))
	return nil
}

// Deregister removes a node and drops its cache entry.
func (r *Registry) Deregister(ctx context.Context, nodeID string) error {
	if err := r.store.Delete(ctx, nodeID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	r.cache.Invalidate(nodeID)
	return nil
}

// ListCandidates returns online nodes satisfying the filter, ordered
// by node ID. Staleness is applied before the online check.
func (r *Registry) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.Node, error) {
	nodes, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	out := make([]model.Node, 0, len(nodes))
	for _, node := range nodes {
		node = r.withReadStatus(node)
		if node.Status != model.StatusOnline {
			continue
		}
		if filter.TargetNodeID != "" && node.ID != filter.TargetNodeID {
			continue
		}
		if filter.MinBandwidth > 0 && node.Capabilities.Bandwidth.Up < filter.MinBandwidth {
			continue
		}
		if filter.Country != "" && node.Location.Country != filter.Country {
			continue
		}
		if filter.Region != "" && node.Location.Region != filter.Region {
			continue
		}
		if filter.RequireRouting && !node.Capabilities.Routing {
			continue
		}
		if filter.RequireNATTing && !node.Capabilities.NATTing {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

func (r *Registry) withReadStatus(node model.Node) model.Node {
	node = r.withSessionExpiry(node)
	if node.Status == model.StatusOnline && r.now().UTC().Sub(node.LastHeartbeat) > r.livenessWindow {
		node.Status = model.StatusOffline
	}
	return node
}

// withSessionExpiry releases a lapsed session from the record:
// readers see freed capacity immediately, and write paths persist the
// cleared fields on their next Put.
func (r *Registry) withSessionExpiry(node model.Node) model.Node {
	if node.ExpiresAt != nil && r.now().UTC().After(*node.ExpiresAt) {
		node.SessionToken = ""
		node.ExpiresAt = nil
		if node.ActiveSessions > 0 {
			node.ActiveSessions--
		}
	}
	return node
}
