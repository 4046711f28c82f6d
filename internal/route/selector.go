// Package route turns a client's route request into a ranked set of
// candidate paths and a single selected route with session
// credentials.
package route

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"overlayctl/internal/cred"
	"overlayctl/internal/model"
	"overlayctl/internal/registry"
)

var (
	// ErrNoViableRoute is returned when no online node satisfies the
	// request's mandatory constraints.
	ErrNoViableRoute = errors.New("no viable route")
	// ErrCredential is returned when session credential minting fails.
	ErrCredential = errors.New("credential issuance failed")
)

// Scoring weights and normalization references. Cost combines
// normalized latency and inverse bandwidth; lower is better.
const (
	latencyWeight    = 0.7
	bandwidthWeight  = 0.3
	latencyRefMs     = 200.0
	bandwidthRefMbps = 100.0
)

// Priority bonuses, used only to break cost ties; higher is better.
const (
	prioCountryMatch  = 4
	prioRegionMatch   = 2
	prioNATCompatible = 2
)

// Measurement is a latency/bandwidth estimate for one candidate node.
type Measurement struct {
	LatencyMs     float64
	BandwidthMbps uint
}

// Measurer estimates path quality to a node. It is an external
// collaborator injected into the selector.
type Measurer func(ctx context.Context, node model.Node) (Measurement, error)

// StaticMeasurer derives an estimate from the node record alone. Used
// when no active measurement source is wired in.
func StaticMeasurer(_ context.Context, node model.Node) (Measurement, error) {
	bw := node.Capabilities.Bandwidth.Up
	if node.Capabilities.Bandwidth.Down < bw {
		bw = node.Capabilities.Bandwidth.Down
	}
	return Measurement{LatencyMs: 50, BandwidthMbps: bw}, nil
}

// CandidateSource is the slice of the registry the selector needs:
// candidate reads plus the session write-back on the chosen node.
type CandidateSource interface {
	ListCandidates(ctx context.Context, filter registry.CandidateFilter) ([]model.Node, error)
	AttachSession(ctx context.Context, nodeID, token string, expiresAt time.Time) error
}

// CredentialIssuer mints relay session credentials.
type CredentialIssuer interface {
	Issue(realm, secret string, ttl time.Duration) (cred.RelayCredential, error)
}

// Config carries the selector's credential parameters.
type Config struct {
	Realm      string
	Secret     string
	SessionTTL time.Duration
}

// Selection is the full result of a route request: the chosen route
// plus the ranked candidates. Callers may retry against alternates in
// failure recovery without issuing a new request.
type Selection struct {
	Routes        []model.RouteCandidate `json:"routes"`
	SelectedRoute model.SelectedRoute    `json:"selected_route"`
}

// Selector scores and ranks candidate nodes for route requests.
type Selector struct {
	nodes   CandidateSource
	issuer  CredentialIssuer
	measure Measurer
	cfg     Config
	log     *zap.Logger
}

// NewSelector builds a selector. A nil measurer falls back to
// StaticMeasurer.
func NewSelector(nodes CandidateSource, issuer CredentialIssuer, measure Measurer, cfg Config, log *zap.Logger) *Selector {
	if measure == nil {
		measure = StaticMeasurer
	}
	return &Selector{nodes: nodes, issuer: issuer, measure: measure, cfg: cfg, log: log}
}

type scored struct {
	node      model.Node
	candidate model.RouteCandidate
}

// Select picks a route for the request. For identical inputs and an
// identical node-set snapshot the ranking is stable: ascending cost,
// descending priority, then node ID.
func (s *Selector) Select(ctx context.Context, req model.RouteRequest) (Selection, error) {
	filter := registry.CandidateFilter{TargetNodeID: req.TargetNodeID}
	clientSymmetric := req.ClientNetworkInfo.NATType == model.NATSymmetric
	if clientSymmetric {
		// A symmetric client cannot hole-punch; only NAT-relaying
		// nodes are reachable.
		filter.RequireNATTing = true
	} else {
		filter.RequireRouting = true
	}

	nodes, err := s.nodes.ListCandidates(ctx, filter)
	if err != nil {
		return Selection{}, fmt.Errorf("listing candidates: %w", err)
	}
	if len(nodes) == 0 {
		return Selection{}, fmt.Errorf("%w: no online candidates", ErrNoViableRoute)
	}

	candidates := make([]scored, 0, len(nodes))
	for _, node := range nodes {
		m, err := s.measure(ctx, node)
		if err != nil {
			s.log.Warn("measurement failed, skipping candidate",
				zap.String("node_id", node.ID), zap.Error(err))
			continue
		}
		if req.Requirements != nil {
			if req.Requirements.MinBandwidth > 0 && m.BandwidthMbps < req.Requirements.MinBandwidth {
				continue
			}
			if req.Requirements.MaxLatencyMs > 0 && m.LatencyMs > float64(req.Requirements.MaxLatencyMs) {
				continue
			}
		}
		candidates = append(candidates, scored{
			node: node,
			candidate: model.RouteCandidate{
				ID:                 uuid.NewString(),
				Type:               candidateType(clientSymmetric, node),
				Path:               []string{node.ID},
				EstimatedLatencyMs: m.LatencyMs,
				EstimatedBandwidth: m.BandwidthMbps,
				Cost:               cost(m),
				Priority:           s.priority(req, node),
			},
		})
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("%w: all candidates rejected by requirements", ErrNoViableRoute)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].candidate, candidates[j].candidate
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return candidates[i].node.ID < candidates[j].node.ID
	})

	best := candidates[0]
	credential, err := s.issuer.Issue(s.cfg.Realm, s.cfg.Secret, s.cfg.SessionTTL)
	if err != nil {
		return Selection{}, fmt.Errorf("%w: %v", ErrCredential, err)
	}

	direct := directFeasible(clientSymmetric, best.node)
	selected := model.SelectedRoute{
		RouteCandidate: best.candidate,
		RelayEndpoint:  relayEndpoint(best.node),
		NodeEndpoint: model.NodeEndpoint{
			NodeID:           best.node.ID,
			DirectConnection: direct,
		},
		SessionToken: credential.Username + ":" + credential.Password,
		ExpiresAt:    time.Now().Add(credential.TTL),
	}
	if direct && best.node.PublicKey != "" && best.node.NetworkInfo.LocalPort > 0 {
		selected.TunnelConfig = &model.TunnelConfig{
			ServerPublicKey: best.node.PublicKey,
			ServerEndpoint:  net.JoinHostPort(best.node.NetworkInfo.IPv4, strconv.Itoa(best.node.NetworkInfo.LocalPort)),
			ServerPort:      best.node.NetworkInfo.LocalPort,
			// Default is full-tunnel: route everything through the node.
			AllowedIPs: []string{"0.0.0.0/0", "::/0"},
		}
	}

	// Record the session on the chosen node so capacity accounting and
	// the node's token/expiry survive the request. A failed write-back
	// degrades bookkeeping, not the route itself.
	if err := s.nodes.AttachSession(ctx, best.node.ID, selected.SessionToken, selected.ExpiresAt); err != nil {
		s.log.Warn("session write-back failed",
			zap.String("node_id", best.node.ID), zap.Error(err))
	}

	routes := make([]model.RouteCandidate, 0, len(candidates))
	for _, c := range candidates {
		routes = append(routes, c.candidate)
	}

	s.log.Info("route selected",
		zap.String("client_id", req.ClientID),
		zap.String("node_id", best.node.ID),
		zap.Float64("cost", best.candidate.Cost),
		zap.Int("alternates", len(routes)-1),
		zap.Bool("direct", direct))

	return Selection{Routes: routes, SelectedRoute: selected}, nil
}

func cost(m Measurement) float64 {
	bw := float64(m.BandwidthMbps)
	if bw <= 0 {
		bw = 1
	}
	return latencyWeight*(m.LatencyMs/latencyRefMs) + bandwidthWeight*(bandwidthRefMbps/bw)
}

func (s *Selector) priority(req model.RouteRequest, node model.Node) int {
	p := 0
	if req.Requirements != nil {
		if req.Requirements.PreferredCountry != "" && node.Location.Country == req.Requirements.PreferredCountry {
			p += prioCountryMatch
		}
		if req.Requirements.PreferredLocation != "" && node.Location.Region == req.Requirements.PreferredLocation {
			p += prioRegionMatch
		}
	}
	if req.ClientNetworkInfo.NATType == model.NATSymmetric && node.Capabilities.NATTing {
		p += prioNATCompatible
	}
	// One point per spare-capacity quartile.
	if node.Capabilities.MaxConnections > 0 {
		spare := node.Capabilities.MaxConnections
		if node.ActiveSessions < spare {
			spare -= node.ActiveSessions
		} else {
			spare = 0
		}
		p += int(4 * spare / node.Capabilities.MaxConnections)
	}
	return p
}

func candidateType(clientSymmetric bool, node model.Node) string {
	if directFeasible(clientSymmetric, node) {
		return "direct"
	}
	return "relay"
}

// directFeasible rules out symmetric-to-symmetric pairing, which
// cannot hole-punch.
func directFeasible(clientSymmetric bool, node model.Node) bool {
	return !(clientSymmetric && node.NetworkInfo.NATType == model.NATSymmetric)
}

func relayEndpoint(node model.Node) string {
	port := node.NetworkInfo.LocalPort
	if port == 0 {
		port = 443
	}
	return "ws://" + net.JoinHostPort(node.NetworkInfo.IPv4, strconv.Itoa(port)) + "/relay"
}
