package model

import "time"

// NAT type classifications reported by nodes and clients.
const (
	NATFullCone       = "full_cone"
	NATRestrictedCone = "restricted_cone"
	NATPortRestricted = "port_restricted"
	NATSymmetric      = "symmetric"
	NATUnknown        = "unknown"
)

// Node status values.
const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusDegraded = "degraded"
)

// NetworkInfo describes how a node can be reached.
type NetworkInfo struct {
	IPv4              string `json:"ipv4" yaml:"ipv4"`
	IPv6              string `json:"ipv6,omitempty" yaml:"ipv6,omitempty"`
	NATType           string `json:"nat_type" yaml:"nat_type"`
	STUNMappedAddress string `json:"stun_mapped_address,omitempty" yaml:"stun_mapped_address,omitempty"`
	LocalPort         int    `json:"local_port" yaml:"local_port"`
}

// Bandwidth is the advertised up/down capacity in Mbps.
type Bandwidth struct {
	Up   uint `json:"up" yaml:"up"`
	Down uint `json:"down" yaml:"down"`
}

// Capabilities advertises what a node can do for routed clients.
type Capabilities struct {
	MaxConnections uint      `json:"max_connections" yaml:"max_connections"`
	Bandwidth      Bandwidth `json:"bandwidth" yaml:"bandwidth"`
	Routing        bool      `json:"routing" yaml:"routing"`
	NATTing        bool      `json:"natting" yaml:"natting"`
}

// Location is the node's coarse geographic position.
type Location struct {
	Country     string     `json:"country" yaml:"country"`
	Region      string     `json:"region" yaml:"region"`
	Coordinates [2]float64 `json:"coordinates" yaml:"coordinates"`
}

// Node is a registered overlay peer. ID is immutable after creation
// and is the sole identity key.
type Node struct {
	ID             string       `json:"node_id" yaml:"node_id"`
	PublicKey      string       `json:"public_key" yaml:"public_key"`
	NetworkInfo    NetworkInfo  `json:"network_info" yaml:"network_info"`
	Capabilities   Capabilities `json:"capabilities" yaml:"capabilities"`
	Location       Location     `json:"location" yaml:"location"`
	Status         string       `json:"status" yaml:"status"`
	RegisteredAt   time.Time    `json:"registered_at" yaml:"registered_at"`
	LastHeartbeat  time.Time    `json:"last_heartbeat" yaml:"last_heartbeat"`
	ActiveSessions uint         `json:"active_sessions" yaml:"active_sessions"`
	SessionToken   string       `json:"session_token,omitempty" yaml:"session_token,omitempty"`
	// ExpiresAt is a pointer so an idle node omits the field on the
	// wire; time.Time's zero value would not.
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Requirements are the optional constraints of a route request.
type Requirements struct {
	MinBandwidth      uint   `json:"min_bandwidth,omitempty"`
	MaxLatencyMs      uint   `json:"max_latency_ms,omitempty"`
	PreferredLocation string `json:"preferred_location,omitempty"`
	PreferredCountry  string `json:"preferred_country,omitempty"`
}

// ClientNetworkInfo is the client's view of its own network.
type ClientNetworkInfo struct {
	IPv4              string `json:"ipv4"`
	NATType           string `json:"nat_type"`
	STUNMappedAddress string `json:"stun_mapped_address,omitempty"`
}

// RouteRequest asks the control plane for a path into the overlay.
// It is ephemeral and never persisted.
type RouteRequest struct {
	ClientID          string            `json:"client_id"`
	TargetNodeID      string            `json:"target_node_id,omitempty"`
	Requirements      *Requirements     `json:"requirements,omitempty"`
	ClientNetworkInfo ClientNetworkInfo `json:"client_network_info"`
}

// RouteCandidate is a scored path produced fresh per request. It is
// never mutated after creation.
type RouteCandidate struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type"`
	Path               []string `json:"path"`
	EstimatedLatencyMs float64  `json:"estimated_latency_ms"`
	EstimatedBandwidth uint     `json:"estimated_bandwidth"`
	Cost               float64  `json:"cost"`
	Priority           int      `json:"priority"`
}

// TunnelConfig carries the parameters a client needs to bring up a
// direct tunnel to the selected node. The control plane produces it;
// interface programming is delegated to the tunnel manager.
type TunnelConfig struct {
	ServerPublicKey string   `json:"server_public_key"`
	ServerEndpoint  string   `json:"server_endpoint"`
	ServerPort      int      `json:"server_port,omitempty"`
	AllowedIPs      []string `json:"allowed_ips,omitempty"`
}

// NodeEndpoint identifies the selected node and whether a direct
// connection is feasible.
type NodeEndpoint struct {
	NodeID           string `json:"node_id"`
	DirectConnection bool   `json:"direct_connection"`
}

// SelectedRoute is the chosen candidate plus session credentials. It
// is owned by the requesting client until ExpiresAt and must be
// re-requested after that; the selector never renews it silently.
type SelectedRoute struct {
	RouteCandidate
	RelayEndpoint string        `json:"relay_endpoint"`
	NodeEndpoint  NodeEndpoint  `json:"node_endpoint"`
	SessionToken  string        `json:"session_token"`
	ExpiresAt     time.Time     `json:"expires_at"`
	TunnelConfig  *TunnelConfig `json:"tunnel_config,omitempty"`
}

// Expired reports whether the route's session credential has lapsed.
func (r *SelectedRoute) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// ClientStatus is the client-held session view. Derived from the last
// SelectedRoute and transport events, never persisted.
type ClientStatus struct {
	Connected     bool   `json:"connected"`
	NodeID        string `json:"node_id,omitempty"`
	RouteID       string `json:"route_id,omitempty"`
	SessionToken  string `json:"session_token,omitempty"`
	RelayEndpoint string `json:"relay_endpoint,omitempty"`
}
