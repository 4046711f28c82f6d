package api

import "overlayctl/internal/model"

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthOK is the only status value the client treats as healthy.
const HealthOK = "healthy"

// RouteResponse answers a route request with the ranked candidates
// and the selected route.
type RouteResponse struct {
	Routes        []model.RouteCandidate `json:"routes"`
	SelectedRoute model.SelectedRoute    `json:"selected_route"`
}

// RelayEndpointRequest announces the local UDP endpoint a client's
// tunnel listens on, so the selected node can reach back through the
// relay.
type RelayEndpointRequest struct {
	ClientID     string `json:"client_id"`
	NodeID       string `json:"node_id"`
	SessionToken string `json:"session_token"`
	LocalPort    int    `json:"local_port"`
	MappedAddr   string `json:"mapped_addr,omitempty"`
}

// ErrorResponse is the body of any non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
