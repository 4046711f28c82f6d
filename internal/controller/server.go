// Package controller exposes the control plane over HTTP: node
// registration and heartbeats, route requests, health, and the
// websocket relay endpoint.
package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"overlayctl/internal/api"
	"overlayctl/internal/config"
	"overlayctl/internal/cred"
	"overlayctl/internal/model"
	"overlayctl/internal/registry"
	"overlayctl/internal/relay"
	"overlayctl/internal/route"
	"overlayctl/internal/store"
)

// Server wires the registry, selector and relay endpoint together.
type Server struct {
	cfg      config.ControllerConfig
	registry *registry.Registry
	selector *route.Selector
	log      *zap.Logger
	upgrader websocket.Upgrader

	// endpointsMu guards relay endpoint announcements from clients.
	endpointsMu sync.Mutex
	endpoints   map[string]api.RelayEndpointRequest

	// relayMu guards the legs of relayed sessions, keyed by token.
	relayMu   sync.Mutex
	relayLegs map[string][]*relayLeg
}

type relayLeg struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewServer constructs a controller from its config.
func NewServer(cfg config.ControllerConfig, measure route.Measurer, log *zap.Logger) (*Server, error) {
	if cfg.RelaySecret == "" {
		return nil, fmt.Errorf("relay secret is required")
	}

	nodeStore := store.NewFileStore(filepath.Join(cfg.DataDir, "nodes.yaml"))
	cache := store.NewLRUCache(cfg.CacheSize, time.Duration(cfg.CacheTTLSec)*time.Second)
	reg := registry.New(nodeStore, cache, log,
		registry.WithLivenessWindow(time.Duration(cfg.LivenessWindowSec)*time.Second))

	selector := route.NewSelector(reg, &cred.Issuer{}, measure, route.Config{
		Realm:      cfg.RelayRealm,
		Secret:     cfg.RelaySecret,
		SessionTTL: time.Duration(cfg.SessionTTLSec) * time.Second,
	}, log)

	return &Server{
		cfg:        cfg,
		registry:   reg,
		selector:   selector,
		log:        log,
		endpoints: make(map[string]api.RelayEndpointRequest),
		relayLegs: make(map[string][]*relayLeg),
	}, nil
}

// Registry exposes the node registry for CLI status views.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/nodes", s.handleNodes)
	mux.HandleFunc("/api/v1/nodes/", s.handleNodeByID)
	mux.HandleFunc("/api/v1/routes", s.handleRoutes)
	mux.HandleFunc("/api/v1/relay-endpoints", s.handleRelayEndpoints)
	mux.HandleFunc("/relay", s.handleRelay)
	return mux
}

// ListenAndServe runs the HTTP server until it fails.
func (s *Server) ListenAndServe() error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("controller listening", zap.String("addr", s.cfg.Listen))
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: api.HealthOK})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var node model.Node
	if err := decodeJSON(r, &node); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if node.ID == "" || node.PublicKey == "" {
		writeJSONError(w, http.StatusBadRequest, "node_id and public_key are required")
		return
	}

	registered, err := s.registry.Register(r.Context(), node)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, registered)
}

func (s *Server) handleNodeByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/nodes/")
	nodeID, action, _ := strings.Cut(rest, "/")
	if nodeID == "" {
		writeJSONError(w, http.StatusBadRequest, "node id required")
		return
	}

	switch {
	case action == "heartbeat" && r.Method == http.MethodPost:
		err := s.registry.Heartbeat(r.Context(), nodeID)
		switch {
		case errors.Is(err, registry.ErrUnknownNode):
			writeJSONError(w, http.StatusNotFound, err.Error())
		case err != nil:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	case action == "" && r.Method == http.MethodGet:
		node, err := s.registry.Get(r.Context(), nodeID)
		switch {
		case errors.Is(err, registry.ErrUnknownNode):
			writeJSONError(w, http.StatusNotFound, err.Error())
		case err != nil:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusOK, node)
		}
	case action == "" && r.Method == http.MethodDelete:
		if err := s.registry.Deregister(r.Context(), nodeID); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req model.RouteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID == "" {
		writeJSONError(w, http.StatusBadRequest, "client_id required")
		return
	}

	selection, err := s.selector.Select(r.Context(), req)
	switch {
	case errors.Is(err, route.ErrNoViableRoute):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, route.ErrCredential):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, api.RouteResponse{
			Routes:        selection.Routes,
			SelectedRoute: selection.SelectedRoute,
		})
	}
}

func (s *Server) handleRelayEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.RelayEndpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID == "" || req.NodeID == "" {
		writeJSONError(w, http.StatusBadRequest, "client_id and node_id required")
		return
	}
	if err := s.verifyToken(req.SessionToken); err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	s.endpointsMu.Lock()
	s.endpoints[req.ClientID] = req
	s.endpointsMu.Unlock()
	s.log.Debug("relay endpoint announced",
		zap.String("client_id", req.ClientID),
		zap.String("node_id", req.NodeID),
		zap.Int("local_port", req.LocalPort))
	w.WriteHeader(http.StatusNoContent)
}

// handleRelay upgrades the connection and bridges frames. The first
// leg of a session is held; when the second leg with the same token
// arrives, frames forward between them. A lone leg gets its packets
// echoed, which keeps single-ended liveness observable.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if err := s.verifyToken(token); err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	leg := &relayLeg{conn: conn}

	s.relayMu.Lock()
	s.relayLegs[token] = append(s.relayLegs[token], leg)
	s.relayMu.Unlock()

	s.log.Info("relay leg connected")
	defer func() {
		s.relayMu.Lock()
		legs := s.relayLegs[token][:0]
		for _, l := range s.relayLegs[token] {
			if l != leg {
				legs = append(legs, l)
			}
		}
		if len(legs) == 0 {
			delete(s.relayLegs, token)
		} else {
			s.relayLegs[token] = legs
		}
		s.relayMu.Unlock()
		conn.Close()
	}()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame := relay.DecodeFrame(payload)
		if frame.Control != nil && frame.Control.Type == relay.TypePing {
			leg.write(websocket.TextMessage, mustJSON(relay.ControlMessage{
				Type:      relay.TypePong,
				SessionID: frame.Control.SessionID,
			}))
			continue
		}
		s.peerOf(token, leg).write(mt, payload)
	}
}

// peerOf returns the session's other leg if one is connected,
// otherwise the leg itself so lone-ended traffic echoes back.
func (s *Server) peerOf(token string, leg *relayLeg) *relayLeg {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	for _, l := range s.relayLegs[token] {
		if l != leg {
			return l
		}
	}
	return leg
}

func (l *relayLeg) write(messageType int, payload []byte) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.WriteMessage(messageType, payload)
}

func (s *Server) verifyToken(token string) error {
	username, password, err := cred.SplitToken(token)
	if err != nil {
		return fmt.Errorf("invalid session token")
	}
	if err := cred.Verify(s.cfg.RelaySecret, username, password, time.Now()); err != nil {
		return fmt.Errorf("session token rejected: %w", err)
	}
	return nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}
