package tunnel

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"overlayctl/internal/execx"
	"overlayctl/internal/model"
)

// Stats is the tunnel's liveness view, parsed from the interface
// dump.
type Stats struct {
	PeerPublicKey string
	Endpoint      string
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// Alive reports whether a handshake completed within window.
func (s Stats) Alive(now time.Time, window time.Duration) bool {
	return !s.LastHandshake.IsZero() && now.Sub(s.LastHandshake) <= window
}

// Session owns one direct tunnel's lifecycle. It is coordinated by
// the connection orchestrator but knows nothing about the relay.
type Session struct {
	params  Params
	manager *Manager
	log     *zap.Logger

	mu     sync.Mutex
	cfg    model.TunnelConfig
	active bool
}

// NewSession builds a session with the given local parameters.
func NewSession(params Params, runner execx.Runner, log *zap.Logger) *Session {
	return &Session{params: params, manager: NewManager(runner), log: log}
}

// Start brings the tunnel up against the route's tunnel config.
// Starting an active session reconfigures it in place.
func (s *Session) Start(cfg model.TunnelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.manager.Up(s.params, cfg); err != nil {
		return fmt.Errorf("tunnel up: %w", err)
	}
	s.cfg = cfg
	s.active = true
	s.log.Info("tunnel up",
		zap.String("interface", s.params.Interface),
		zap.String("endpoint", cfg.ServerEndpoint))
	return nil
}

// Stop tears the tunnel down. Stopping an inactive session is a
// no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil
	}
	s.active = false
	if err := s.manager.Down(s.params.Interface); err != nil {
		return fmt.Errorf("tunnel down: %w", err)
	}
	s.log.Info("tunnel down", zap.String("interface", s.params.Interface))
	return nil
}

// Active reports whether the tunnel is up.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Config returns the route config the tunnel was started with.
func (s *Session) Config() model.TunnelConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// LocalPort returns the tunnel's UDP listen port for relay
// registration.
func (s *Session) LocalPort() (int, error) {
	return s.manager.LocalEndpoint(s.params.Interface)
}

// Stats reads the current liveness stats from the interface.
func (s *Session) Stats() (Stats, error) {
	out, err := s.manager.r.Output("wg", "show", s.params.Interface, "dump")
	if err != nil {
		return Stats{}, err
	}
	return ParseDumpStats(out)
}

// ParseDumpStats extracts the first peer's stats from a wg dump. The
// first line is interface info; peer lines carry
// pubkey, psk, endpoint, allowed-ips, handshake, rx, tx, keepalive.
func ParseDumpStats(dump string) (Stats, error) {
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	if len(lines) < 2 {
		return Stats{}, fmt.Errorf("no peer in interface dump")
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 7 {
		return Stats{}, fmt.Errorf("malformed peer line %q", lines[1])
	}

	stats := Stats{PeerPublicKey: fields[0]}
	if fields[2] != "(none)" {
		stats.Endpoint = fields[2]
	}
	if secs, err := strconv.ParseInt(fields[4], 10, 64); err == nil && secs > 0 {
		stats.LastHandshake = time.Unix(secs, 0)
	}
	if rx, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
		stats.RxBytes = rx
	}
	if tx, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
		stats.TxBytes = tx
	}
	return stats, nil
}
