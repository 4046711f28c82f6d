package tunnel

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"overlayctl/internal/execx"
	"overlayctl/internal/model"
)

// Manager programs the tunnel interface with ip/wg commands. The
// runner is injectable so unit tests never touch host networking.
type Manager struct {
	r execx.Runner
}

// NewManager wraps a runner; nil falls back to the host runner.
func NewManager(r execx.Runner) *Manager {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Manager{r: r}
}

// Up creates the interface, assigns the address and installs the
// peer from the route's tunnel config.
func (m *Manager) Up(p Params, cfg model.TunnelConfig) error {
	if p.Interface == "" {
		return fmt.Errorf("tunnel interface name is required")
	}
	if err := m.ensureInterface(p.Interface); err != nil {
		return err
	}
	if err := m.r.Run("ip", "address", "replace", p.Address, "dev", p.Interface); err != nil {
		return err
	}
	if p.MTU > 0 {
		if err := m.r.Run("ip", "link", "set", "dev", p.Interface, "mtu", strconv.Itoa(p.MTU)); err != nil {
			return err
		}
	}
	if err := m.r.Run("ip", "link", "set", "dev", p.Interface, "up"); err != nil {
		return err
	}

	args := []string{"set", p.Interface, "peer", cfg.ServerPublicKey, "endpoint", cfg.ServerEndpoint}
	allowed := cfg.AllowedIPs
	if len(allowed) == 0 {
		allowed = []string{"0.0.0.0/0", "::/0"}
	}
	args = append(args, "allowed-ips", strings.Join(allowed, ","))
	return m.r.Run("wg", args...)
}

// Down removes the interface. Missing interfaces are tolerated so
// teardown stays idempotent.
func (m *Manager) Down(iface string) error {
	if iface == "" {
		return fmt.Errorf("tunnel interface name is required")
	}
	if err := m.r.Run("ip", "link", "show", iface); err != nil {
		return nil
	}
	return m.r.Run("ip", "link", "delete", "dev", iface)
}

// LocalEndpoint reports the interface's listen port as seen by wg.
func (m *Manager) LocalEndpoint(iface string) (int, error) {
	out, err := m.r.Output("wg", "show", iface, "listen-port")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func (m *Manager) ensureInterface(iface string) error {
	if err := m.r.Run("ip", "link", "show", iface); err == nil {
		return nil
	}
	return m.r.Run("ip", "link", "add", "dev", iface, "type", "wireguard")
}
