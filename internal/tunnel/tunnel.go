// Package tunnel owns the client side of the direct encrypted tunnel:
// interface parameters, rendered configuration and liveness stats.
// Actual packet encryption is the tunnel protocol's job; this package
// only programs the interface.
package tunnel

import (
	"fmt"
	"strings"

	"overlayctl/internal/model"
)

// Params are the local half of a tunnel session.
type Params struct {
	Interface  string
	PrivateKey string
	Address    string
	ListenPort int
	MTU        int
}

// RenderConfig renders a WireGuard-style config for the selected
// route's tunnel.
func RenderConfig(p Params, cfg model.TunnelConfig) (string, error) {
	if p.PrivateKey == "" {
		return "", fmt.Errorf("tunnel private key is required")
	}
	if p.Address == "" {
		return "", fmt.Errorf("tunnel address is required")
	}
	if cfg.ServerPublicKey == "" {
		return "", fmt.Errorf("server public key is required")
	}
	if cfg.ServerEndpoint == "" {
		return "", fmt.Errorf("server endpoint is required")
	}

	allowed := cfg.AllowedIPs
	if len(allowed) == 0 {
		allowed = []string{"0.0.0.0/0", "::/0"}
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", p.Address)
	if p.MTU > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", p.MTU)
	}
	if p.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", p.ListenPort)
	}

	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", cfg.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", cfg.ServerEndpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	return b.String(), nil
}
