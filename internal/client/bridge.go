package client

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// bridge binds the relay channel to the tunnel's local UDP socket so
// tunnel packets can fall back to the relay path.
type bridge struct {
	conn *net.UDPConn
	log  *zap.Logger

	mu      sync.Mutex
	stopped bool
}

func startBridge(tunnelPort int, relayConn RelayConn, log *zap.Logger) (*bridge, error) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tunnelPort}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing tunnel socket: %w", err)
	}

	b := &bridge{conn: conn, log: log}
	go b.readLoop(relayConn)
	log.Info("traffic bridging started", zap.Int("tunnel_port", tunnelPort))
	return b, nil
}

// readLoop forwards tunnel-originated packets out over the relay.
func (b *bridge) readLoop(relayConn RelayConn) {
	buf := make([]byte, 65535)
	for {
		n, err := b.conn.Read(buf)
		if err != nil {
			b.mu.Lock()
			stopped := b.stopped
			b.mu.Unlock()
			if !stopped {
				b.log.Warn("bridge read failed", zap.Error(err))
			}
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		relayConn.SendPacket(packet)
	}
}

// deliver injects a relay-received packet into the tunnel socket.
func (b *bridge) deliver(payload []byte) {
	if _, err := b.conn.Write(payload); err != nil {
		b.log.Warn("bridge write failed", zap.Error(err))
	}
}

func (b *bridge) stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	_ = b.conn.Close()
}
