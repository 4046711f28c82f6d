package relay

import (
	"encoding/base64"
	"encoding/json"
)

// Control message types carried in JSON envelopes on the relay
// channel.
const (
	TypePacket = "packet"
	TypePing   = "ping"
	TypePong   = "pong"
	TypeError  = "error"
)

// Tunnel frames are recognized by their leading byte: the tunnel
// protocol's handshake and data message types occupy 0x01..0x04.
// Anything outside that range is treated as a JSON control envelope.
// This heuristic is load-bearing for wire compatibility; do not
// widen the range without changing the wire format as a whole.
const (
	packetLeadMin = 0x01
	packetLeadMax = 0x04
)

// ControlMessage is the JSON envelope for non-packet traffic.
type ControlMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// PacketData decodes the base64 payload of a packet-type envelope.
func (m ControlMessage) PacketData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Data)
}

// PacketMessage wraps raw bytes into a packet-type envelope for when
// binary framing is unavailable.
func PacketMessage(payload []byte, sessionID string) ControlMessage {
	return ControlMessage{
		Type:      TypePacket,
		Data:      base64.StdEncoding.EncodeToString(payload),
		SessionID: sessionID,
	}
}

// Frame is one decoded unit from the relay channel: either a raw
// tunnel packet or a control envelope, never both.
type Frame struct {
	Packet  []byte
	Control *ControlMessage
}

// DecodeFrame classifies an incoming payload. A leading byte in the
// reserved tunnel range means a raw packet; otherwise the payload is
// parsed as JSON, and if that fails it is passed through as an opaque
// packet rather than dropped.
func DecodeFrame(payload []byte) Frame {
	if len(payload) > 0 && payload[0] >= packetLeadMin && payload[0] <= packetLeadMax {
		return Frame{Packet: payload}
	}
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
		return Frame{Packet: payload}
	}
	return Frame{Control: &msg}
}
