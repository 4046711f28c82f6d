package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_ReservedLeadByteIsPacket(t *testing.T) {
	t.Parallel()

	for lead := byte(0x01); lead <= 0x04; lead++ {
		payload := append([]byte{lead}, []byte(`{"type":"ping"}`)...)
		frame := DecodeFrame(payload)
		require.Nil(t, frame.Control, "lead byte 0x%02x", lead)
		require.Equal(t, payload, frame.Packet)
	}
}

func TestDecodeFrame_JSONControl(t *testing.T) {
	t.Parallel()

	frame := DecodeFrame([]byte(`{"type":"ping","session_id":"s1"}`))
	require.NotNil(t, frame.Control)
	require.Equal(t, TypePing, frame.Control.Type)
	require.Equal(t, "s1", frame.Control.SessionID)
}

func TestDecodeFrame_MalformedJSONPassesThrough(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"type":`)
	frame := DecodeFrame(payload)
	require.Nil(t, frame.Control)
	require.Equal(t, payload, frame.Packet)
}

func TestDecodeFrame_JSONWithoutTypeIsOpaque(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"foo":"bar"}`)
	frame := DecodeFrame(payload)
	require.Nil(t, frame.Control)
	require.Equal(t, payload, frame.Packet)
}

func TestPacketMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte{0x01, 0x02, 0xff, 0x00}
	msg := PacketMessage(raw, "s1")
	require.Equal(t, TypePacket, msg.Type)

	encoded, err := json.Marshal(msg)
	require.NoError(t, err)

	frame := DecodeFrame(encoded)
	require.NotNil(t, frame.Control)
	data, err := frame.Control.PacketData()
	require.NoError(t, err)
	require.Equal(t, raw, data)
}
