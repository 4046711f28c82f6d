package tunnel

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"overlayctl/internal/model"
)

// fakeRunner records commands and returns scripted results.
type fakeRunner struct {
	commands []string
	failOn   string
	outputs  map[string]string
}

func (f *fakeRunner) Run(name string, args ...string) error {
	cmd := name + " " + strings.Join(args, " ")
	f.commands = append(f.commands, cmd)
	if f.failOn != "" && strings.HasPrefix(cmd, f.failOn) {
		return fmt.Errorf("exit status 1")
	}
	return nil
}

func (f *fakeRunner) Output(name string, args ...string) (string, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.commands = append(f.commands, cmd)
	out, ok := f.outputs[cmd]
	if !ok {
		return "", fmt.Errorf("no scripted output for %q", cmd)
	}
	return out, nil
}

func testParams() Params {
	return Params{
		Interface:  "ovl0",
		PrivateKey: "privkey",
		Address:    "10.8.0.2/32",
		MTU:        1280,
	}
}

func testTunnelConfig() model.TunnelConfig {
	return model.TunnelConfig{
		ServerPublicKey: "pubkey",
		ServerEndpoint:  "203.0.113.7:51820",
		AllowedIPs:      []string{"0.0.0.0/0"},
	}
}

func TestRenderConfig(t *testing.T) {
	t.Parallel()

	out, err := RenderConfig(testParams(), testTunnelConfig())
	require.NoError(t, err)
	require.Contains(t, out, "PrivateKey = privkey")
	require.Contains(t, out, "Address = 10.8.0.2/32")
	require.Contains(t, out, "MTU = 1280")
	require.Contains(t, out, "PublicKey = pubkey")
	require.Contains(t, out, "Endpoint = 203.0.113.7:51820")
	require.Contains(t, out, "AllowedIPs = 0.0.0.0/0")
}

func TestRenderConfig_DefaultsToFullTunnel(t *testing.T) {
	t.Parallel()

	cfg := testTunnelConfig()
	cfg.AllowedIPs = nil
	out, err := RenderConfig(testParams(), cfg)
	require.NoError(t, err)
	require.Contains(t, out, "AllowedIPs = 0.0.0.0/0, ::/0")
}

func TestRenderConfig_Validation(t *testing.T) {
	t.Parallel()

	p := testParams()
	p.PrivateKey = ""
	_, err := RenderConfig(p, testTunnelConfig())
	require.Error(t, err)

	cfg := testTunnelConfig()
	cfg.ServerEndpoint = ""
	_, err = RenderConfig(testParams(), cfg)
	require.Error(t, err)
}

func TestSession_StartStop(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{failOn: "ip link show"} // interface does not exist yet
	s := NewSession(testParams(), r, zaptest.NewLogger(t))

	require.NoError(t, s.Start(testTunnelConfig()))
	require.True(t, s.Active())
	require.Contains(t, r.commands, "ip link add dev ovl0 type wireguard")
	require.Contains(t, r.commands, "ip address replace 10.8.0.2/32 dev ovl0")
	require.Contains(t, r.commands, "wg set ovl0 peer pubkey endpoint 203.0.113.7:51820 allowed-ips 0.0.0.0/0")

	r.failOn = "" // interface now "exists", Down will delete it
	require.NoError(t, s.Stop())
	require.False(t, s.Active())
	require.Contains(t, r.commands, "ip link delete dev ovl0")

	// Second stop is a no-op.
	n := len(r.commands)
	require.NoError(t, s.Stop())
	require.Equal(t, n, len(r.commands))
}

func TestSession_StartFailure(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{failOn: "ip address replace"}
	s := NewSession(testParams(), r, zaptest.NewLogger(t))
	require.Error(t, s.Start(testTunnelConfig()))
	require.False(t, s.Active())
}

func TestParseDumpStats(t *testing.T) {
	t.Parallel()

	handshake := time.Now().Add(-30 * time.Second).Unix()
	dump := "ovl0\t(priv)\t(pub)\t51820\toff\n" +
		fmt.Sprintf("peerkey\t(none)\t203.0.113.7:51820\t0.0.0.0/0\t%d\t1024\t2048\toff\n", handshake)

	stats, err := ParseDumpStats(dump)
	require.NoError(t, err)
	require.Equal(t, "peerkey", stats.PeerPublicKey)
	require.Equal(t, "203.0.113.7:51820", stats.Endpoint)
	require.Equal(t, int64(1024), stats.RxBytes)
	require.Equal(t, int64(2048), stats.TxBytes)
	require.True(t, stats.Alive(time.Now(), 3*time.Minute))
	require.False(t, stats.Alive(time.Now().Add(10*time.Minute), 3*time.Minute))
}

func TestParseDumpStats_NoPeer(t *testing.T) {
	t.Parallel()

	_, err := ParseDumpStats("ovl0\t(priv)\t(pub)\t51820\toff\n")
	require.Error(t, err)
}
