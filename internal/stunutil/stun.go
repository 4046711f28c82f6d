// Package stunutil discovers the client's externally visible address
// and classifies its NAT by comparing mappings across STUN servers.
package stunutil

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"

	"overlayctl/internal/model"
)

// Discover probes the STUN servers and assembles the client's network
// view. The mapped address belongs to the probe socket; it is a NAT
// classification hint, not a reusable endpoint for other sockets.
func Discover(ctx context.Context, servers []string, timeout time.Duration) (model.ClientNetworkInfo, error) {
	info := model.ClientNetworkInfo{NATType: model.NATUnknown}
	if host := localIPv4(); host != "" {
		info.IPv4 = host
	}

	if len(servers) == 0 {
		return info, nil
	}

	results := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		results = append(results, addr)
	}
	if len(results) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return info, lastErr
	}

	info.STUNMappedAddress = results[0]
	info.NATType = Classify(results)
	return info, nil
}

// Classify infers the NAT type from mapped addresses seen by
// different servers: differing mappings mean symmetric NAT. A single
// sample cannot distinguish cone variants, so it stays unknown.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return model.NATUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return model.NATSymmetric
		}
	}
	return model.NATFullCone
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// localIPv4 finds the host's preferred outbound IPv4 without sending
// traffic.
func localIPv4() string {
	conn, err := net.Dial("udp4", "198.51.100.1:9")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
