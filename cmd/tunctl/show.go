package main

import (
	"fmt"
	"strings"
	"time"

	"tunctl/internal/client"
)

func runShow(c *client.Client, name string) {
	dev, err := c.GetDevice(name)
	if err != nil {
		fatal("reading %s: %v", name, err)
	}

	fmt.Printf("interface: %s\n", dev.Ifname)
	if dev.PublicKey != nil {
		fmt.Printf("  public key: %s\n", dev.PublicKey)
	}
	if dev.PrivateKey != nil {
		fmt.Printf("  private key: (hidden)\n")
	}
	if dev.ListenPort != 0 {
		fmt.Printf("  listening port: %d\n", dev.ListenPort)
	}
	if dev.Fwmark != 0 {
		fmt.Printf("  fwmark: %#x\n", dev.Fwmark)
	}

	for _, p := range dev.Peers {
		fmt.Printf("\npeer: %s\n", p.PublicKey)
		if p.PresharedKey != nil && !allZero(p.PresharedKey[:]) {
			fmt.Printf("  preshared key: (hidden)\n")
		}
		if p.Endpoint.IsValid() {
			fmt.Printf("  endpoint: %s\n", p.Endpoint)
		}
		if len(p.AllowedIPs) > 0 {
			parts := make([]string, 0, len(p.AllowedIPs))
			for _, pfx := range p.AllowedIPs {
				parts = append(parts, pfx.String())
			}
			fmt.Printf("  allowed ips: %s\n", strings.Join(parts, ", "))
		}
		if !p.LastHandshake.IsZero() {
			fmt.Printf("  latest handshake: %s ago\n", time.Since(p.LastHandshake).Round(time.Second))
		}
		if p.RxBytes != 0 || p.TxBytes != 0 {
			fmt.Printf("  transfer: %s received, %s sent\n", sizeOf(p.RxBytes), sizeOf(p.TxBytes))
		}
		if p.KeepaliveInterval != 0 {
			fmt.Printf("  persistent keepalive: every %d seconds\n", p.KeepaliveInterval)
		}
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func sizeOf(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
