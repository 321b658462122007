package main

import (
	"net/netip"
	"os"
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tunctl/internal/client"
)

// runSet parses "set" arguments in wg(8) token style and submits one batched
// mutation request.
func runSet(c *client.Client, name string, args []string) {
	req := client.SetRequest{Ifname: name}
	var cur *client.PeerRequest

	next := func(i *int, what string) string {
		*i++
		if *i >= len(args) {
			fatal("%s requires a value", what)
		}
		return args[*i]
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "listen-port":
			v, err := strconv.ParseUint(next(&i, "listen-port"), 10, 16)
			if err != nil {
				fatal("bad listen-port: %v", err)
			}
			port := uint16(v)
			req.ListenPort = &port
		case "fwmark":
			v, err := strconv.ParseUint(next(&i, "fwmark"), 0, 32)
			if err != nil {
				fatal("bad fwmark: %v", err)
			}
			mark := uint32(v)
			req.Fwmark = &mark
		case "private-key":
			key := keyFromFile(next(&i, "private-key"))
			req.PrivateKey = &key
		case "replace-peers":
			req.ReplacePeers = true
		case "peer":
			key, err := wgtypes.ParseKey(next(&i, "peer"))
			if err != nil {
				fatal("bad peer key: %v", err)
			}
			req.Peers = append(req.Peers, client.PeerRequest{PublicKey: key})
			cur = &req.Peers[len(req.Peers)-1]
		case "remove":
			peerArg(cur, "remove")
			cur.Remove = true
		case "preshared-key":
			path := next(&i, "preshared-key")
			peerArg(cur, "preshared-key")
			key := keyFromFile(path)
			cur.PresharedKey = &key
		case "endpoint":
			v := next(&i, "endpoint")
			peerArg(cur, "endpoint")
			ap, err := netip.ParseAddrPort(v)
			if err != nil {
				fatal("bad endpoint: %v", err)
			}
			cur.Endpoint = &ap
		case "persistent-keepalive":
			v := next(&i, "persistent-keepalive")
			peerArg(cur, "persistent-keepalive")
			secs, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				fatal("bad persistent-keepalive: %v", err)
			}
			ka := uint16(secs)
			cur.Keepalive = &ka
		case "replace-allowed-ips":
			peerArg(cur, "replace-allowed-ips")
			cur.ReplaceAllowedIPs = true
		case "allowed-ips":
			v := next(&i, "allowed-ips")
			peerArg(cur, "allowed-ips")
			for _, s := range strings.Split(v, ",") {
				pfx, err := netip.ParsePrefix(strings.TrimSpace(s))
				if err != nil {
					fatal("bad allowed-ips entry %q: %v", s, err)
				}
				cur.AllowedIPs = append(cur.AllowedIPs, pfx)
			}
		default:
			fatal("unknown argument: %s", args[i])
		}
	}

	if err := c.SetDevice(req); err != nil {
		fatal("configuring %s: %v", name, err)
	}
}

func peerArg(cur *client.PeerRequest, what string) {
	if cur == nil {
		fatal("%s must follow a peer", what)
	}
}

func keyFromFile(path string) wgtypes.Key {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("reading key file: %v", err)
	}
	key, err := wgtypes.ParseKey(strings.TrimSpace(string(data)))
	if err != nil {
		fatal("parsing key file %s: %v", path, err)
	}
	return key
}
