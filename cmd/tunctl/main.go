package main

import (
	"flag"
	"fmt"
	"os"

	"tunctl/internal/client"
)

const defaultSocket = "/var/run/tunctl/ctrl.sock"

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  tunctl [-socket path] show <device>
  tunctl [-socket path] set <device> [listen-port <port>] [fwmark <mark>]
         [private-key <file>] [replace-peers]
         [peer <base64-key> [remove] [preshared-key <file>] [endpoint <ip:port>]
          [persistent-keepalive <seconds>] [replace-allowed-ips]
          [allowed-ips <cidr>[,<cidr>...]]]...
`)
	os.Exit(2)
}

func main() {
	socket := flag.String("socket", defaultSocket, "control socket path")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	c, err := client.Dial(*socket)
	if err != nil {
		fatal("connecting to %s: %v", *socket, err)
	}
	defer c.Close()

	switch args[0] {
	case "show", "get":
		if len(args) != 2 {
			usage()
		}
		runShow(c, args[1])
	case "set":
		runSet(c, args[1], args[2:])
	default:
		usage()
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "tunctl: "+format+"\n", args...)
	os.Exit(1)
}
