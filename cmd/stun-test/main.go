// Command stun-test runs the STUN Engine standalone, resolving a
// daemon's external address against one or more servers without a live
// overlay router (SPEC_FULL.md SUPPLEMENTED FEATURES item 2, ported from
// original_source/src/bin/stun-test.rs and stun-tcp.rs).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/config"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/stunengine"
)

// defaultServers mirrors ConfigInner::default's built-in STUN server list,
// used when -default is passed instead of (or alongside) explicit servers.
var defaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

func main() {
	var (
		useTCP       = flag.Bool("tcp", false, "resolve over TCP instead of UDP")
		useIPv6      = flag.Bool("6", false, "bind the probing socket on IPv6 instead of IPv4")
		useDefault   = flag.Bool("default", false, "append the built-in default server list")
		configPath   = flag.String("config", "", "read the server list from this daemon config file")
		printServers = flag.Bool("print-servers", false, "print the server alongside each resolved address")
		noCheck      = flag.Bool("no-check", false, "skip the address-family and cross-server consistency checks")
		failFast     = flag.Bool("fail-fast", false, "exit on the first failed lookup instead of continuing")
		verbose      = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, NoColor: !isTerminal()}))
	slog.SetDefault(logger)

	servers := flag.Args()
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		servers = append(servers, cfg.StunServers...)
	}
	if *useDefault {
		servers = append(servers, defaultServers...)
	}
	if len(servers) == 0 {
		logger.Error("no servers given: pass servers as arguments, or use -config / -default")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, servers, *useTCP, *useIPv6, *printServers, !*noCheck, *failFast); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, servers []string, useTCP, useIPv6, printServers, check, failFast bool) error {
	network := "udp4"
	if useIPv6 {
		network = "udp6"
	}

	var conn *net.UDPConn
	if !useTCP {
		c, err := net.ListenUDP(network, nil)
		if err != nil {
			log.Error("failed to open probing socket", "error", err)
			return err
		}
		defer c.Close()
		conn = c
	}

	var lastAddr netip.Addr
	haveLast := false
	var failed bool

	for _, server := range servers {
		addr, err := resolve(ctx, conn, server, useTCP)
		if err != nil {
			log.Error("lookup failed", "server", server, "error", err)
			failed = true
			if failFast {
				return err
			}
			continue
		}

		if check {
			if addr.Addr().Is4() != !useIPv6 {
				log.Error("resolved address has wrong address family", "server", server, "received", addr)
				failed = true
				if failFast {
					return fmt.Errorf("stun-test: address family mismatch from %s", server)
				}
				continue
			}
			if haveLast && lastAddr != addr.Addr() {
				log.Error("previously resolved address does not match", "server", server, "received", addr)
				failed = true
				if failFast {
					return fmt.Errorf("stun-test: inconsistent external address from %s", server)
				}
				continue
			}
			lastAddr, haveLast = addr.Addr(), true
		}

		if printServers {
			fmt.Printf("%s ", server)
		}
		fmt.Println(addr)
	}

	if failed {
		return fmt.Errorf("stun-test: one or more lookups failed")
	}
	return nil
}

func resolve(ctx context.Context, conn *net.UDPConn, server string, useTCP bool) (netip.AddrPort, error) {
	if useTCP {
		return stunengine.LookupExternalTCP(ctx, server, 5*time.Second)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", server, err)
	}
	return stunengine.LookupExternalUDP(ctx, conn, udpAddr, 4*time.Second, 3, true)
}

func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
