// ftcomm-ep accepts connections from hosts and prints every message it
// receives as
//
//	Host(<host>:<switch>): Session(<session>): MsgNum(<sequence>): Msg(<text>)
//
// and every connection failure as
//
//	ERROR_CALLBACK(<reason>): HOST(<host>:<switch>)
//
// It runs until SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/big-pixel-media/ftcomm"
)

var (
	bannerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)
)

func main() {
	var (
		topoPath     = flag.String("topology", "", "JSON topology file (default: built-in table)")
		name         = flag.String("name", "", "node name (default: hostname)")
		port         = flag.Int("port", ftcomm.DefaultPort, "listen port")
		listen       = flag.String("listen", "", "comma-separated listen addresses (default: all, on -port)")
		drainTimeout = flag.Duration("drain-timeout", 0, "bound on flushing connections at exit (0 = none)")
		userTimeout  = flag.Duration("tcp-user-timeout", 0, "TCP_USER_TIMEOUT for connections (linux, 0 = off)")
		adminAddr    = flag.String("admin", "", "admin HTTP address (empty = disabled)")
		logLevel     = flag.String("log", "warn", "log level: debug, info, warn, error")
	)
	flag.Parse()

	ftcomm.InitLogger(ftcomm.ParseLogLevel(*logLevel))

	opts := []ftcomm.Option{
		ftcomm.WithRole(ftcomm.RoleEndpoint),
		ftcomm.WithPort(*port),
		ftcomm.WithDrainTimeout(*drainTimeout),
		ftcomm.WithTCPUserTimeout(*userTimeout),
		ftcomm.WithAdminAddr(*adminAddr),
	}
	if *name != "" {
		opts = append(opts, ftcomm.WithNodeName(*name))
	}
	if *listen != "" {
		opts = append(opts, ftcomm.WithListenAddrs(strings.Split(*listen, ",")...))
	}
	if *topoPath != "" {
		topo, err := ftcomm.LoadTopologyFile(*topoPath)
		if err != nil {
			log.Fatalf("topology: %v", err)
		}
		opts = append(opts, ftcomm.WithTopology(topo))
	}

	onError := func(host, sw int, reason ftcomm.Reason) {
		fmt.Printf("ERROR_CALLBACK(%d): HOST(%d:%d)\n", int(reason), host, sw)
	}
	onData := func(host, sw int, session, sequence uint32, payload []byte) {
		fmt.Printf("Host(%d:%d): Session(%d): MsgNum(%d): Msg(%s)\n",
			host, sw, session, sequence, strings.TrimRight(string(payload), "\x00"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	comm, err := ftcomm.Init(initCtx, onError, onData, opts...)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render("endpoint init failed: "+err.Error()))
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, bannerStyle.Render(fmt.Sprintf("Endpoint started on %v: waiting for hosts", comm.Addrs())))

	if err := comm.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("serve: %v", err)
	}
	fmt.Fprintln(os.Stderr, bannerStyle.Render("Endpoint stopped"))
}
