// ftcomm-host connects to every endpoint over every switch and broadcasts
// messages to them.
//
// Modes:
//
//	ftcomm-host            send 10 demo messages, one per second
//	ftcomm-host -i         send each stdin line; exit on EOF
//	ftcomm-host -tui       interactive console
//
// Link failures are printed to stdout as
//
//	ERROR_CALLBACK(<reason>): EP(<endpoint>:<switch>)
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/big-pixel-media/ftcomm"
)

var warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)

func main() {
	var (
		interactive  = flag.Bool("i", false, "send one message per stdin line")
		useTUI       = flag.Bool("tui", false, "run the interactive console")
		count        = flag.Int("n", 10, "demo messages to send")
		interval     = flag.Duration("interval", time.Second, "delay between demo messages")
		topoPath     = flag.String("topology", "", "JSON topology file (default: built-in table)")
		name         = flag.String("name", "", "node name (default: hostname)")
		port         = flag.Int("port", ftcomm.DefaultPort, "endpoint port")
		retries      = flag.Int("retries", 3, "dial attempts per link")
		retryEvery   = flag.Duration("retry-interval", 5*time.Second, "wait between dial attempts")
		connTimeout  = flag.Duration("conn-timeout", 5*time.Second, "bound on one dial attempt")
		drainTimeout = flag.Duration("drain-timeout", 0, "bound on flushing links at exit (0 = none)")
		userTimeout  = flag.Duration("tcp-user-timeout", 0, "TCP_USER_TIMEOUT for links (linux, 0 = off)")
		adminAddr    = flag.String("admin", "", "admin HTTP address (empty = disabled)")
		logLevel     = flag.String("log", "warn", "log level: debug, info, warn, error")
	)
	flag.Parse()

	ftcomm.InitLogger(ftcomm.ParseLogLevel(*logLevel))

	opts := []ftcomm.Option{
		ftcomm.WithRole(ftcomm.RoleHost),
		ftcomm.WithPort(*port),
		ftcomm.WithMaxRetries(*retries),
		ftcomm.WithRetryInterval(*retryEvery),
		ftcomm.WithConnTimeout(*connTimeout),
		ftcomm.WithDrainTimeout(*drainTimeout),
		ftcomm.WithTCPUserTimeout(*userTimeout),
		ftcomm.WithAdminAddr(*adminAddr),
	}
	if *name != "" {
		opts = append(opts, ftcomm.WithNodeName(*name))
	}
	if *topoPath != "" {
		topo, err := ftcomm.LoadTopologyFile(*topoPath)
		if err != nil {
			log.Fatalf("topology: %v", err)
		}
		opts = append(opts, ftcomm.WithTopology(topo))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan string, 256)
	onError := func(ep, sw int, reason ftcomm.Reason) {
		line := fmt.Sprintf("ERROR_CALLBACK(%d): EP(%d:%d)", int(reason), ep, sw)
		if *useTUI {
			// Never block the reactor on a slow UI.
			select {
			case events <- line:
			default:
			}
			return
		}
		fmt.Println(line)
	}

	comm, err := ftcomm.Init(ctx, onError, nil, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render("host init failed: "+err.Error()))
		os.Exit(1)
	}
	defer comm.Deinit()

	fmt.Printf("Host starting: session %d, %d links connected\n", comm.Session(), comm.ConnectedLinks())

	switch {
	case *useTUI:
		if err := runConsole(ctx, newConsole(comm, events), tea.WithAltScreen()); err != nil {
			log.Printf("console: %v", err)
		}
	case *interactive:
		sendLines(ctx, comm)
	default:
		sendDemo(ctx, comm, *count, *interval)
	}

	fmt.Println("Host ended")
}

func sendLines(ctx context.Context, comm *ftcomm.Comm) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := comm.Send(sc.Bytes()); err != nil {
			fmt.Fprintln(os.Stderr, warnStyle.Render("send: "+err.Error()))
		}
	}
}

func sendDemo(ctx context.Context, comm *ftcomm.Comm, n int, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		msg := fmt.Sprintf("Hello! Message (%d/%d) from host", i+1, n)
		fmt.Printf("Sending message %d of len %d\n", i+1, len(msg))
		if err := comm.Send([]byte(msg)); err != nil {
			fmt.Fprintln(os.Stderr, warnStyle.Render("send: "+err.Error()))
		}
	}
}
