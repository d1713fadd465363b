// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

// rast-attach connects to a paired rast daemon and attaches a raw-mode
// terminal to one of its sessions.
//
// The connection is established by the transport orchestrator: LAN
// WebSocket first, then the mesh-VPN UDP channel, then a WebRTC data
// channel, with the fallback trail printed to stderr. Once connected,
// stdin/stdout relay the session until EOF, SIGINT, or SIGTERM.
//
// Usage:
//
//	rast-attach --device-id phone-a1 --token-file ~/.config/rast/token \
//	    --daemon-host 192.168.1.20 --session work-main
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/rastsh/rast-go/lib/version"
	"github.com/rastsh/rast-go/session"
	"github.com/rastsh/rast-go/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		deviceID   string
		sessionID  string
		tokenFile  string
		daemonHost string
		daemonPort int
		meshAddr   string
		meshPort   int
		signalURL  string
		hintsFile  string
		keepalive  time.Duration
		verbose    bool
		unpair     bool
	)

	flagSet := pflag.NewFlagSet("rast-attach", pflag.ContinueOnError)
	flagSet.StringVar(&deviceID, "device-id", "", "paired device identifier (required)")
	flagSet.StringVar(&sessionID, "session", "", "terminal session id to attach (required unless --unpair)")
	flagSet.StringVar(&tokenFile, "token-file", "", "file holding the 64-hex-char auth token (required)")
	flagSet.StringVar(&daemonHost, "daemon-host", "", "daemon host or IP for direct connection")
	flagSet.IntVar(&daemonPort, "daemon-port", 8443, "daemon WebSocket port")
	flagSet.StringVar(&meshAddr, "mesh-addr", "", "daemon mesh-VPN address (overrides the cached hint)")
	flagSet.IntVar(&meshPort, "mesh-port", 0, "daemon mesh-VPN port (0 uses the default)")
	flagSet.StringVar(&signalURL, "signal-url", "", "signaling service base URL for WebRTC fallback")
	flagSet.StringVar(&hintsFile, "hints-file", defaultHintsPath(), "file caching the daemon's mesh endpoint between runs")
	flagSet.DurationVar(&keepalive, "keepalive", 30*time.Second, "ping interval on the established connection")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log transport internals to stderr")
	flagSet.BoolVar(&unpair, "unpair", false, "ask the daemon to forget this device, then exit")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("rast-attach %s\n", version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			flagSet.PrintDefaults()
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		flagSet.PrintDefaults()
		return nil
	}
	if deviceID == "" {
		return fmt.Errorf("--device-id is required")
	}
	if tokenFile == "" {
		return fmt.Errorf("--token-file is required")
	}
	if sessionID == "" && !unpair {
		return fmt.Errorf("--session is required")
	}

	token, err := loadToken(tokenFile)
	if err != nil {
		return err
	}

	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	hints := &fileHintStore{path: hintsFile}
	connCtx := transport.ConnectionContext{
		DeviceID:   deviceID,
		DaemonHost: daemonHost,
		DaemonPort: daemonPort,
		AuthToken:  token,
		OnMeshVPN:  onMeshVPN(),
	}
	if meshAddr != "" {
		addr, err := netip.ParseAddr(meshAddr)
		if err != nil {
			return fmt.Errorf("parsing --mesh-addr: %w", err)
		}
		connCtx = connCtx.WithMeshEndpoint(addr, meshPort)
	} else if addr, port, ok := hints.load(); ok {
		connCtx = connCtx.WithMeshEndpoint(addr, port)
	}
	if signalURL != "" {
		connCtx.Signaler = newHTTPSignaler(signalURL, deviceID, token)
	}

	strategies := []transport.Strategy{
		transport.NewLANStrategy(
			staticDiscoverer{host: daemonHost, port: daemonPort},
			transport.NetSocketFactory{},
			logger,
		),
		transport.NewMeshStrategy(logger),
		transport.NewWebRTCStrategy(transport.ICEConfig{}, logger),
	}
	orchestrator := transport.NewOrchestrator(strategies,
		transport.WithHintStore(hints),
		transport.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := orchestrator.Connect(ctx, connCtx, printProgress)
	if err != nil {
		return err
	}

	manager, err := session.NewManager(conn, token,
		session.WithKeepalive(keepalive),
		session.WithManagerLogger(logger),
	)
	if err != nil {
		conn.Close()
		return err
	}
	defer manager.Close()

	if unpair {
		if err := manager.RequestUnpair(ctx, deviceID); err != nil {
			return fmt.Errorf("requesting unpair: %w", err)
		}
		fmt.Fprintln(os.Stderr, "unpair requested")
		return nil
	}

	return attachAndRelay(ctx, manager, sessionID, logger)
}

// attachAndRelay attaches to the session and relays the local terminal
// until the context is cancelled, stdin closes, or the connection
// drops.
func attachAndRelay(ctx context.Context, manager *session.Manager, sessionID string, logger *slog.Logger) error {
	terminal := session.NewTerminal(manager, os.Stdout, session.WithTerminalLogger(logger))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		terminal.Run(runCtx)
	}()

	if err := terminal.Attach(ctx, sessionID); err != nil {
		return fmt.Errorf("attaching to %s: %w", sessionID, err)
	}

	restore, err := enterRawMode(terminal)
	if err != nil {
		return err
	}
	defer restore()

	syncWindowSize(ctx, terminal)
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			syncWindowSize(ctx, terminal)
		}
	}()

	inputErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if sendErr := terminal.SendInput(ctx, buf[:n]); sendErr != nil {
					inputErr <- sendErr
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					inputErr <- err
				} else {
					inputErr <- nil
				}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-manager.Dropped():
		restore()
		fmt.Fprintln(os.Stderr, "\rconnection lost; session preserved for resume")
		return nil
	case err := <-inputErr:
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	case <-runDone:
	}

	detachCtx, detachCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer detachCancel()
	if err := terminal.Detach(detachCtx); err != nil {
		logger.Debug("detach on exit failed", "error", err)
	}
	return nil
}

func enterRawMode(terminal *session.Terminal) (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("entering raw mode: %w", err)
	}
	terminal.SetRawMode(true)
	return func() {
		term.Restore(fd, oldState)
		terminal.SetRawMode(false)
	}, nil
}

func syncWindowSize(ctx context.Context, terminal *session.Terminal) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	if err := terminal.Resize(ctx, cols, rows); err != nil {
		// Resize before attach completes or after a drop is harmless.
		return
	}
}

// printProgress renders the orchestrator's fallback trail on stderr.
func printProgress(p transport.Progress) {
	switch p.Stage {
	case transport.StageDetecting:
		fmt.Fprintf(os.Stderr, "trying %s...\n", p.Strategy)
	case transport.StageStrategyUnavailable:
		fmt.Fprintf(os.Stderr, "  %s unavailable: %s\n", p.Strategy, p.Err)
	case transport.StageCapabilityExchangeFailed:
		fmt.Fprintf(os.Stderr, "capability exchange failed (%s); using cached hints\n", p.Err)
	case transport.StageConnected:
		fmt.Fprintf(os.Stderr, "connected via %s in %s\n", p.Strategy, p.Elapsed.Round(time.Millisecond))
	case transport.StageStrategyFailed:
		if p.WillTryNext {
			fmt.Fprintf(os.Stderr, "  %s failed: %s; falling back\n", p.Strategy, p.Err)
		} else {
			fmt.Fprintf(os.Stderr, "  %s failed: %s\n", p.Strategy, p.Err)
		}
	}
}

// loadToken reads and decodes the 64-hex-character auth token.
func loadToken(path string) ([transport.TokenSize]byte, error) {
	var token [transport.TokenSize]byte
	raw, err := os.ReadFile(path)
	if err != nil {
		return token, fmt.Errorf("reading token file: %w", err)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return token, fmt.Errorf("decoding token: %w", err)
	}
	if len(decoded) != transport.TokenSize {
		return token, fmt.Errorf("token is %d bytes, want %d", len(decoded), transport.TokenSize)
	}
	copy(token[:], decoded)
	return token, nil
}

// onMeshVPN reports whether any local interface carries a mesh-range
// address.
func onMeshVPN() bool {
	addrs, err := localInterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if transport.InMeshRange(addr) {
			return true
		}
	}
	return false
}

// staticDiscoverer satisfies the LAN strategy's discovery interface
// with an endpoint taken straight from flags. A real mobile client
// would use mDNS here; the CLI already knows where the daemon is.
type staticDiscoverer struct {
	host string
	port int
}

func (d staticDiscoverer) Discover(_ context.Context, _ time.Duration) (transport.Endpoint, error) {
	if d.host == "" {
		return transport.Endpoint{}, fmt.Errorf("no daemon host configured")
	}
	return transport.Endpoint{Host: d.host, Port: d.port}, nil
}

func defaultHintsPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rast", "mesh-endpoint")
}

// fileHintStore persists the daemon's mesh endpoint as a single
// "addr port" line so later runs can try the mesh channel without a
// capability exchange.
type fileHintStore struct {
	path string
}

func (s *fileHintStore) SaveMeshEndpoint(addr netip.Addr, port int) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	line := addr.String() + " " + strconv.Itoa(port) + "\n"
	return os.WriteFile(s.path, []byte(line), 0o600)
}

func (s *fileHintStore) load() (netip.Addr, int, bool) {
	if s.path == "" {
		return netip.Addr{}, 0, false
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return netip.Addr{}, 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 2 {
		return netip.Addr{}, 0, false
	}
	addr, err := netip.ParseAddr(fields[0])
	if err != nil {
		return netip.Addr{}, 0, false
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return netip.Addr{}, 0, false
	}
	return addr, port, true
}
