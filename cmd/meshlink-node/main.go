package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"meshlink/internal/identity"
	"meshlink/internal/logging"
	"meshlink/internal/node"
	"meshlink/internal/pprofutil"
	"meshlink/internal/proto"
	"meshlink/internal/queue"
	"meshlink/internal/telemetry"
	"meshlink/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "queue":
		return runQueue(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshlink-node <run|id|peers|queue> [args]")
	fmt.Fprintln(w, "  run    [--config meshlink.yaml] [--addr <ip:port>] [--debug]")
	fmt.Fprintln(w, "  id     [--config meshlink.yaml]")
	fmt.Fprintln(w, "  peers  [--config meshlink.yaml]")
	fmt.Fprintln(w, "  queue  [--config meshlink.yaml]")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "YAML config file")
	addr := fs.String("addr", "", "listen addr override (host:port)")
	debug := fs.Bool("debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *debug {
		cfg.Log.Development = true
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	n, err := node.New(node.Config{
		DisplayName:    cfg.DisplayName,
		NetworkName:    cfg.Network,
		DataDir:        cfg.DataDir,
		Logger:         logger,
		RequestPairing: cfg.RequestPairing,
		ConfirmPIN: func(pin string) bool {
			// no interactive surface yet; the operator compares PINs out of
			// band and cancels a bad pairing from the other device
			fmt.Fprintf(stdout, "PAIRING PIN: %s\n", pin)
			return true
		},
		OnMessage: func(from proto.NodeID, payload []byte) {
			fmt.Fprintf(stdout, "MSG from=%s %q\n", proto.EncodeNodeIDHex(from), payload)
		},
		OnPeer: func(peer *identity.PeerIdentity) {
			logger.Info("peer session established",
				zap.String("name", peer.DisplayName),
				zap.String("level", peer.Level.String()))
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "node init: %v\n", err)
		return 1
	}

	tr := transport.NewQUIC(transport.QUICConfig{
		Events:          n.Events(),
		Logger:          logger,
		MaxConnsPerIP:   cfg.MaxConnsPerIP,
		MaxStreamsPerIP: cfg.MaxStreamsPerIP,
		Insecure:        cfg.Insecure,
	})
	n.Attach(tr)
	if err := tr.Listen(cfg.ListenAddr); err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}
	n.Start()

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	for _, d := range cfg.DialAddrs {
		if _, err := tr.Dial(dialCtx, d, n.MarkDialed); err != nil {
			logger.Warn("dial failed", zap.String("addr", d), zap.Error(err))
		}
	}
	cancelDial()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server ended", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n",
		cfg.ListenAddr, proto.EncodeNodeIDHex(n.StaticID()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	_ = tr.Close()
	n.Close()
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	cfg, ok := parseQueryFlags("id", args, stderr)
	if !ok {
		return 1
	}
	ks := node.NewFileKeyStore(filepath.Join(cfg.DataDir, "keys"))
	pub, _, err := ks.GetOrCreatePersistentKeypair()
	if err != nil {
		fmt.Fprintf(stderr, "keystore: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, proto.EncodeNodeIDHex(identity.StaticNodeID(pub)))
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	cfg, ok := parseQueryFlags("peers", args, stderr)
	if !ok {
		return 1
	}
	reg, err := identity.NewRegistry(identity.RegistryOptions{
		Path: filepath.Join(cfg.DataDir, "peers.jsonl"),
	})
	if err != nil {
		fmt.Fprintf(stderr, "peer registry: %v\n", err)
		return 1
	}
	for _, p := range reg.List() {
		fmt.Fprintf(stdout, "%s name=%q level=%s\n",
			proto.EncodeNodeIDHex(p.CurrentID()), p.DisplayName, p.Level)
	}
	return 0
}

func runQueue(args []string, stdout, stderr io.Writer) int {
	cfg, ok := parseQueryFlags("queue", args, stderr)
	if !ok {
		return 1
	}
	ledger, err := queue.OpenLedger(filepath.Join(cfg.DataDir, "queue.jsonl"))
	if err != nil {
		fmt.Fprintf(stderr, "queue ledger: %v\n", err)
		return 1
	}
	q, err := queue.New(queue.Options{Ledger: ledger})
	if err != nil {
		fmt.Fprintf(stderr, "queue: %v\n", err)
		return 1
	}
	counts := q.Counts()
	for _, s := range []queue.Status{
		queue.StatusPending, queue.StatusSending, queue.StatusRetrying,
		queue.StatusDelivered, queue.StatusFailed,
	} {
		fmt.Fprintf(stdout, "%-10s %d\n", s, counts[s])
	}
	return 0
}

func parseQueryFlags(name string, args []string, stderr io.Writer) (*Config, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return nil, false
	}
	return cfg, true
}
