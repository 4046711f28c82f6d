package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"overlayctl/internal/api"
	"overlayctl/internal/client"
	"overlayctl/internal/config"
	"overlayctl/internal/controller"
	"overlayctl/internal/cred"
	"overlayctl/internal/execx"
	"overlayctl/internal/model"
	"overlayctl/internal/store"
	"overlayctl/internal/stunutil"
	"overlayctl/internal/tunnel"
)

const usage = `overlayctl - overlay VPN control plane + client

Usage:
  overlayctl controller serve --config <path>
  overlayctl controller status --config <path>
  overlayctl connect --config <path> [--target <node-id>]
  overlayctl discover --config <path> [--stun <servers>]
  overlayctl cred mint --secret <secret> [--realm <realm>] [--ttl 10m]
  overlayctl node register --config <path> --node-file <path>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "controller":
		handleController(os.Args[2:])
	case "connect":
		handleConnect(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	case "cred":
		handleCred(os.Args[2:])
	case "node":
		handleNode(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleController(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "controller subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "serve":
		controllerServe(args[1:])
	case "status":
		controllerStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown controller subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func controllerServe(args []string) {
	fs := flag.NewFlagSet("controller serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address override")
	dataDir := fs.String("data-dir", "", "data directory override")
	debug := fs.Bool("debug", false, "debug logging")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Controller == nil {
		cfg.Controller = &config.ControllerConfig{}
	}
	if *listen != "" {
		cfg.Controller.Listen = *listen
	}
	if *dataDir != "" {
		cfg.Controller.DataDir = *dataDir
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log := newLogger(*debug)
	defer log.Sync()

	srv, err := controller.NewServer(*cfg.Controller, nil, log)
	if err != nil {
		fatal(err)
	}
	fatal(srv.ListenAndServe())
}

func controllerStatus(args []string) {
	fs := flag.NewFlagSet("controller status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Controller == nil {
		fatal(errors.New("controller config required"))
	}
	config.ApplyDefaults(&cfg)
	if cfg.Controller.DataDir == "" {
		fatal(errors.New("controller.data_dir is required"))
	}

	nodeStore := store.NewFileStore(filepath.Join(cfg.Controller.DataDir, "nodes.yaml"))
	nodes, err := nodeStore.List(context.Background())
	if err != nil {
		fatal(err)
	}
	if len(nodes) == 0 {
		fmt.Fprintln(os.Stdout, "no registered nodes")
		return
	}

	window := time.Duration(cfg.Controller.LivenessWindowSec) * time.Second
	now := time.Now().UTC()

	fmt.Fprintf(os.Stdout, "%-16s  %-15s  %-10s  %-10s  %-8s  %-20s  %-8s\n",
		"NODE_ID", "IPV4", "NAT", "BW_UP", "SESSIONS", "LAST_HEARTBEAT", "STATUS")
	for _, node := range nodes {
		status := node.Status
		if status == model.StatusOnline && now.Sub(node.LastHeartbeat) > window {
			status = model.StatusOffline
		}
		lastSeen := ""
		if !node.LastHeartbeat.IsZero() {
			lastSeen = node.LastHeartbeat.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%-16s  %-15s  %-10s  %-10d  %-8d  %-20s  %-8s\n",
			node.ID, node.NetworkInfo.IPv4, node.NetworkInfo.NATType,
			node.Capabilities.Bandwidth.Up, node.ActiveSessions, lastSeen, status)
	}
}

func handleConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	target := fs.String("target", "", "target node ID override")
	debug := fs.Bool("debug", false, "debug logging")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Client == nil {
		fatal(errors.New("client config required"))
	}
	if *target != "" {
		cfg.Client.TargetNodeID = *target
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log := newLogger(*debug)
	defer log.Sync()

	controlAPI := api.NewClient(normalizeBaseURL(cfg.Client.Controller))
	session := tunnel.NewSession(tunnel.Params{
		Interface:  cfg.Client.TunnelInterface,
		PrivateKey: cfg.Client.TunnelPrivateKey,
		Address:    cfg.Client.TunnelAddress,
		MTU:        cfg.Client.MTU,
	}, execx.NewOSRunner(nil, nil), log)

	var discover client.Discoverer
	if len(cfg.Client.STUNServers) > 0 {
		servers := cfg.Client.STUNServers
		discover = func(ctx context.Context) (model.ClientNetworkInfo, error) {
			return stunutil.Discover(ctx, servers, 5*time.Second)
		}
	}

	orch := client.New(*cfg.Client, controlAPI, session,
		client.DefaultRelayFactory(*cfg.Client, log), discover, log)
	orch.OnTransition(func(ev client.Event) {
		fmt.Fprintf(os.Stdout, "state=%s node=%s\n", ev.State, ev.Status.NodeID)
	})

	ctx, cancel := signalContext()
	defer cancel()

	if err := orch.Connect(ctx); err != nil {
		fatal(err)
	}
	<-ctx.Done()
	if err := orch.Disconnect(); err != nil {
		fatal(err)
	}
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	timeout := fs.Duration("timeout", 5*time.Second, "probe timeout")
	_ = fs.Parse(args)

	servers := splitList(*stunList)
	if len(servers) == 0 && *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		if cfg.Client != nil {
			servers = cfg.Client.STUNServers
		} else if cfg.Controller != nil {
			servers = cfg.Controller.STUNServers
		}
	}
	if len(servers) == 0 {
		fatal(errors.New("no STUN servers configured (use --stun or config)"))
	}

	info, err := stunutil.Discover(context.Background(), servers, *timeout)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "ipv4=%s nat=%s mapped=%s\n", info.IPv4, info.NATType, info.STUNMappedAddress)
}

func handleCred(args []string) {
	if len(args) == 0 || args[0] != "mint" {
		fmt.Fprint(os.Stderr, "cred subcommand required (mint)\n")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("cred mint", flag.ExitOnError)
	secret := fs.String("secret", "", "shared relay secret")
	realm := fs.String("realm", config.DefaultRelayRealm, "credential realm")
	ttl := fs.Duration("ttl", 10*time.Minute, "credential lifetime")
	_ = fs.Parse(args[1:])

	if *secret == "" {
		fatal(errors.New("--secret is required"))
	}

	issuer := &cred.Issuer{}
	c, err := issuer.Issue(*realm, *secret, *ttl)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "username=%s\n", c.Username)
	fmt.Fprintf(os.Stdout, "password=%s\n", c.Password)
	fmt.Fprintf(os.Stdout, "token=%s:%s\n", c.Username, c.Password)
}

func handleNode(args []string) {
	if len(args) == 0 || args[0] != "register" {
		fmt.Fprint(os.Stderr, "node subcommand required (register)\n")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("node register", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	nodeFile := fs.String("node-file", "", "path to YAML node description")
	_ = fs.Parse(args[1:])

	if *nodeFile == "" {
		fatal(errors.New("--node-file is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Client == nil || cfg.Client.Controller == "" {
		fatal(errors.New("client.controller is required"))
	}

	node, err := loadNodeFile(*nodeFile)
	if err != nil {
		fatal(err)
	}

	controlAPI := api.NewClient(normalizeBaseURL(cfg.Client.Controller))
	registered, err := controlAPI.RegisterNode(context.Background(), node)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "registered node_id=%s status=%s\n", registered.ID, registered.Status)
}

func loadNodeFile(path string) (model.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Node{}, err
	}
	var node model.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return model.Node{}, err
	}
	if node.ID == "" || node.PublicKey == "" {
		return model.Node{}, errors.New("node_id and public_key are required")
	}
	return node, nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		log, err := zap.NewDevelopment()
		if err != nil {
			fatal(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		fatal(err)
	}
	return log
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
