package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bubbaloop/daemon/pkg/audit"
	"github.com/bubbaloop/daemon/pkg/automation"
	"github.com/bubbaloop/daemon/pkg/bus"
	"github.com/bubbaloop/daemon/pkg/config"
	"github.com/bubbaloop/daemon/pkg/fabric"
	"github.com/bubbaloop/daemon/pkg/fabricapi"
	"github.com/bubbaloop/daemon/pkg/httpapi"
	"github.com/bubbaloop/daemon/pkg/logging"
	"github.com/bubbaloop/daemon/pkg/marketplace"
	"github.com/bubbaloop/daemon/pkg/mcp"
	"github.com/bubbaloop/daemon/pkg/metrics"
	"github.com/bubbaloop/daemon/pkg/node"
	"github.com/bubbaloop/daemon/pkg/rbac"
	"github.com/bubbaloop/daemon/pkg/schema"
	"github.com/bubbaloop/daemon/pkg/serviceunit"
)

// Exit codes.
const (
	exitConfigError   = 1
	exitFabricFailure = 2
	exitRegistryError = 3
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bubbaloopd",
		Short:         "Bubbaloop node manager daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var withMCP bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: node manager, HTTP API, fabric surface, and optionally the MCP plane on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), withMCP)
		},
	}
	serveCmd.Flags().BoolVar(&withMCP, "mcp", false, "also serve the MCP control plane on stdin/stdout")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			printVersion()
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	return root
}

// marketAdapter bridges the marketplace resolver into the node manager's
// install hook.
type marketAdapter struct {
	resolver *marketplace.Resolver
}

func (a marketAdapter) Resolve(ctx context.Context, source string) (node.MarketInstall, error) {
	res, err := a.resolver.Resolve(ctx, source)
	if err != nil {
		return node.MarketInstall{}, err
	}
	return node.MarketInstall{Name: res.Name, Path: res.Path, RequiresBuild: res.RequiresBuild}, nil
}

func serve(parent context.Context, withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfigError)
	}

	log := logging.New(cfg.LogFormat, cfg.LogLevel)
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "config: create data root: %v\n", err)
		os.Exit(exitConfigError)
	}

	registry, err := node.NewRegistry(cfg.RegistryPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		os.Exit(exitRegistryError)
	}

	// Service-manager connection. A missing user bus degrades lifecycle
	// operations but must not take the control planes down with it.
	var units *serviceunit.Driver
	unitDir := cfg.UnitDir()
	if units, err = serviceunit.Connect(ctx, unitDir); err != nil {
		log.With("serviceunit").WarnCF(ctx, "service manager unavailable, lifecycle ops degraded", "error", err)
		units = nil
	} else {
		defer units.Close()
	}

	var fabricOpts []fabric.SessionOption
	if cfg.FabricTLSCert != "" {
		tlsConf, err := fabric.TLSConfigFromFiles(cfg.FabricTLSCert, cfg.FabricTLSKey, cfg.FabricTLSCA)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(exitConfigError)
		}
		fabricOpts = append(fabricOpts, fabric.WithTLS(tlsConf))
	}
	session, err := fabric.Open(ctx, cfg.ZenohEndpoint, log.With("fabric"), fabricOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fabric: %v\n", err)
		os.Exit(exitFabricFailure)
	}
	defer session.Close()

	refresh := time.Duration(cfg.RefreshInterval) * time.Second
	manager := node.NewManager(registry, node.NewBuildRunner(), units, log.With("node"), refresh,
		"bubbaloop-daemon", "bubbaloop-agent")

	sources, err := marketplace.LoadSources(cfg.SourcesPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfigError)
	}
	manager.SetMarketplace(marketAdapter{
		resolver: marketplace.NewResolver(sources, cfg.NodesDir(), marketplace.NewFetcher(nil), marketplace.ExecGit{}),
	})

	events := bus.New()
	defer events.Close()
	go events.Run(ctx, manager.Events())

	rules, err := automation.NewEngine(cfg.RulesDir(), manager,
		automation.NotifierFunc(func(ctx context.Context, rule, nodeName, message string) {
			log.With("automation").InfoCF(ctx, "rule notification", "rule", rule, "node", nodeName, "message", message)
		}), log.With("automation"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfigError)
	}
	ruleEvents, cancelRules := events.Subscribe(256)
	defer cancelRules()
	go rules.Run(ctx, ruleEvents)

	m := metrics.New()
	session.OnReconnect(m.FabricReconnects.Inc)

	fabAPI, err := fabricapi.New(session, manager, events, m, log.With("fabricapi"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fabric: %v\n", err)
		os.Exit(exitFabricFailure)
	}
	go fabAPI.Run(ctx)

	httpSrv := httpapi.NewServer(manager, m, log.With("httpapi"), cfg.HTTPAddr)
	httpErr := make(chan error, 1)
	go func() { httpErr <- httpSrv.Serve(ctx) }()

	go manager.Run(ctx)
	manager.RefreshAll(ctx)

	log.InfoCF(ctx, "bubbaloopd up",
		"machine_id", cfg.MachineID, "scope", cfg.Scope,
		"data_root", cfg.DataRoot, "http", cfg.HTTPAddr, "fabric", cfg.ZenohEndpoint)

	if withMCP {
		store := audit.NewFileStore(cfg.DataRoot)
		defer store.Close()
		if idx, err := audit.NewSQLiteIndex(filepath.Join(cfg.DataRoot, "audit.db")); err == nil {
			store.WithIndex(idx)
			defer idx.Close()
		} else {
			log.With("audit").WarnCF(ctx, "audit index unavailable, queries fall back to the log file", "error", err)
		}

		tier, err := rbac.ParseTier(cfg.MCPTier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(exitConfigError)
		}
		policy := rbac.NewPolicy()
		policy.Grant(cfg.MCPCaller, tier)

		deps := &mcp.Deps{
			Manager:   manager,
			Rules:     rules,
			Session:   session,
			Schema:    schema.NewRegistry(session, log.With("schema")),
			Scope:     cfg.Scope,
			MachineID: cfg.MachineID,
			DataRoot:  cfg.DataRoot,
			StartedAt: time.Now(),
		}
		server := mcp.NewServer(deps, rbac.NewGuard(policy), audit.NewLogger(store), cfg.MCPCaller, m, log.With("mcp"))
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		cancel()
	}

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil {
			return err
		}
	}
	return nil
}
