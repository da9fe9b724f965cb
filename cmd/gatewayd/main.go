// Command gatewayd runs the gateway forward proxy: a rotating HTTP/HTTPS
// proxy backed by a managed pool of upstream proxies (spec.md §1).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drsoft-oss/gatewayproxy/internal/admin"
	"github.com/drsoft-oss/gatewayproxy/internal/config"
	"github.com/drsoft-oss/gatewayproxy/internal/dispatcher"
	"github.com/drsoft-oss/gatewayproxy/internal/poolstore"
	"github.com/drsoft-oss/gatewayproxy/internal/probe"
	"github.com/drsoft-oss/gatewayproxy/internal/proxyengine"
	"github.com/drsoft-oss/gatewayproxy/internal/upstream"
)

// version is injected at build time via ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "Gateway forward proxy with a managed upstream pool",
	Long: `gatewayd — a rotating HTTP/HTTPS forward proxy.

It listens for HTTP CONNECT (and plain HTTP) requests from client
applications and dispatches each one through a pool of upstream proxies,
chosen and health-checked automatically. The Admin REST surface lets an
operator add, remove, and inspect the pool at runtime.

Configuration is read from the environment: INITIAL_PROXIES, PROXY_PORT,
HOSTNAME, BASIC_AUTH, FLASK_PORT, FLASK_USER, FLASK_PASS, NUM_WORKERS,
DB_PATH.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := poolstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open pool store: %w", err)
	}
	defer store.Close()

	for _, rawURL := range cfg.InitialProxies {
		entry := poolstore.Entry{
			URL:   rawURL,
			ID:    store.ReserveID(),
			Alive: false,
			Hosts: map[string]poolstore.HostRecord{},
		}
		inserted, err := store.PutIfAbsent(entry)
		if err != nil {
			return fmt.Errorf("seed proxy %s: %w", rawURL, err)
		}
		if !inserted {
			log.Printf("[init] %s already present in the pool, skipping", rawURL)
		}
	}

	probeEngine := probe.New(store, probe.Config{Concurrency: cfg.NumWorkers})

	log.Printf("[init] running initial liveness pass (background)…")
	go probeEngine.RunOnce(context.Background())
	probeEngine.Start()
	defer probeEngine.Stop()

	disp := dispatcher.New(store, upstream.DialEntryURL)

	adminIface := admin.New(store, probeEngine)
	adminCreds := admin.Credentials{Username: cfg.FlaskUser, Password: cfg.FlaskPass}
	adminAddr := cfg.Hostname + ":" + cfg.FlaskPort
	adminSrv := admin.NewServer(adminAddr, adminIface, adminCreds)
	go func() {
		log.Printf("[init] admin server listening on http://%s", adminAddr)
		if err := adminSrv.Start(); err != nil {
			log.Printf("[admin] server stopped: %v", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		adminSrv.Stop(ctx)
	}()

	proxyAddr := cfg.Hostname + ":" + cfg.ProxyPort
	proxySrv := proxyengine.New(proxyengine.Config{
		ListenAddr: proxyAddr,
		Username:   cfg.BasicAuthUser,
		Password:   cfg.BasicAuthPass,
	}, disp)

	printBanner(proxyAddr, adminAddr, store, cfg.BasicAuthUser != "")

	srvErr := make(chan error, 1)
	go func() { srvErr <- proxySrv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[init] received %s — shutting down", sig)
	case err := <-srvErr:
		if err != nil {
			log.Printf("[init] proxy engine error: %v", err)
		}
	}

	return proxySrv.Stop()
}

func printBanner(proxyAddr, adminAddr string, store *poolstore.Store, authEnabled bool) {
	entries := store.List()
	alive := 0
	for _, e := range entries {
		if e.Alive {
			alive++
		}
	}

	authStr := "disabled"
	if authEnabled {
		authStr = "enabled"
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════════════╗
║                       gatewayd %s
╠══════════════════════════════════════════════════════════════╣
║  Proxy engine : %s
║  Admin server : http://%s
║  Auth         : %s
║  Pool         : %d proxies (%d alive)
╠══════════════════════════════════════════════════════════════╣
║  Admin endpoints:
║    POST   http://%s/add_proxy
║    DELETE http://%s/remove_proxy
║    GET    http://%s/proxy_info
╚══════════════════════════════════════════════════════════════╝

`, padRight(version, 44),
		padRight(proxyAddr, 46),
		padRight(adminAddr, 44),
		padRight(authStr, 46),
		len(entries), alive,
		adminAddr, adminAddr, adminAddr,
	)
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
