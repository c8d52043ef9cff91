package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/xansec/amqpprox/internal/auth"
	"github.com/xansec/amqpprox/internal/backend"
	"github.com/xansec/amqpprox/internal/config"
	"github.com/xansec/amqpprox/internal/control"
	"github.com/xansec/amqpprox/internal/proxy"
	"github.com/xansec/amqpprox/internal/session"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// --- 1. Configuration Loading ---
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("FATAL: Error loading configuration: %v", err)
	}

	log.Printf("INFO: Configuration loaded successfully from %s", *configPath)
	log.Printf("INFO: Control endpoint: %s", cfg.ControlListenAddress)
	if cfg.IdleTimeout() > 0 {
		log.Printf("INFO: Session idle timeout is %s", cfg.IdleTimeout())
	}

	// --- 2. Server Initialization ---
	log.Println("INFO: Proxy initialization sequence starting...")

	acmeTLS := buildAcmeTLS(cfg)
	farms := buildBackends(cfg)

	sessions := session.NewRegistry(cfg.DefaultReadRateLimit, cfg.DefaultReadRateAlarm)

	validator, err := auth.NewValidator(cfg.ControlJWTSecret)
	if err != nil {
		log.Fatalf("FATAL: Control authentication setup failed: %v", err)
	}
	controlServer := control.NewServer(cfg.ControlListenAddress, sessions, validator, nil)

	listener, err := proxy.NewListener(cfg, farms, sessions, acmeTLS)
	if err != nil {
		log.Fatalf("FATAL: Listener setup failed: %v", err)
	}

	var wg sync.WaitGroup
	controlServer.Run()
	wg.Add(1)
	go func() {
		defer wg.Done()
		listener.Run()
	}()

	// --- 3. Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	log.Println("INFO: amqpprox is running. Press CTRL+C to exit.")

	<-shutdownChan
	log.Println("INFO: Shutdown signal received.")

	// --- 4. Cleanup ---
	log.Println("INFO: Initiating graceful shutdown...")

	// Stop accepting first, then wind down the live sessions, and finally
	// the control plane that reports on them.
	listener.Stop()
	sessions.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := controlServer.Shutdown(ctx); err != nil {
		log.Printf("WARN: Control endpoint shutdown returned error: %v", err)
	}
	cancel()

	wg.Wait()
	log.Println("INFO: Shutdown complete. Goodbye.")
}

// buildBackends translates the config's farm declarations into the routing
// registry sessions resolve against.
func buildBackends(cfg *config.Config) *backend.Registry {
	farms := backend.NewRegistry()
	for _, fc := range cfg.Farms {
		farm := backend.NewFarm(fc.Name)
		for _, bc := range fc.Brokers {
			farm.AddBroker(&backend.Broker{
				Name:          bc.Name,
				Host:          bc.Host,
				Port:          bc.Port,
				TLS:           bc.TLS,
				ProxyProtocol: bc.ProxyProtocol,
				Weight:        bc.Weight,
			})
		}
		farms.AddFarm(farm)
		log.Printf("INFO: Farm %q configured with %d brokers", fc.Name, len(fc.Brokers))
	}
	for vhost, farmName := range cfg.VhostRoutes {
		farms.MapVHost(vhost, farmName)
	}
	if cfg.DefaultFarm != "" {
		farms.SetDefaultFarm(cfg.DefaultFarm)
	}
	return farms
}

// buildAcmeTLS prepares the shared certificate manager when any listener
// asks for automatic TLS. Challenges are answered over TLS-ALPN on the
// listeners themselves and over HTTP-01 on :80 when that port is free.
func buildAcmeTLS(cfg *config.Config) *tls.Config {
	var hostnames []string
	for _, lc := range cfg.Listeners {
		if lc.AcmeHostname != "" {
			hostnames = append(hostnames, lc.AcmeHostname)
		}
	}
	if len(hostnames) == 0 {
		return nil
	}

	log.Printf("INFO: Listener TLS mode: Automatic (Let's Encrypt) for %v", hostnames)

	cacheDir := cfg.AcmeCacheDir
	if cacheDir == "" {
		cacheDir = "acme_certs"
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		log.Fatalf("FATAL: Could not create ACME cache directory %s: %v", cacheDir, err)
	}
	log.Printf("INFO: ACME certificate cache directory: %s", cacheDir)

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hostnames...),
		Cache:      autocert.DirCache(cacheDir),
	}

	go func() {
		httpServer := &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("WARN: ACME HTTP-01 helper on :80 unavailable: %v", err)
		}
	}()

	return certManager.TLSConfig()
}
