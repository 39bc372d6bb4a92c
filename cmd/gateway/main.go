// Package main provides the Cloud Code gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/flow"
	"github.com/poemonsense/cloudcode-gateway/internal/pipeline"
	"github.com/poemonsense/cloudcode-gateway/internal/server"
	"github.com/poemonsense/cloudcode-gateway/internal/stats"
	"github.com/poemonsense/cloudcode-gateway/internal/store"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

const version = "1.0.0"

func main() {
	var (
		debugMode bool
		port      int
		host      string
	)

	flag.BoolVar(&debugMode, "debug", false, "Enable debug logging")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 127.0.0.1)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" {
		debugMode = true
	}
	utils.SetDebug(debugMode)

	cfg := config.GetConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}
	if debugMode {
		utils.Debug("Debug mode enabled")
	}
	if port != 0 || host != "" {
		applyFlags(cfg, port, host)
	}

	// Redis is optional; the tracker degrades to in-memory counters
	redisClient := connectRedis(cfg)

	st := store.NewStore(config.AccountConfigPath)
	monitor := flow.NewMonitor(cfg.GetMaxFlowEntries())
	tracker := stats.NewTracker(redisClient)
	p := pipeline.New(st, nil, monitor, tracker)

	// Load the pool up front so enrollment problems surface at startup
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := p.EnsureInitialized(ctx); err != nil {
		utils.Warn("[Startup] Pool initialization deferred: %v", err)
	}
	cancel()

	engine := server.NewRouter(cfg, p)

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Long timeout for streaming responses
		IdleTimeout:  120 * time.Second,
	}

	printBanner(cfg, p)

	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("Server started successfully on port %d", cfg.GetPort())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
	}

	// Drain the write-behind queues before exiting
	tracker.Shutdown()
	monitor.Close()
	st.Close()

	if redisClient != nil {
		redisClient.Close()
	}

	utils.Success("Server stopped")
}

// applyFlags overrides the loaded config with command line values by
// re-running the env pass, so flags behave exactly like environment
// overrides.
func applyFlags(cfg *config.Config, port int, host string) {
	if port != 0 {
		os.Setenv("ANTIGRAVITY_PORT", fmt.Sprintf("%d", port))
	}
	if host != "" {
		os.Setenv("ANTIGRAVITY_HOST", host)
	}
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to apply flag overrides: %v", err)
	}
}

// connectRedis opens the optional redis connection, returning nil when it
// is unconfigured or unreachable.
func connectRedis(cfg *config.Config) *redis.Client {
	addr := cfg.GetRedisAddr()
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		utils.Error("[Startup] Failed to connect to Redis: %v", err)
		utils.Warn("[Startup] Starting without Redis - usage history disabled")
		client.Close()
		return nil
	}

	utils.Info("[Startup] Connected to Redis at %s", addr)
	return client
}

// printBanner prints the startup banner
func printBanner(cfg *config.Config, p *pipeline.Pipeline) {
	total := 0
	if pool := p.Pool(); pool != nil {
		total = pool.Size()
	}

	port := cfg.GetPort()
	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║              Cloud Code Gateway Server v` + version + `                 ║
╠══════════════════════════════════════════════════════════════╣
║                                                              ║`)
	fmt.Printf("║  Listening on: %-45s ║\n", cfg.ListenAddr())
	fmt.Printf("║  Accounts:     %-45d ║\n", total)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages         - Anthropic Messages API        ║")
	fmt.Println("║    POST /v1/chat/completions - OpenAI Chat Completions       ║")
	fmt.Println("║    GET  /v1/models           - List available models         ║")
	fmt.Println("║    GET  /health              - Health check                  ║")
	fmt.Println("║    GET  /account-limits      - Account status & cooldowns    ║")
	fmt.Println("║    POST /refresh-token       - Force token refresh           ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Configuration:                                              ║")
	fmt.Printf("║    Storage: %-48s ║\n", config.ConfigDir)
	fmt.Println("║                                                              ║")
	fmt.Printf("║    export ANTHROPIC_BASE_URL=http://localhost:%-14d ║\n", port)
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
