package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/ciforge/ciforge/pkg/api"
	"github.com/ciforge/ciforge/pkg/auth"
	"github.com/ciforge/ciforge/pkg/logging"
	"github.com/ciforge/ciforge/pkg/metrics"
	"github.com/ciforge/ciforge/pkg/ratelimit"
	"github.com/ciforge/ciforge/pkg/scheduler"
	"github.com/ciforge/ciforge/pkg/shutdown"
	"github.com/ciforge/ciforge/pkg/store"
	"github.com/ciforge/ciforge/pkg/tracing"
)

func main() {
	listenAddr := flag.String("listen", ":8080", "API listen address")
	metricsAddr := flag.String("metrics-listen", ":9090", "Prometheus metrics listen address")
	dbType := flag.String("db", "sqlite", "Store backend (memory, sqlite, postgres)")
	dbPath := flag.String("db-path", "master.db", "SQLite database path")
	dbDSN := flag.String("db-dsn", "", "PostgreSQL DSN (when -db=postgres)")
	maxRetries := flag.Int("max-retries", 2, "Retries for infrastructure job failures")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 2*time.Minute, "Worker heartbeat timeout")
	reapInterval := flag.Duration("reap-interval", 30*time.Second, "Stale worker sweep interval")
	rateLimit := flag.Float64("rate-limit", 50, "Per-client API requests per second (0 disables)")
	rateBurst := flag.Int("rate-burst", 100, "Per-client API request burst")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP HTTP endpoint for traces (empty disables tracing)")
	apiKeyFlag := flag.String("api-key", "", "API key required from clients (or use CIFORGE_API_KEY env var)")
	generateKey := flag.Bool("generate-api-key", false, "Generate a random API key and print it")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger, err := logging.NewFileLogger("master", logging.ParseLevel(*logLevel), false)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	apiKey := *apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("CIFORGE_API_KEY")
	}
	if *generateKey {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			logger.Fatal("Failed to generate API key", map[string]interface{}{"error": err.Error()})
		}
		logger.Info("Generated API key", map[string]interface{}{"api_key": key})
		apiKey = key
	}
	if apiKey == "" {
		logger.Warn("No API key configured, API is unauthenticated")
	}

	st, err := store.NewStore(store.Config{
		Type: *dbType,
		Path: *dbPath,
		DSN:  *dbDSN,
	})
	if err != nil {
		logger.Fatal("Failed to open store", map[string]interface{}{"error": err.Error()})
	}

	handler := api.NewMasterHandlerWithRetry(st, *maxRetries)

	exporter := metrics.NewMasterExporter(st)
	handler.SetMetricsRecorder(exporter)
	handler.SetQueueInspector(scheduler.NewPriorityQueueManager(st))

	tracer, err := tracing.NewProvider(context.Background(), tracing.Config{
		Service:  "ciforge-master",
		Endpoint: *otlpEndpoint,
		Enabled:  *otlpEndpoint != "",
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracing", map[string]interface{}{"error": err.Error()})
	}

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	apiHandler := tracing.Middleware(tracer)(authMiddleware(apiKey, router))
	var limiter *ratelimit.Limiter
	if *rateLimit > 0 {
		limiter = ratelimit.NewLimiter(*rateLimit, *rateBurst)
		apiHandler = limiter.Middleware(ratelimit.IPKey)(apiHandler)
	}

	apiServer := &http.Server{
		Addr:    *listenAddr,
		Handler: apiHandler,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", exporter).Methods("GET")
	metricsServer := &http.Server{
		Addr:    *metricsAddr,
		Handler: metricsRouter,
	}

	shutdownManager := shutdown.New(30 * time.Second)
	shutdownManager.Register(shutdown.CloseResource(st, "store"))
	shutdownManager.Register(shutdown.StopHTTPServer(apiServer, "api"))
	shutdownManager.Register(shutdown.StopHTTPServer(metricsServer, "metrics"))
	shutdownManager.Register(func(ctx context.Context) error {
		return tracer.Shutdown(ctx)
	})

	bgCtx, cancelBg := context.WithCancel(context.Background())
	shutdownManager.Register(func(context.Context) error {
		cancelBg()
		return nil
	})
	reaper := scheduler.NewReaper(st, logger, *heartbeatTimeout, *reapInterval, *maxRetries)
	go reaper.Run(bgCtx)

	if limiter != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-bgCtx.Done():
					return
				case <-ticker.C:
					limiter.Prune(30 * time.Minute)
				}
			}
		}()
	}

	go func() {
		logger.Info("Metrics server listening", map[string]interface{}{"addr": *metricsAddr})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	go func() {
		logger.Info("Master API listening", map[string]interface{}{"addr": *listenAddr, "store": *dbType})
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	shutdownManager.Wait()
}

// authMiddleware requires a bearer API key on every route except /health
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !auth.SecureCompare(header[len(prefix):], apiKey) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
