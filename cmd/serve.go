package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/calliope-ai/groundskeeper/db"
	"github.com/calliope-ai/groundskeeper/internal/api"
	"github.com/calliope-ai/groundskeeper/internal/chat"
	"github.com/calliope-ai/groundskeeper/internal/citation"
	"github.com/calliope-ai/groundskeeper/internal/config"
	"github.com/calliope-ai/groundskeeper/internal/conversation"
	"github.com/calliope-ai/groundskeeper/internal/database"
	"github.com/calliope-ai/groundskeeper/internal/filestore"
	"github.com/calliope-ai/groundskeeper/internal/log"
	"github.com/calliope-ai/groundskeeper/internal/observability"
	"github.com/calliope-ai/groundskeeper/internal/ratelimit"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute // SSE streaming needs a long write window
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe initializes all components and runs the HTTP server until
// SIGINT/SIGTERM.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})
	logger.Info("starting groundskeeper", "version", AppVersion)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			Environment: cfg.Tracing.Environment,
			ServiceName: cfg.Tracing.ServiceName,
		})
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("flushing traces", "error", err)
			}
		}()
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  os.Getenv("GEMINI_API_KEY"),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("creating genai client: %w", err)
	}

	limiter, err := buildLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer limiter.Close()

	conversations, err := conversation.NewStore(pool, logger)
	if err != nil {
		return fmt.Errorf("creating conversation store: %w", err)
	}

	stores, err := filestore.NewManager(pool, filestore.NewGeminiProvisioner(client), logger)
	if err != nil {
		return fmt.Errorf("creating store manager: %w", err)
	}

	extractor := citation.NewExtractor(citation.NewGeminiGrounder(client), stores, logger)

	var bgWG sync.WaitGroup
	chatSvc, err := chat.New(chat.Config{
		Stores:            stores,
		Conversations:     conversations,
		Streamer:          chat.NewGeminiStreamer(client),
		Extractor:         extractor,
		Logger:            logger,
		Model:             cfg.ModelName,
		RequestsPerMinute: cfg.ProviderRequestsPerMinute,
		BackgroundCtx:     ctx,
		WG:                &bgWG,
	})
	if err != nil {
		return fmt.Errorf("creating chat service: %w", err)
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:        logger,
		Chat:          chatSvc,
		Conversations: conversations,
		Stores:        stores,
		Limiter:       limiter,
		Pool:          pool,
		CORSOrigins:   cfg.CORSOrigins,
		TrustProxy:    cfg.TrustProxy,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ServerAddr,
		"api", "/api/v1/*",
		"health", "/health, /ready",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		chatSvc.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// buildLimiter constructs the admission controller. When Redis is configured
// and reachable, decisions are shared across instances; otherwise each
// process keeps its own counters.
func buildLimiter(ctx context.Context, cfg *config.Config, logger log.Logger) (*ratelimit.Limiter, error) {
	if cfg.RedisAddr == "" {
		return ratelimit.New(logger), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("rate limiting backed by redis", "addr", cfg.RedisAddr)
	return ratelimit.New(logger,
		ratelimit.WithSharedBackend(ratelimit.NewRedisBackend(client, ""))), nil
}
