// Package main はAPIサーバーとジョブワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog"

	"github.com/yourusername/relayforge/internal/config"
	"github.com/yourusername/relayforge/internal/logger"
	"github.com/yourusername/relayforge/internal/metrics"
	"github.com/yourusername/relayforge/internal/storage"
	"github.com/yourusername/relayforge/internal/upload"
)

const (
	serviceName    = "relayforge-api"
	serviceVersion = "0.1.0"

	stagingSweepInterval = 30 * time.Minute
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log := logger.New(serviceName, "info")
		log.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(serviceName, cfg.LogLevel)
	logger.SetGlobal(log)

	// pdfcpu の設定ディレクトリをホーム配下に作らない
	pdfapi.DisableConfigDir()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	objects, err := storage.New(ctx, cfg)
	if err != nil {
		return err
	}

	deps, err := setupJobs(cfg, objects, log)
	if err != nil {
		return err
	}
	defer deps.redis.Close()

	uploads, err := upload.NewService(
		upload.NewRegistry(deps.redis, cfg.UploadSessionTTL),
		objects,
		deps.manager,
		upload.OptionsFromConfig(cfg),
		log.With().Str("component", "upload").Logger(),
	)
	if err != nil {
		return err
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, uploads, deps.manager)

	deps.manager.StartWorkers()
	go sweepStaging(ctx, uploads, cfg.UploadSessionTTL, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	return deps.manager.Shutdown(shutdownCtx)
}

func corsConfig(cfg *config.Config) cors.Config {
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	corsConfig.AllowOrigins = origins
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Content-Length",
		"Accept",
	}
	return corsConfig
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
// 回線計測でも使うため HEAD でも応答します。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// setupRoutes はルーティングを登録します。
func setupRoutes(router *gin.Engine, uploads *upload.Service, jobReader jobReader) {
	router.GET("/health", handleHealth)
	router.HEAD("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	{
		upload.RegisterRoutes(api, uploads)
		api.GET("/jobs/:id", jobStatusHandler(jobReader))
	}
}

// sweepStaging は失効したアップロードの一時ファイルを定期的に削除します。
func sweepStaging(ctx context.Context, uploads *upload.Service, ttl time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(stagingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := uploads.CleanupStaging(ctx, ttl)
			if err != nil {
				log.Warn().Err(err).Msg("staging sweep failed")
				continue
			}
			if removed > 0 {
				log.Info().Int("removed", removed).Msg("removed stale staging dirs")
			}
		}
	}
}
