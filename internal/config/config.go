// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストレージバックエンドの種類
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // ログレベル (debug, info, warn, error)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize           int64         // 単一ファイルの最大サイズ（バイト）
	MaxChunkSize          int64         // 1チャンクの上限サイズ（バイト）
	SingleUploadThreshold int64         // これ未満は単一リクエストで受け付ける
	UploadStagingDir      string        // チャンクの一時保存先
	UploadSessionTTL      time.Duration // アップロードセッションの有効期限
	AllowedMIMETypes      []string      // 受け付けるMIMEタイプ（空なら全て許可）

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq用Redis接続URL
	WorkerConcurrency int    // ワーカーの同時実行数
	JobExpireMinutes  int    // ジョブの有効期限（分）

	// ストレージ設定
	StorageBackend  string // local または s3
	StorageLocalDir string // ローカル保存先
	S3Bucket        string // S3バケット名
	S3Region        string // S3リージョン
	S3Endpoint      string // S3互換エンドポイント（MinIO等）
	S3Prefix        string // オブジェクトキーの接頭辞
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	tmp := os.TempDir()
	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// アップロード制限
		MaxFileSize:           getEnvAsInt64("MAX_FILE_SIZE", 2<<30),          // 2GiB
		MaxChunkSize:          getEnvAsInt64("MAX_CHUNK_SIZE", 10<<20),        // 10MiB
		SingleUploadThreshold: getEnvAsInt64("SINGLE_UPLOAD_THRESHOLD", 10<<20), // 10MiB
		UploadStagingDir:      getEnv("UPLOAD_STAGING_DIR", filepath.Join(tmp, "relayforge", "staging")),
		UploadSessionTTL:      getEnvAsDuration("UPLOAD_SESSION_TTL", 24*time.Hour),
		AllowedMIMETypes:      getEnvAsList("ALLOWED_MIME_TYPES"),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 10),

		// ストレージ設定
		StorageBackend:  getEnv("STORAGE_BACKEND", StorageLocal),
		StorageLocalDir: getEnv("STORAGE_LOCAL_DIR", filepath.Join(tmp, "relayforge", "objects")),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("MAX_CHUNK_SIZE must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	switch c.StorageBackend {
	case StorageLocal:
		if c.StorageLocalDir == "" {
			return fmt.Errorf("STORAGE_LOCAL_DIR is required for local storage")
		}
	case StorageS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND: %s", c.StorageBackend)
	}

	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}

	return nil
}

// JobTTL はジョブ情報の保持期間を返します。
func (c *Config) JobTTL() time.Duration {
	minutes := c.JobExpireMinutes
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "24h"）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数をスライスとして取得します。
func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
