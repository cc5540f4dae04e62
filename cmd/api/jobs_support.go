package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/relayforge/internal/config"
	"github.com/yourusername/relayforge/internal/jobs"
	"github.com/yourusername/relayforge/internal/storage"
)

type jobDeps struct {
	redis   *redis.Client
	manager *jobs.Manager
}

// jobReader はジョブ状態の参照に使う *jobs.Manager の一部です。
type jobReader interface {
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
	QueuePosition(ctx context.Context, jobID string) (*int, error)
}

func setupJobs(cfg *config.Config, objects storage.Storage, log zerolog.Logger) (*jobDeps, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opt)
	store := jobs.NewStore(redisClient, cfg.JobTTL())
	manager, err := jobs.NewManager(cfg, store, log.With().Str("component", "jobs").Logger())
	if err != nil {
		redisClient.Close()
		return nil, err
	}
	manager.Register(jobs.OperationInspect, jobs.NewInspectProcessor(objects, cfg.UploadStagingDir))
	return &jobDeps{redis: redisClient, manager: manager}, nil
}

func jobStatusHandler(reader jobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := reader.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しないか、有効期限が切れています。",
			})
			return
		}

		payload := gin.H{
			"jobId":     record.JobID,
			"operation": record.Operation,
			"status":    record.Status,
			"progress":  record.Progress.Percent,
			"stage":     record.Progress.Stage,
			"updatedAt": record.UpdatedAt,
			"expiresAt": record.ExpiresAt,
		}
		if record.Progress.Message != "" {
			payload["message"] = record.Progress.Message
		}
		if record.Status == jobs.StatusQueued {
			pos, err := reader.QueuePosition(c.Request.Context(), jobID)
			if err == nil && pos != nil {
				payload["queuePosition"] = *pos
			}
		}
		if len(record.Result) > 0 {
			payload["result"] = record.Result
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}

		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, payload)
	}
}
