package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/pkg/errs"
	"docqa-go/pkg/log"
)

// cachedJobStore 在底层任务存储前加一层 Redis 读缓存，轮询任务状态时不必每次查询数据库。
type cachedJobStore struct {
	inner       pipeline.JobStore
	redisClient *redis.Client
	ttl         time.Duration
}

// NewCachedJobStore 用 Redis 包装任务存储。写入时先写底层存储再刷新缓存。
func NewCachedJobStore(inner pipeline.JobStore, redisClient *redis.Client, ttl time.Duration) pipeline.JobStore {
	return &cachedJobStore{inner: inner, redisClient: redisClient, ttl: ttl}
}

func jobCacheKey(id string) string {
	return fmt.Sprintf("pipeline:job:%s", id)
}

func (s *cachedJobStore) Save(ctx context.Context, job *model.PipelineJob) error {
	if err := s.inner.Save(ctx, job); err != nil {
		if errs.KindOf(err) == errs.InvalidState {
			// 存储中已是终态，丢弃可能过期的缓存
			_ = s.redisClient.Del(ctx, jobCacheKey(job.ID)).Err()
		}
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil
	}
	if err := s.redisClient.Set(ctx, jobCacheKey(job.ID), data, s.ttl).Err(); err != nil {
		// 缓存写失败时删除旧值，避免读到过期状态
		log.Warnf("[JobCache] 写入任务缓存失败, JobID: %s, Error: %v", job.ID, err)
		_ = s.redisClient.Del(ctx, jobCacheKey(job.ID)).Err()
	}
	return nil
}

func (s *cachedJobStore) Get(ctx context.Context, id string) (*model.PipelineJob, error) {
	data, err := s.redisClient.Get(ctx, jobCacheKey(id)).Bytes()
	if err == nil {
		var job model.PipelineJob
		if jsonErr := json.Unmarshal(data, &job); jsonErr == nil {
			return &job, nil
		}
	} else if err != redis.Nil {
		log.Warnf("[JobCache] 读取任务缓存失败, JobID: %s, Error: %v", id, err)
	}

	job, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(job); err == nil {
		_ = s.redisClient.Set(ctx, jobCacheKey(id), data, s.ttl).Err()
	}
	return job, nil
}

// List 直接查询底层存储。
func (s *cachedJobStore) List(ctx context.Context, filter pipeline.JobFilter) ([]*model.PipelineJob, error) {
	return s.inner.List(ctx, filter)
}
