package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pagechat-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// PageContextRepository 暂存提交消息时附带的页面上下文，供随后建立的流读取。
type PageContextRepository interface {
	Save(ctx context.Context, messageID string, pageContext model.PageContext) error
	// Get 在没有缓存时返回 nil, nil。
	Get(ctx context.Context, messageID string) (model.PageContext, error)
}

type redisPageContextRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewPageContextRepository 创建基于 Redis 的 PageContextRepository。
func NewPageContextRepository(redisClient *redis.Client, ttl time.Duration) PageContextRepository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisPageContextRepository{redisClient: redisClient, ttl: ttl}
}

func pageContextKey(messageID string) string {
	return fmt.Sprintf("chat:page_context:%s", messageID)
}

func (r *redisPageContextRepository) Save(ctx context.Context, messageID string, pageContext model.PageContext) error {
	if len(pageContext) == 0 {
		return nil
	}
	jsonData, err := json.Marshal(pageContext)
	if err != nil {
		return fmt.Errorf("failed to marshal page context: %w", err)
	}
	if err := r.redisClient.Set(ctx, pageContextKey(messageID), jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set page context: %w", err)
	}
	return nil
}

func (r *redisPageContextRepository) Get(ctx context.Context, messageID string) (model.PageContext, error) {
	jsonData, err := r.redisClient.Get(ctx, pageContextKey(messageID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page context: %w", err)
	}
	var pageContext model.PageContext
	if err := json.Unmarshal(jsonData, &pageContext); err != nil {
		return nil, fmt.Errorf("failed to unmarshal page context: %w", err)
	}
	return pageContext, nil
}
