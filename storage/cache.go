package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"bloomers/domain"
)

type backend interface {
	FetchRun(ctx context.Context, userID, runID string) (domain.Run, error)
	FetchQuestions(ctx context.Context, userID, runID string) ([]domain.Question, error)
	SubmitLabel(ctx context.Context, userID, runID, questionID string, category domain.Category) (domain.Category, error)
	InsertQuestions(ctx context.Context, userID, runID string, questions []domain.Question) error
	UpdateRun(ctx context.Context, userID string, run domain.Run) error
	DeleteRun(ctx context.Context, userID, runID string) error
}

// Cache wraps a Storage instance with Redis-backed caching for the run and
// question reads that back every board load. Writes evict.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client
// and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchRun(ctx context.Context, userID, runID string) (domain.Run, error) {
	if run, ok := c.loadRunFromCache(ctx, userID, runID); ok {
		return run, nil
	}

	run, err := c.base.FetchRun(ctx, userID, runID)
	if err != nil {
		return domain.Run{}, err
	}

	c.store(ctx, runCacheKey(userID, runID), run)
	return run, nil
}

func (c *Cache) FetchQuestions(ctx context.Context, userID, runID string) ([]domain.Question, error) {
	if questions, ok := c.loadQuestionsFromCache(ctx, userID, runID); ok {
		return questions, nil
	}

	questions, err := c.base.FetchQuestions(ctx, userID, runID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, questionsCacheKey(userID, runID), questions)
	return questions, nil
}

func (c *Cache) SubmitLabel(ctx context.Context, userID, runID, questionID string, category domain.Category) (domain.Category, error) {
	confirmed, err := c.base.SubmitLabel(ctx, userID, runID, questionID, category)
	if err != nil {
		return "", err
	}
	c.evict(ctx, userID, runID)
	return confirmed, nil
}

func (c *Cache) InsertQuestions(ctx context.Context, userID, runID string, questions []domain.Question) error {
	if err := c.base.InsertQuestions(ctx, userID, runID, questions); err != nil {
		return err
	}
	c.evict(ctx, userID, runID)
	return nil
}

func (c *Cache) UpdateRun(ctx context.Context, userID string, run domain.Run) error {
	if err := c.base.UpdateRun(ctx, userID, run); err != nil {
		return err
	}
	c.evict(ctx, userID, run.ID)
	return nil
}

func (c *Cache) DeleteRun(ctx context.Context, userID, runID string) error {
	if err := c.base.DeleteRun(ctx, userID, runID); err != nil {
		return err
	}
	c.evict(ctx, userID, runID)
	return nil
}

func (c *Cache) loadRunFromCache(ctx context.Context, userID, runID string) (domain.Run, bool) {
	if c.redis == nil {
		return domain.Run{}, false
	}
	data, err := c.redis.Get(ctx, runCacheKey(userID, runID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, runCacheKey(userID, runID)).Err()
		}
		return domain.Run{}, false
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		_ = c.redis.Del(ctx, runCacheKey(userID, runID)).Err()
		return domain.Run{}, false
	}
	return run, true
}

func (c *Cache) loadQuestionsFromCache(ctx context.Context, userID, runID string) ([]domain.Question, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, questionsCacheKey(userID, runID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, questionsCacheKey(userID, runID)).Err()
		}
		return nil, false
	}
	var questions []domain.Question
	if err := json.Unmarshal(data, &questions); err != nil {
		_ = c.redis.Del(ctx, questionsCacheKey(userID, runID)).Err()
		return nil, false
	}
	return questions, true
}

func (c *Cache) store(ctx context.Context, key string, value any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, userID, runID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, runCacheKey(userID, runID), questionsCacheKey(userID, runID)).Result()
}

func runCacheKey(userID, runID string) string {
	return "run:" + userID + ":" + runID
}

func questionsCacheKey(userID, runID string) string {
	return "questions:" + userID + ":" + runID
}
