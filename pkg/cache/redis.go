package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"learnsync/internal/models"
)

type RedisCache struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisCache(addr string) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisCache{
		client: client,
		ctx:    context.Background(),
	}
}

func bestScoreKey(userID uint, chapterID int) string {
	return fmt.Sprintf("best:%d:%d", userID, chapterID)
}

func leaderboardKey(chapterID int) string {
	return fmt.Sprintf("leaderboard:chapter:%d", chapterID)
}

func (c *RedisCache) SetBestScore(userID uint, chapterID int, best *models.BestQuizScore) error {
	data, err := json.Marshal(best)
	if err != nil {
		return err
	}
	return c.client.Set(c.ctx, bestScoreKey(userID, chapterID), data, 24*time.Hour).Err()
}

func (c *RedisCache) GetBestScore(userID uint, chapterID int) (*models.BestQuizScore, error) {
	data, err := c.client.Get(c.ctx, bestScoreKey(userID, chapterID)).Bytes()
	if err != nil {
		return nil, err
	}

	var best models.BestQuizScore
	err = json.Unmarshal(data, &best)
	return &best, err
}

func (c *RedisCache) InvalidateBestScore(userID uint, chapterID int) error {
	return c.client.Del(c.ctx, bestScoreKey(userID, chapterID)).Err()
}

// SetLeaderboard replaces the chapter leaderboard with the given scores.
func (c *RedisCache) SetLeaderboard(chapterID int, scores map[string]int) error {
	key := leaderboardKey(chapterID)

	if err := c.client.Del(c.ctx, key).Err(); err != nil {
		return err
	}

	// Add all scores in a pipeline
	pipe := c.client.Pipeline()
	for username, score := range scores {
		pipe.ZAdd(c.ctx, key, &redis.Z{
			Score:  float64(score),
			Member: username,
		})
	}
	pipe.Expire(c.ctx, key, 24*time.Hour)

	_, err := pipe.Exec(c.ctx)
	return err
}

func (c *RedisCache) GetLeaderboard(chapterID int) ([]models.LeaderboardEntry, error) {
	key := leaderboardKey(chapterID)

	// Get all entries sorted by score (descending)
	results, err := c.client.ZRevRangeWithScores(c.ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]models.LeaderboardEntry, len(results))
	for i, z := range results {
		entries[i] = models.LeaderboardEntry{
			Username: z.Member.(string),
			Score:    int(z.Score),
		}
	}

	return entries, nil
}
