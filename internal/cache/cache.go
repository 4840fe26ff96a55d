// Package cache содержит кэш каталогов в Redis для витринных запросов.
// Кэш используется только на пути отображения: проверка доступности награды
// в момент обмена всегда выполняется по основному хранилищу.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitchpoints/pitchpoints-system/internal/model"
)

const (
	rewardsKey = "catalog:rewards"
	matchesKey = "catalog:matches"
)

// Catalog кэширует списки наград и матчей с ограниченным временем жизни.
type Catalog struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCatalog создаёт кэш каталогов поверх Redis по указанному адресу.
// При недоступности сервера возвращается nil: вызывающая сторона
// продолжает работу без кэша.
func NewCatalog(addr, password string, ttl time.Duration) *Catalog {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}

	return &Catalog{
		rdb: client,
		ttl: ttl,
	}
}

// Close закрывает соединение с Redis.
func (c *Catalog) Close() error {
	return c.rdb.Close()
}

// Rewards возвращает закэшированный каталог наград и признак попадания.
func (c *Catalog) Rewards(ctx context.Context) ([]model.Reward, bool) {
	var rewards []model.Reward
	if !c.get(ctx, rewardsKey, &rewards) {
		return nil, false
	}
	return rewards, true
}

// StoreRewards сохраняет каталог наград в кэше.
func (c *Catalog) StoreRewards(ctx context.Context, rewards []model.Reward) {
	c.set(ctx, rewardsKey, rewards)
}

// Matches возвращает закэшированный список матчей и признак попадания.
func (c *Catalog) Matches(ctx context.Context) ([]model.Match, bool) {
	var matches []model.Match
	if !c.get(ctx, matchesKey, &matches) {
		return nil, false
	}
	return matches, true
}

// StoreMatches сохраняет список матчей в кэше.
func (c *Catalog) StoreMatches(ctx context.Context, matches []model.Match) {
	c.set(ctx, matchesKey, matches)
}

func (c *Catalog) get(ctx context.Context, key string, dst any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false
	}
	return true
}

func (c *Catalog) set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, key, data, c.ttl).Err()
}
