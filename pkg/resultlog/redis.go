// Package resultlog публикует итог запуска экспорта, импорта или удаления
// в Redis, чтобы оркестратор мог опросить или дождаться результата.
package resultlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruslano69/citydb-tool/pkg/events"
)

// Config - параметры публикации результата
type Config struct {
	Type     string `yaml:"type"`     // redis (пустое = отключено)
	Address  string `yaml:"address"`  // адрес Redis, например "127.0.0.1:6379"
	Name     string `yaml:"name"`     // имя результата (ключ/канал)
	Password string `yaml:"password"` // пароль Redis (опционально)
	DB       int    `yaml:"db"`       // индекс БД Redis
	TTL      int    `yaml:"ttl"`      // TTL ключа в секундах (по умолчанию 3600)
}

// Enabled - публикация включена
func (c *Config) Enabled() bool {
	return c.Type != "" && c.Type != "none"
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	if c.TTL <= 0 {
		c.TTL = 3600
	}
}

// Validate проверяет корректность Config
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Type != "redis" {
		return fmt.Errorf("unsupported type '%s', must be 'redis'", c.Type)
	}
	if c.Address == "" {
		return fmt.Errorf("address is required when type is 'redis'")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required when type is 'redis'")
	}
	return nil
}

// RunResult - состояние запуска, публикуемое в Redis
//
// Redis-ключи:
//
//	SET  citydb:run:<name>:state  <JSON>  EX <ttl>
//	PUB  citydb:run:<name>
type RunResult struct {
	Name       string                      `json:"name"`
	Operation  string                      `json:"operation"`
	Status     events.Status               `json:"status"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	DurationMs int64                       `json:"duration_ms"`
	Counters   map[string]map[string]int64 `json:"counters,omitempty"`
	Files      []string                    `json:"files,omitempty"`
	Error      *string                     `json:"error,omitempty"`
}

// NewRunResult строит публикуемое состояние по итогу операции
func NewRunResult(name string, s events.Summary) RunResult {
	r := RunResult{
		Name:       name,
		Operation:  s.Operation,
		Status:     s.Status,
		StartedAt:  s.Started,
		FinishedAt: s.Finished,
		DurationMs: s.Duration().Milliseconds(),
		Files:      s.Files,
	}
	if s.Counters != nil {
		for _, t := range s.Counters.Types() {
			if r.Counters == nil {
				r.Counters = make(map[string]map[string]int64)
			}
			r.Counters[t.String()] = s.Counters.Snapshot(t)
		}
	}
	if s.Error != "" {
		msg := s.Error
		r.Error = &msg
	}
	return r
}

// StateKey - ключ последнего состояния
func StateKey(name string) string {
	return fmt.Sprintf("citydb:run:%s:state", name)
}

// Channel - канал событий о завершении
func Channel(name string) string {
	return fmt.Sprintf("citydb:run:%s", name)
}

// RedisPublisher публикует итог запуска в Redis
type RedisPublisher struct {
	client *redis.Client
	config Config
}

// NewRedisPublisher создает publisher по конфигурации
func NewRedisPublisher(config Config) *RedisPublisher {
	config.SetDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisPublisher{client: client, config: config}
}

// Publish публикует итог запуска:
//   - SET citydb:run:<name>:state <JSON> EX <ttl> для опроса
//   - PUBLISH citydb:run:<name> <JSON> для подписчиков
//
// Вызывается при любом исходе, в том числе после прерывания
func (p *RedisPublisher) Publish(ctx context.Context, summary events.Summary) error {
	payload, err := json.Marshal(NewRunResult(p.config.Name, summary))
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	ttl := time.Duration(p.config.TTL) * time.Second
	if err := p.client.Set(ctx, StateKey(p.config.Name), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(p.config.Name), payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH failed: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
