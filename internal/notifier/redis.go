package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/journey-engine/internal/model"
)

// DefaultStream задаёт ключ Redis stream по умолчанию.
const DefaultStream = "journey:stage-changed"

// RedisPublisher пишет события смены стадии в Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisClient подключается к Redis и проверяет соединение.
func NewRedisClient(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// NewRedisPublisher создаёт издателя поверх готового клиента.
func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: 100000,
	}
}

// Publish добавляет событие в stream. Поле id позволяет потребителю отбрасывать повторы.
func (p *RedisPublisher) Publish(ctx context.Context, ev model.StageChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":          ev.ID,
			"customer_id": ev.CustomerID,
			"operator_id": ev.OperatorID,
			"payload":     string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close закрывает соединение с Redis.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
