// Package service реализует ядро движка воронок: переходы стадий, проверку и
// выполнение переноса клиентов между операторами, дневные метрики.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/journey-engine/internal/model"
	"github.com/mmeshcher/journey-engine/internal/repository"
)

// Repository описывает контракт хранилища, используемый сервисом.
type Repository interface {
	repository.Queries
	// InTx выполняет fn в транзакции: либо все изменения fn сохраняются, либо ни одно.
	InTx(ctx context.Context, fn func(q repository.Queries) error) error
	Close() error
}

// Publisher доставляет события смены стадии слою рассылок.
type Publisher interface {
	Publish(ctx context.Context, ev model.StageChanged) error
}

// Service содержит бизнес-логику движка воронок.
type Service struct {
	repo      Repository
	publisher Publisher
	logger    *zap.Logger

	now   func() time.Time
	newID func() string

	relayInterval time.Duration
	relayBatch    int
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator подменяет генератор идентификаторов.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithRelayInterval задаёт период опроса outbox.
func WithRelayInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.relayInterval = d
		}
	}
}

// NewService создаёт новый сервис. publisher может быть nil, тогда события копятся в outbox.
func NewService(repo Repository, publisher Publisher, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:          repo,
		publisher:     publisher,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         func() string { return uuid.NewString() },
		relayInterval: time.Second,
		relayBatch:    100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}
