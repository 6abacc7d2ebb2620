package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// retryAfterError реализуют ошибки публикации, после которых получатель просит подождать.
type retryAfterError interface {
	RetryAfter() time.Duration
}

// RunOutboxRelay периодически доставляет накопленные события смены стадии через Publisher.
// Возвращается при отмене ctx. Без Publisher завершается сразу.
func (s *Service) RunOutboxRelay(ctx context.Context) {
	if s.publisher == nil {
		return
	}

	ticker := time.NewTicker(s.relayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.processOutboxBatch(ctx); err != nil {
				s.logger.Warn("stage change relay failed", zap.Error(err))

				var ra retryAfterError
				if errors.As(err, &ra) && ra.RetryAfter() > 0 {
					timer := time.NewTimer(ra.RetryAfter())
					select {
					case <-ctx.Done():
						timer.Stop()
						return
					case <-timer.C:
					}
				}
			}
		}
	}
}

// processOutboxBatch публикует одну пачку событий в порядке записи. Первая ошибка
// публикации останавливает пачку, доставленные к этому моменту события отмечаются.
func (s *Service) processOutboxBatch(ctx context.Context) (int, error) {
	events, err := s.repo.PendingStageChanges(ctx, s.relayBatch)
	if err != nil {
		return 0, err
	}

	delivered := make([]int64, 0, len(events))
	var publishErr error
	for _, e := range events {
		if err := s.publisher.Publish(ctx, e.Event); err != nil {
			publishErr = err
			break
		}
		delivered = append(delivered, e.Seq)
	}

	if err := s.repo.MarkStageChangesDelivered(ctx, delivered, s.now()); err != nil {
		return 0, err
	}

	if len(delivered) > 0 {
		s.logger.Debug("stage changes delivered", zap.Int("count", len(delivered)))
	}

	return len(delivered), publishErr
}
