// completion.go: обработка сообщений о завершении проб из очереди результатов.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/scanstore/internal/domain/model"
	"github.com/bigkaa/scanstore/internal/probe/queue"
)

// PayloadStore: внешнее хранилище полных результатов проб.
type PayloadStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Delete(ctx context.Context, ref string) error
}

// CompletionService фиксирует результаты, пришедшие от подсистемы проб.
type CompletionService struct {
	ledger   *LedgerService
	payloads PayloadStore
	logger   *slog.Logger
}

// NewCompletionService создаёт обработчик завершений.
// payloads может быть nil: тогда принимаются только ссылки на результат.
func NewCompletionService(ledger *LedgerService, payloads PayloadStore, logger *slog.Logger) *CompletionService {
	return &CompletionService{
		ledger:   ledger,
		payloads: payloads,
		logger:   logger.With(slog.String("component", "completion")),
	}
}

// Handle фиксирует результат из сообщения c. Полный результат, переданный
// целиком, сначала сохраняется во внешнем хранилище; если фиксация не
// удалась, сохранённая запись удаляется.
func (s *CompletionService) Handle(ctx context.Context, c queue.Completion) error {
	_, err := s.handle(ctx, c)
	return err
}

func (s *CompletionService) handle(ctx context.Context, c queue.Completion) (*model.ProbeResult, error) {
	if len(c.Payload) == 0 {
		return s.ledger.Complete(ctx, c.ProbeResultID, c.PayloadRef, c.Verdict)
	}

	if s.payloads == nil {
		return nil, fmt.Errorf("%w: встроенные результаты не поддерживаются без внешнего хранилища", ErrValidation)
	}
	ref, err := s.payloads.Put(ctx, c.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: сохранение результата пробы %d: %w", ErrStorage, c.ProbeResultID, err)
	}

	pr, err := s.ledger.Complete(ctx, c.ProbeResultID, ref, c.Verdict)
	if err != nil {
		if delErr := s.payloads.Delete(ctx, ref); delErr != nil {
			s.logger.Warn("Не удалось удалить несвязанный результат",
				slog.String("ref", ref),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, err
	}
	return pr, nil
}
