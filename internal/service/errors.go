// errors.go: ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/scanstore/internal/repository"
)

var (
	// ErrNotFound: ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrIntegrity: нарушение целостности данных: несколько записей там,
	// где ожидалась одна, повторное завершение пробы, неизвестный статус.
	ErrIntegrity = errors.New("нарушение целостности данных")
	// ErrStorage: ошибка хранилища содержимого.
	ErrStorage = errors.New("ошибка хранилища содержимого")
	// ErrValidation: ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrDispatch: запросы записаны, но не переданы подсистеме проб.
	ErrDispatch = errors.New("ошибка передачи запросов подсистеме проб")
)

// mapRepoErr переводит ошибку репозитория в ошибку сервисного слоя.
// Неизвестные ошибки возвращаются с контекстом what без смены вида.
func mapRepoErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, repository.ErrMultipleRows),
		errors.Is(err, repository.ErrAlreadyCompleted),
		errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %s: %w", ErrIntegrity, what, err)
	case errors.Is(err, repository.ErrInvalidQuery):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// IsPermanent сообщает, что повтор операции не изменит результат.
// Используется потребителем очереди: такие сообщения не возвращаются в очередь.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrValidation)
}
