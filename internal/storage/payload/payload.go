// Пакет payload: внешнее хранилище полных результатов проб в Valkey.
// В реляционной базе хранится только ссылка (nosql_id) на запись.
package payload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	valkey "github.com/valkey-io/valkey-go"
)

// KeyPrefix: префикс ключей результатов проб.
const KeyPrefix = "probe_result:"

// ErrNotFound: запись по ссылке отсутствует.
var ErrNotFound = errors.New("результат пробы не найден во внешнем хранилище")

// Store: операции внешнего хранилища результатов.
type Store interface {
	// Put сохраняет полный результат и возвращает ссылку на него.
	Put(ctx context.Context, data []byte) (string, error)
	// Get возвращает полный результат по ссылке.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Delete удаляет результат по ссылке. Отсутствие записи - не ошибка.
	Delete(ctx context.Context, ref string) error
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
	// Close закрывает подключение.
	Close()
}

type valkeyStore struct {
	client valkey.Client
}

// NewValkeyStore подключается к Valkey по адресу addr.
func NewValkeyStore(addr string) (Store, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к Valkey %s: %w", addr, err)
	}
	return &valkeyStore{client: client}, nil
}

// NewRef генерирует новую ссылку на результат.
func NewRef() string {
	return KeyPrefix + uuid.NewString()
}

// IsRef сообщает, имеет ли ref формат ссылки этого хранилища.
func IsRef(ref string) bool {
	id, ok := strings.CutPrefix(ref, KeyPrefix)
	if !ok {
		return false
	}
	return uuid.Validate(id) == nil
}

func (s *valkeyStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := NewRef()
	// NX: ссылка новая, перезапись означала бы коллизию UUID
	cmd := s.client.B().Set().Key(ref).Value(valkey.BinaryString(data)).Nx().Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return "", fmt.Errorf("ошибка записи результата %s: %w", ref, err)
	}
	return ref, nil
}

func (s *valkeyStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if !IsRef(ref) {
		return nil, fmt.Errorf("%w: некорректная ссылка %q", ErrNotFound, ref)
	}
	resp := s.client.Do(ctx, s.client.B().Get().Key(ref).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("ошибка чтения результата %s: %w", ref, err)
	}
	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("ошибка преобразования результата %s: %w", ref, err)
	}
	return data, nil
}

func (s *valkeyStore) Delete(ctx context.Context, ref string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(ref).Build()).Error(); err != nil {
		return fmt.Errorf("ошибка удаления результата %s: %w", ref, err)
	}
	return nil
}

func (s *valkeyStore) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *valkeyStore) Close() {
	s.client.Close()
}
