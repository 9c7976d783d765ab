// Пакет queue: транспорт между хранилищем и подсистемой выполнения проб
// через RabbitMQ: публикация запросов на запуск и приём результатов.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed: сообщение не удалось разобрать. Повторная доставка бессмысленна.
var ErrMalformed = errors.New("некорректное сообщение")

// DispatchRequest: запрос на запуск пробы для файла.
type DispatchRequest struct {
	// ProbeResultID: ожидающий результат, который должна завершить проба
	ProbeResultID int64  `json:"probe_result_id"`
	ScanID        string `json:"scan_id"`
	FileSHA256    string `json:"file_sha256"`
	// FilePath: путь содержимого в хранилище образцов
	FilePath  string `json:"file_path,omitempty"`
	ProbeType string `json:"probe_type"`
	ProbeName string `json:"probe_name"`
}

// Completion: сообщение о завершении пробы.
// Полный результат передаётся либо ссылкой PayloadRef на уже сохранённую
// запись, либо целиком в Payload.
type Completion struct {
	ProbeResultID int64           `json:"probe_result_id"`
	PayloadRef    string          `json:"payload_ref,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Verdict       int             `json:"verdict"`
}

// DecodeCompletion разбирает и проверяет сообщение о завершении.
func DecodeCompletion(body []byte) (Completion, error) {
	var c Completion
	if err := json.Unmarshal(body, &c); err != nil {
		return c, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if c.ProbeResultID <= 0 {
		return c, fmt.Errorf("%w: не задан probe_result_id", ErrMalformed)
	}
	if c.PayloadRef == "" && len(c.Payload) == 0 {
		return c, fmt.Errorf("%w: нет ни payload_ref, ни payload", ErrMalformed)
	}
	if c.PayloadRef != "" && len(c.Payload) != 0 {
		return c, fmt.Errorf("%w: заданы одновременно payload_ref и payload", ErrMalformed)
	}
	return c, nil
}
