// Пакет status: коды статусов сканирования и вычисление производного
// состояния скана по журналу событий.
//
// Коды упорядочены: текущий статус скана - максимальный код среди
// зарегистрированных событий. Значения совпадают с кодами IRMA, чтобы
// фронтенд и пробы могли обмениваться ими без трансляции.
//
// Пакет не хранит состояние: все функции чистые и не кэшируют результат.
package status

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code: код статуса скана.
type Code int

const (
	// Empty: скан создан, файлов нет
	Empty Code = 0
	// Ready: файлы прикреплены
	Ready Code = 10
	// Uploaded: файлы переданы в хранилище проб
	Uploaded Code = 20
	// Launched: пробы запущены
	Launched Code = 30
	// Processed: результаты проб получены
	Processed Code = 40
	// Finished: скан завершён
	Finished Code = 50
	// Flushed: содержимое файлов удалено из хранилища проб
	Flushed Code = 60

	// Cancelling: идёт отмена
	Cancelling Code = 100
	// Cancelled: скан отменён
	Cancelled Code = 110

	// Error: общая ошибка
	Error Code = 1000
	// ErrorProbeMissing: запрошенная проба не найдена
	ErrorProbeMissing Code = 1010
	// ErrorProbeNA: проба недоступна
	ErrorProbeNA Code = 1011
	// ErrorFTPUpload: ошибка выгрузки файлов пробам
	ErrorFTPUpload Code = 1020
)

// ErrUnknownStatus: код статуса не входит в перечисление.
var ErrUnknownStatus = errors.New("неизвестный статус скана")

// labels: человекочитаемые имена статусов.
var labels = map[Code]string{
	Empty:             "empty",
	Ready:             "ready",
	Uploaded:          "uploaded",
	Launched:          "launched",
	Processed:         "processed",
	Finished:          "finished",
	Flushed:           "flushed",
	Cancelling:        "cancelling",
	Cancelled:         "cancelled",
	Error:             "error",
	ErrorProbeMissing: "error_probe_missing",
	ErrorProbeNA:      "error_probe_na",
	ErrorFTPUpload:    "error_ftp_upload",
}

// String возвращает метку статуса или числовой код для неизвестных значений.
func (c Code) String() string {
	if l, ok := labels[c]; ok {
		return l
	}
	return fmt.Sprintf("status(%d)", int(c))
}

// Valid проверяет, входит ли код в перечисление.
func (c Code) Valid() bool {
	_, ok := labels[c]
	return ok
}

// Validate возвращает ErrUnknownStatus для кодов вне перечисления.
func Validate(c Code) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStatus, int(c))
	}
	return nil
}

// Parse преобразует метку статуса в код.
func Parse(s string) (Code, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for c, l := range labels {
		if l == want {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// All возвращает все коды по возрастанию.
func All() []Code {
	result := make([]Code, 0, len(labels))
	for c := range labels {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Current возвращает текущий статус - максимум среди кодов событий.
// Для пустого журнала возвращает Empty.
func Current(codes []Code) Code {
	current := Empty
	for i, c := range codes {
		if i == 0 || c > current {
			current = c
		}
	}
	return current
}

// Contains сообщает, есть ли код в журнале событий.
// Используется для идемпотентного добавления события.
func Contains(codes []Code, c Code) bool {
	for _, existing := range codes {
		if existing == c {
			return true
		}
	}
	return false
}

// IsFinished определяет завершённость скана.
//
// completed: по одному флагу на каждый ProbeResult, достижимый из FileWeb
// скана (true, если ссылка на полный результат уже записана).
//
//   - current == Finished → true
//   - current < Launched → false, работа не начата
//   - иначе true только если ни один результат не ожидает завершения;
//     скан без результатов считается завершённым
func IsFinished(current Code, completed []bool) bool {
	if current == Finished {
		return true
	}
	if current < Launched {
		return false
	}
	for _, done := range completed {
		if !done {
			return false
		}
	}
	return true
}
