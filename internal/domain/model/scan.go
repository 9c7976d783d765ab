package model

import (
	"time"

	"github.com/bigkaa/scanstore/internal/domain/status"
)

// Scan: единица работы, созданная веб-загрузкой.
// Хранится в таблице scan.
type Scan struct {
	// ID: первичный ключ
	ID int64
	// ExternalID: внешний идентификатор (UUID v4), неизменяемый
	ExternalID string
	// Date: время создания скана
	Date time.Time
	// IP: адрес, с которого создан скан
	IP string
}

// ScanEvent: событие смены статуса скана.
// Журнал событий только дополняется; пара (скан, статус) уникальна.
type ScanEvent struct {
	ID        int64
	ScanID    int64
	Status    status.Code
	Timestamp time.Time
}

// EventCodes возвращает коды статусов журнала событий.
func EventCodes(events []ScanEvent) []status.Code {
	codes := make([]status.Code, 0, len(events))
	for _, e := range events {
		codes = append(codes, e.Status)
	}
	return codes
}

// FileWeb: именованная ссылка файла в скане.
// Один файл может встречаться в скане несколько раз под разными именами.
type FileWeb struct {
	ID     int64
	FileID int64
	ScanID int64
	// Name: имя файла в момент загрузки
	Name string
}
