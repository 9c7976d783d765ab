package model

import "time"

// Submission: пакет файлов, полученный от агента (не через веб).
// Хранится в таблице submission.
type Submission struct {
	ID         int64
	ExternalID string
	OSName     string
	Username   string
	IP         string
	Date       time.Time
}

// FileAgent: ссылка файла в пакете агента с исходным путём.
type FileAgent struct {
	ID           int64
	FileID       int64
	SubmissionID int64
	// SubmissionPath: путь файла на стороне агента
	SubmissionPath string
}
