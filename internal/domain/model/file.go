package model

import "time"

// File: уникальное содержимое образца. Ключ дедупликации - SHA256.
// Хранится в таблице file.
type File struct {
	// ID: первичный ключ
	ID int64
	// SHA256: основной дайджест содержимого (64 hex-символа)
	SHA256 string
	// SHA1: устаревший дайджест (40 hex-символов)
	SHA1 string
	// MD5: устаревший дайджест (32 hex-символа)
	MD5 string
	// Size: размер содержимого в байтах
	Size int64
	// Path: путь к содержимому в хранилище образцов; nil после очистки по возрасту
	Path *string
	// TimestampFirstScan: время первого поступления
	TimestampFirstScan time.Time
	// TimestampLastScan: время последнего поступления
	TimestampLastScan time.Time
	// Tags: теги файла (заполняется только явным запросом)
	Tags []Tag
}

// HasContent сообщает, хранится ли ещё содержимое файла.
func (f *File) HasContent() bool {
	return f.Path != nil && *f.Path != ""
}

// Tag: метка файла.
// Хранится в таблице tag, связь с файлами - tag_file.
type Tag struct {
	ID   int64
	Name string
}
