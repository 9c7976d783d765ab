package model

// ProbeResult: результат анализа файла одной пробой.
// Один результат может быть разделён между несколькими FileWeb
// с одинаковым содержимым (таблица probe_result_file_web).
type ProbeResult struct {
	ID int64
	// FileID: файл, который анализирует проба
	FileID int64
	// ProbeType: категория пробы (antivirus, metadata, ...)
	ProbeType string
	// ProbeName: имя пробы
	ProbeName string
	// NoSQLID: ссылка на полный результат во внешнем хранилище; nil пока проба не завершилась
	NoSQLID *string
	// Result: код вердикта; nil пока проба не завершилась
	Result *int
}

// Completed сообщает, завершилась ли проба.
func (p *ProbeResult) Completed() bool {
	return p.NoSQLID != nil
}

// Probe: пара (тип, имя) пробы для запуска.
type Probe struct {
	Type string
	Name string
}
