// Пакет samples: хранилище содержимого образцов, адресуемое по SHA-256.
// Путь файла: {root}/{d[0:2]}/{d[2:4]}/{d[4:6]}/{sha256}.
// Запись идёт во временный файл с подсчётом дайджестов на лету и fsync;
// атомарный rename в итоговый путь выполняется отдельным шагом (Staged.Commit).
package samples

import (
	"crypto/md5"  //nolint:gosec // устаревший дайджест для совместимости поиска
	"crypto/sha1" //nolint:gosec // устаревший дайджест для совместимости поиска
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotExist: содержимое отсутствует в хранилище.
var ErrNotExist = errors.New("содержимое отсутствует в хранилище")

// Уровни вложенности каталогов и число hex-символов на уровень.
const (
	fanoutLevels = 3
	fanoutWidth  = 2
)

// Store: хранилище содержимого образцов на диске.
type Store struct {
	root string
}

// Digests: дайджесты и размер записанного содержимого.
type Digests struct {
	SHA256 string
	SHA1   string
	MD5    string
	Size   int64
}

// New создаёт хранилище и при необходимости его корневой каталог.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог образцов %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root возвращает корневой каталог хранилища.
func (s *Store) Root() string {
	return s.root
}

// PathFor возвращает путь содержимого с дайджестом sha256.
func (s *Store) PathFor(sha256Hex string) (string, error) {
	if !isHex(sha256Hex, sha256.Size*2) {
		return "", fmt.Errorf("некорректный sha256 %q", sha256Hex)
	}
	parts := make([]string, 0, fanoutLevels+2)
	parts = append(parts, s.root)
	for i := 0; i < fanoutLevels; i++ {
		parts = append(parts, sha256Hex[i*fanoutWidth:(i+1)*fanoutWidth])
	}
	parts = append(parts, sha256Hex)
	return filepath.Join(parts...), nil
}

// Staged: содержимое, записанное во временный файл и ещё не перенесённое
// в итоговый путь. Завершается ровно одним вызовом Commit или Discard.
type Staged struct {
	// Path: итоговый путь содержимого после Commit
	Path    string
	Digests *Digests
	tmpPath string
}

// Commit атомарно переносит содержимое в итоговый путь.
// Одинаковый дайджест означает одинаковое содержимое, поэтому замена
// существующего файла безопасна.
func (st *Staged) Commit() error {
	if err := os.MkdirAll(filepath.Dir(st.Path), 0o750); err != nil {
		os.Remove(st.tmpPath)
		return fmt.Errorf("ошибка создания каталога %s: %w", filepath.Dir(st.Path), err)
	}
	if err := os.Rename(st.tmpPath, st.Path); err != nil {
		os.Remove(st.tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Discard удаляет временный файл. После Commit ничего не делает.
func (st *Staged) Discard() {
	os.Remove(st.tmpPath)
}

// Stage записывает содержимое из r во временный файл с подсчётом дайджестов
// и fsync. Итоговый путь не затрагивается до Commit. При ошибке временный
// файл удаляется.
func (s *Store) Stage(r io.Reader) (*Staged, error) {
	tmpPath := filepath.Join(s.root, ".tmp-"+uuid.NewString())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	h256 := sha256.New()
	h1 := sha1.New() //nolint:gosec
	h5 := md5.New()  //nolint:gosec
	tee := io.TeeReader(r, io.MultiWriter(h256, h1, h5))

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	d := &Digests{
		SHA256: hex.EncodeToString(h256.Sum(nil)),
		SHA1:   hex.EncodeToString(h1.Sum(nil)),
		MD5:    hex.EncodeToString(h5.Sum(nil)),
		Size:   size,
	}

	fullPath, err := s.PathFor(d.SHA256)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	return &Staged{Path: fullPath, Digests: d, tmpPath: tmpPath}, nil
}

// Write записывает содержимое из r и возвращает его путь и дайджесты.
// Итоговый путь либо не создаётся, либо содержит полное содержимое.
func (s *Store) Write(r io.Reader) (string, *Digests, error) {
	st, err := s.Stage(r)
	if err != nil {
		return "", nil, err
	}
	if err := st.Commit(); err != nil {
		return "", nil, err
	}
	return st.Path, st.Digests, nil
}

// Open открывает содержимое по пути. Вызывающий код обязан закрыть файл.
func (s *Store) Open(path string) (*os.File, error) {
	if err := s.contains(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("ошибка открытия %s: %w", path, err)
	}
	return f, nil
}

// Delete удаляет содержимое по пути. Отсутствие файла - не ошибка.
func (s *Store) Delete(path string) error {
	if err := s.contains(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления %s: %w", path, err)
	}
	return nil
}

// Exists сообщает, существует ли содержимое по пути.
func (s *Store) Exists(path string) bool {
	if s.contains(path) != nil {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// contains проверяет, что путь лежит внутри корня хранилища.
func (s *Store) contains(path string) error {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("путь %s вне хранилища образцов", path)
	}
	return nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
