package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bigkaa/scanstore/internal/domain/model"
	"github.com/bigkaa/scanstore/internal/domain/status"
	"github.com/bigkaa/scanstore/internal/repository"
)

// --- In-memory хранилище для unit-тестов ---

// fakeDB: in-memory реализация репозиториев с теми же правилами
// уникальности, что и схема PostgreSQL.
type fakeDB struct {
	mu     sync.Mutex
	nextID int64

	files        map[int64]*model.File
	tags         map[int64]*model.Tag
	tagFile      map[[2]int64]bool
	scans        map[int64]*model.Scan
	events       []model.ScanEvent
	submissions  map[int64]*model.Submission
	fileWebs     map[int64]*model.FileWeb
	fileAgents   map[int64]*model.FileAgent
	probeResults map[int64]*model.ProbeResult
	links        map[[2]int64]bool // (id_fw, id_pr)

	// Хуки для внедрения ошибок
	upsertErr   error
	addEventErr error
	searchFn    func(q repository.SearchQuery) (*repository.SearchResult, error)

	// afterListExpired вызывается после выборки устаревших файлов
	afterListExpired func()

	snapshots int
	// scanLocks: блокировки строк сканов в порядке вызова
	scanLocks []int64
	// ops: журнал операций со сканами для проверки порядка
	ops []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		files:        make(map[int64]*model.File),
		tags:         make(map[int64]*model.Tag),
		tagFile:      make(map[[2]int64]bool),
		scans:        make(map[int64]*model.Scan),
		submissions:  make(map[int64]*model.Submission),
		fileWebs:     make(map[int64]*model.FileWeb),
		fileAgents:   make(map[int64]*model.FileAgent),
		probeResults: make(map[int64]*model.ProbeResult),
		links:        make(map[[2]int64]bool),
	}
}

func (db *fakeDB) id() int64 {
	db.nextID++
	return db.nextID
}

func (db *fakeDB) repos() *repository.Repositories {
	return &repository.Repositories{
		Files:        fakeFiles{db},
		Tags:         fakeTags{db},
		Scans:        fakeScans{db},
		Submissions:  fakeSubmissions{db},
		FileWebs:     fakeFileWebs{db},
		FileAgents:   fakeFileAgents{db},
		ProbeResults: fakeProbeResults{db},
		Search:       fakeSearch{db},
	}
}

// fakeStore: Store поверх fakeDB. Транзакции не изолируются.
type fakeStore struct {
	db *fakeDB
}

func (s *fakeStore) InTx(_ context.Context, fn func(r *repository.Repositories) error) error {
	return fn(s.db.repos())
}

func (s *fakeStore) InSnapshot(_ context.Context, fn func(r *repository.Repositories) error) error {
	s.db.mu.Lock()
	s.db.snapshots++
	s.db.mu.Unlock()
	return fn(s.db.repos())
}

func (s *fakeStore) Repos() *repository.Repositories {
	return s.db.repos()
}

// --- file ---

type fakeFiles struct{ db *fakeDB }

func (r fakeFiles) Upsert(_ context.Context, f *model.File) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.upsertErr != nil {
		return r.db.upsertErr
	}
	for _, existing := range r.db.files {
		if existing.SHA256 == f.SHA256 {
			existing.TimestampLastScan = f.TimestampLastScan
			existing.Size = f.Size
			existing.Path = f.Path
			f.ID = existing.ID
			f.TimestampFirstScan = existing.TimestampFirstScan
			return nil
		}
	}
	cp := *f
	cp.ID = r.db.id()
	cp.TimestampFirstScan = f.TimestampLastScan
	r.db.files[cp.ID] = &cp
	f.ID = cp.ID
	f.TimestampFirstScan = cp.TimestampFirstScan
	return nil
}

func (r fakeFiles) GetByID(_ context.Context, id int64) (*model.File, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	f, ok := r.db.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r fakeFiles) GetByHash(_ context.Context, hashType, value string) (*model.File, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var found []*model.File
	for _, f := range r.db.files {
		var v string
		switch hashType {
		case "sha256":
			v = f.SHA256
		case "sha1":
			v = f.SHA1
		case "md5":
			v = f.MD5
		default:
			return nil, repository.ErrInvalidQuery
		}
		if v == value {
			found = append(found, f)
		}
	}
	switch len(found) {
	case 0:
		return nil, repository.ErrNotFound
	case 1:
		cp := *found[0]
		return &cp, nil
	default:
		return nil, repository.ErrMultipleRows
	}
}

func (r fakeFiles) ListExpired(_ context.Context, before time.Time) ([]*model.File, error) {
	out := r.listExpired(before)
	if r.db.afterListExpired != nil {
		r.db.afterListExpired()
	}
	return out, nil
}

func (r fakeFiles) listExpired(before time.Time) []*model.File {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.File
	for _, f := range r.db.files {
		if f.Path != nil && f.TimestampLastScan.Before(before) {
			cp := *f
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *model.File) int { return int(a.ID - b.ID) })
	return out
}

func (r fakeFiles) ClearExpiredPath(_ context.Context, id int64, before time.Time) (string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	f, ok := r.db.files[id]
	if !ok || f.Path == nil || !f.TimestampLastScan.Before(before) {
		return "", repository.ErrNotFound
	}
	path := *f.Path
	f.Path = nil
	return path, nil
}

// --- tag ---

type fakeTags struct{ db *fakeDB }

func (r fakeTags) GetOrCreate(_ context.Context, name string) (*model.Tag, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, t := range r.db.tags {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	t := &model.Tag{ID: r.db.id(), Name: name}
	r.db.tags[t.ID] = t
	cp := *t
	return &cp, nil
}

func (r fakeTags) GetByName(_ context.Context, name string) (*model.Tag, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, t := range r.db.tags {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r fakeTags) List(_ context.Context) ([]model.Tag, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]model.Tag, 0, len(r.db.tags))
	for _, t := range r.db.tags {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b model.Tag) int { return int(a.ID - b.ID) })
	return out, nil
}

func (r fakeTags) Attach(_ context.Context, tagID, fileID int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.tagFile[[2]int64{tagID, fileID}] = true
	return nil
}

func (r fakeTags) Detach(_ context.Context, tagID, fileID int64) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := [2]int64{tagID, fileID}
	if !r.db.tagFile[key] {
		return false, nil
	}
	delete(r.db.tagFile, key)
	return true, nil
}

func (r fakeTags) ListByFile(_ context.Context, fileID int64) ([]model.Tag, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.Tag
	for key := range r.db.tagFile {
		if key[1] == fileID {
			out = append(out, *r.db.tags[key[0]])
		}
	}
	slices.SortFunc(out, func(a, b model.Tag) int { return int(a.ID - b.ID) })
	return out, nil
}

// --- scan ---

type fakeScans struct{ db *fakeDB }

func (r fakeScans) Create(_ context.Context, s *model.Scan) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.scans {
		if existing.ExternalID == s.ExternalID {
			return repository.ErrConflict
		}
	}
	s.ID = r.db.id()
	cp := *s
	r.db.scans[s.ID] = &cp
	return nil
}

func (r fakeScans) GetByID(_ context.Context, id int64) (*model.Scan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.scans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r fakeScans) Lock(_ context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.scans[id]; !ok {
		return repository.ErrNotFound
	}
	r.db.scanLocks = append(r.db.scanLocks, id)
	r.db.ops = append(r.db.ops, "lock")
	return nil
}

func (r fakeScans) GetByExternalID(_ context.Context, externalID string) (*model.Scan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, s := range r.db.scans {
		if s.ExternalID == externalID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r fakeScans) AddEvent(_ context.Context, scanID int64, code status.Code, ts time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.addEventErr != nil {
		return false, r.db.addEventErr
	}
	for _, e := range r.db.events {
		if e.ScanID == scanID && e.Status == code {
			return false, nil
		}
	}
	r.db.events = append(r.db.events, model.ScanEvent{ID: r.db.id(), ScanID: scanID, Status: code, Timestamp: ts})
	return true, nil
}

func (r fakeScans) ListEvents(_ context.Context, scanID int64) ([]model.ScanEvent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.ops = append(r.db.ops, "events")
	var out []model.ScanEvent
	for _, e := range r.db.events {
		if e.ScanID == scanID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r fakeScans) CompletionFlags(_ context.Context, scanID int64) ([]bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var flags []bool
	for key := range r.db.links {
		fw := r.db.fileWebs[key[0]]
		if fw == nil || fw.ScanID != scanID {
			continue
		}
		flags = append(flags, r.db.probeResults[key[1]].NoSQLID != nil)
	}
	return flags, nil
}

func (r fakeScans) ListByProbeResult(_ context.Context, probeResultID int64) ([]*model.Scan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	seen := make(map[int64]bool)
	var out []*model.Scan
	for key := range r.db.links {
		if key[1] != probeResultID {
			continue
		}
		scanID := r.db.fileWebs[key[0]].ScanID
		if seen[scanID] {
			continue
		}
		seen[scanID] = true
		cp := *r.db.scans[scanID]
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *model.Scan) int { return int(a.ID - b.ID) })
	return out, nil
}

// --- submission ---

type fakeSubmissions struct{ db *fakeDB }

func (r fakeSubmissions) Create(_ context.Context, s *model.Submission) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s.ID = r.db.id()
	cp := *s
	r.db.submissions[s.ID] = &cp
	return nil
}

func (r fakeSubmissions) GetByID(_ context.Context, id int64) (*model.Submission, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.submissions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r fakeSubmissions) GetByExternalID(_ context.Context, externalID string) (*model.Submission, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var found []*model.Submission
	for _, s := range r.db.submissions {
		if s.ExternalID == externalID {
			found = append(found, s)
		}
	}
	switch len(found) {
	case 0:
		return nil, repository.ErrNotFound
	case 1:
		cp := *found[0]
		return &cp, nil
	default:
		return nil, repository.ErrMultipleRows
	}
}

// --- file_web / file_agent ---

type fakeFileWebs struct{ db *fakeDB }

func (r fakeFileWebs) Create(_ context.Context, fw *model.FileWeb) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	fw.ID = r.db.id()
	cp := *fw
	r.db.fileWebs[fw.ID] = &cp
	return nil
}

func (r fakeFileWebs) GetByID(_ context.Context, id int64) (*model.FileWeb, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	fw, ok := r.db.fileWebs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *fw
	return &cp, nil
}

func (r fakeFileWebs) ListByScan(_ context.Context, scanID int64) ([]*model.FileWeb, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.FileWeb
	for _, fw := range r.db.fileWebs {
		if fw.ScanID == scanID {
			cp := *fw
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *model.FileWeb) int { return int(a.ID - b.ID) })
	return out, nil
}

func (r fakeFileWebs) ListNamesByFile(_ context.Context, fileID int64) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []string
	for _, fw := range r.db.fileWebs {
		if fw.FileID == fileID {
			out = append(out, fw.Name)
		}
	}
	return out, nil
}

type fakeFileAgents struct{ db *fakeDB }

func (r fakeFileAgents) Create(_ context.Context, fa *model.FileAgent) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	fa.ID = r.db.id()
	cp := *fa
	r.db.fileAgents[fa.ID] = &cp
	return nil
}

func (r fakeFileAgents) ListBySubmission(_ context.Context, submissionID int64) ([]*model.FileAgent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.FileAgent
	for _, fa := range r.db.fileAgents {
		if fa.SubmissionID == submissionID {
			cp := *fa
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *model.FileAgent) int { return int(a.ID - b.ID) })
	return out, nil
}

func (r fakeFileAgents) ListPathsByFile(_ context.Context, fileID int64) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []string
	for _, fa := range r.db.fileAgents {
		if fa.FileID == fileID {
			out = append(out, fa.SubmissionPath)
		}
	}
	return out, nil
}

// --- probe_result ---

type fakeProbeResults struct{ db *fakeDB }

func (r fakeProbeResults) Create(_ context.Context, pr *model.ProbeResult) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	pr.ID = r.db.id()
	pr.NoSQLID = nil
	pr.Result = nil
	cp := *pr
	r.db.probeResults[pr.ID] = &cp
	return nil
}

func (r fakeProbeResults) GetByID(_ context.Context, id int64) (*model.ProbeResult, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	pr, ok := r.db.probeResults[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (r fakeProbeResults) FindShared(_ context.Context, scanID, fileID int64, probeName string) (*model.ProbeResult, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var best *model.ProbeResult
	for key := range r.db.links {
		fw := r.db.fileWebs[key[0]]
		pr := r.db.probeResults[key[1]]
		if fw.ScanID != scanID || pr.FileID != fileID || pr.ProbeName != probeName {
			continue
		}
		if best == nil || pr.ID < best.ID {
			best = pr
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r fakeProbeResults) Link(_ context.Context, fileWebID, probeResultID int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.links[[2]int64{fileWebID, probeResultID}] = true
	return nil
}

func (r fakeProbeResults) Complete(_ context.Context, id int64, nosqlID string, verdict int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	pr, ok := r.db.probeResults[id]
	if !ok {
		return repository.ErrNotFound
	}
	if pr.NoSQLID != nil {
		return repository.ErrAlreadyCompleted
	}
	pr.NoSQLID = &nosqlID
	pr.Result = &verdict
	return nil
}

func (r fakeProbeResults) ListByFileWeb(_ context.Context, fileWebID int64) ([]*model.ProbeResult, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.ProbeResult
	for key := range r.db.links {
		if key[0] == fileWebID {
			cp := *r.db.probeResults[key[1]]
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *model.ProbeResult) int { return int(a.ID - b.ID) })
	return out, nil
}

// --- search ---

type fakeSearch struct{ db *fakeDB }

func (r fakeSearch) Search(_ context.Context, q repository.SearchQuery) (*repository.SearchResult, error) {
	if r.db.searchFn != nil {
		return r.db.searchFn(q)
	}
	return &repository.SearchResult{}, nil
}

// --- Общие помощники ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// addFile добавляет файл с заданным sha256 напрямую в fakeDB.
func (db *fakeDB) addFile(sha256 string) *model.File {
	path := "/samples/" + sha256
	f := &model.File{SHA256: sha256, SHA1: "sha1-" + sha256, MD5: "md5-" + sha256, Path: &path,
		TimestampLastScan: time.Now().UTC()}
	if err := (fakeFiles{db}).Upsert(context.Background(), f); err != nil {
		panic(err)
	}
	return f
}

var errBoom = errors.New("сбой")
