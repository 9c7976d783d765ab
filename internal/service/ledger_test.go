package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bigkaa/scanstore/internal/domain/model"
	"github.com/bigkaa/scanstore/internal/domain/status"
	"github.com/bigkaa/scanstore/internal/probe/catalog"
	"github.com/bigkaa/scanstore/internal/probe/queue"
)

// mockPublisher: мок Publisher, запоминающий опубликованные запросы.
type mockPublisher struct {
	publishFn func(ctx context.Context, reqs []queue.DispatchRequest) error
	published []queue.DispatchRequest
}

func (m *mockPublisher) Publish(ctx context.Context, reqs []queue.DispatchRequest) error {
	if m.publishFn != nil {
		if err := m.publishFn(ctx, reqs); err != nil {
			return err
		}
	}
	m.published = append(m.published, reqs...)
	return nil
}

// ledgerEnv: сервисы поверх одного fakeDB.
type ledgerEnv struct {
	db       *fakeDB
	registry *RegistryService
	agg      *AggregatorService
	ledger   *LedgerService
	pub      *mockPublisher
}

func newLedgerEnv(t *testing.T) *ledgerEnv {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	db := newFakeDB()
	store := &fakeStore{db: db}
	agg := NewAggregatorService(store, discardLogger())
	pub := &mockPublisher{}
	return &ledgerEnv{
		db:       db,
		registry: NewRegistryService(store, nil, discardLogger()),
		agg:      agg,
		ledger:   NewLedgerService(store, cat, pub, agg, discardLogger()),
		pub:      pub,
	}
}

func (e *ledgerEnv) newScan(t *testing.T) *model.Scan {
	t.Helper()
	scan, err := e.registry.CreateScan(context.Background(), time.Now(), "10.1.2.3")
	if err != nil {
		t.Fatalf("CreateScan ошибка: %v", err)
	}
	return scan
}

func (e *ledgerEnv) attach(t *testing.T, f *model.File, name string, scan *model.Scan) *model.FileWeb {
	t.Helper()
	fw, err := e.registry.AttachFileToScan(context.Background(), f, name, scan)
	if err != nil {
		t.Fatalf("AttachFileToScan ошибка: %v", err)
	}
	return fw
}

// TestLedger_Scenario: скан с одним файлом и одной пробой проходит путь
// от запуска до завершения.
func TestLedger_Scenario(t *testing.T) {
	e := newLedgerEnv(t)
	ctx := context.Background()

	s1 := e.newScan(t)
	f1 := e.db.addFile(helloSHA256)
	fw := e.attach(t, f1, "a.exe", s1)

	pr1, err := e.ledger.Dispatch(ctx, fw, "av", "scanner1")
	if err != nil {
		t.Fatalf("Dispatch ошибка: %v", err)
	}
	if pr1.Completed() {
		t.Fatal("новый результат пробы уже завершён")
	}

	if _, err := e.agg.SetStatus(ctx, s1, status.Launched); err != nil {
		t.Fatalf("SetStatus ошибка: %v", err)
	}
	finished, err := e.agg.IsFinished(ctx, s1)
	if err != nil || finished {
		t.Fatalf("IsFinished после launched = %v, %v; ожидалось false", finished, err)
	}

	if _, err := e.ledger.Complete(ctx, pr1.ID, "ref123", 1); err != nil {
		t.Fatalf("Complete ошибка: %v", err)
	}
	finished, err = e.agg.IsFinished(ctx, s1)
	if err != nil || !finished {
		t.Fatalf("IsFinished после complete = %v, %v; ожидалось true", finished, err)
	}

	current, _ := e.agg.CurrentStatus(ctx, s1)
	if current != status.Finished {
		t.Errorf("CurrentStatus = %s, после завершения записывается finished", current)
	}
}

// TestLedger_CompleteTwice проверяет однократную фиксацию результата.
func TestLedger_CompleteTwice(t *testing.T) {
	e := newLedgerEnv(t)
	ctx := context.Background()

	scan := e.newScan(t)
	fw := e.attach(t, e.db.addFile(helloSHA256), "a.exe", scan)
	pr, err := e.ledger.Dispatch(ctx, fw, "antivirus", "clamav")
	if err != nil {
		t.Fatalf("Dispatch ошибка: %v", err)
	}

	first, err := e.ledger.Complete(ctx, pr.ID, "ref-1", 1)
	if err != nil {
		t.Fatalf("Complete ошибка: %v", err)
	}
	if first.NoSQLID == nil || *first.NoSQLID != "ref-1" || *first.Result != 1 {
		t.Fatalf("Complete вернул %+v", first)
	}

	if _, err := e.ledger.Complete(ctx, pr.ID, "ref-2", 0); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("повторный Complete: ожидалась ErrIntegrity, получено %v", err)
	}

	got, err := e.ledger.Get(ctx, pr.ID)
	if err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	if *got.NoSQLID != "ref-1" || *got.Result != 1 {
		t.Errorf("первый результат изменён: nosql_id=%s result=%d", *got.NoSQLID, *got.Result)
	}

	if _, err := e.ledger.Complete(ctx, 4242, "ref", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный результат: ожидалась ErrNotFound, получено %v", err)
	}
	if _, err := e.ledger.Complete(ctx, pr.ID, " ", 0); !errors.Is(err, ErrValidation) {
		t.Errorf("пустая ссылка: ожидалась ErrValidation, получено %v", err)
	}
}

// TestLedger_DispatchSharing проверяет разделение результата между ссылками
// на одно содержимое внутри скана.
func TestLedger_DispatchSharing(t *testing.T) {
	e := newLedgerEnv(t)
	ctx := context.Background()

	scan := e.newScan(t)
	f := e.db.addFile(helloSHA256)
	other := e.db.addFile("0000000000000000000000000000000000000000000000000000000000000002")
	fw1 := e.attach(t, f, "a.exe", scan)
	fw2 := e.attach(t, f, "copy.exe", scan)
	fw3 := e.attach(t, other, "b.exe", scan)

	pr1, err := e.ledger.Dispatch(ctx, fw1, "antivirus", "clamav")
	if err != nil {
		t.Fatalf("Dispatch ошибка: %v", err)
	}
	pr2, err := e.ledger.Dispatch(ctx, fw2, "antivirus", "clamav")
	if err != nil {
		t.Fatalf("Dispatch ошибка: %v", err)
	}
	pr3, err := e.ledger.Dispatch(ctx, fw3, "antivirus", "clamav")
	if err != nil {
		t.Fatalf("Dispatch ошибка: %v", err)
	}

	if pr2.ID != pr1.ID {
		t.Errorf("одинаковое содержимое: результаты %d и %d, ожидался общий", pr1.ID, pr2.ID)
	}
	if pr3.ID == pr1.ID {
		t.Error("разное содержимое получило общий результат")
	}

	// Другой скан не разделяет результаты
	scan2 := e.newScan(t)
	fw4 := e.attach(t, f, "a.exe", scan2)
	pr4, err := e.ledger.Dispatch(ctx, fw4, "antivirus", "clamav")
	if err != nil {
		t.Fatalf("Dispatch ошибка: %v", err)
	}
	if pr4.ID == pr1.ID {
		t.Error("результат разделён между разными сканами")
	}

	results, err := e.ledger.ProbeResults(ctx, fw2)
	if err != nil || len(results) != 1 || results[0].ID != pr1.ID {
		t.Errorf("ProbeResults(fw2) = %v (%v), ожидался общий результат %d", results, err, pr1.ID)
	}
}

// TestLedger_DispatchValidation проверяет проверку пар (тип, имя) по каталогу.
func TestLedger_DispatchValidation(t *testing.T) {
	e := newLedgerEnv(t)
	ctx := context.Background()
	scan := e.newScan(t)
	fw := e.attach(t, e.db.addFile(helloSHA256), "a.exe", scan)

	tests := []struct {
		name      string
		probeType string
		probeName string
		wantErr   error
	}{
		{"пустой тип", "", "clamav", ErrValidation},
		{"пустое имя", "antivirus", " ", ErrValidation},
		{"категория не совпадает", "metadata", catalog.McAfeeVSCLWin.Name, catalog.ErrCategoryMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ledger.Dispatch(ctx, fw, tt.probeType, tt.probeName)
			if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrValidation) {
				t.Errorf("ожидалась %v (ErrValidation), получено %v", tt.wantErr, err)
			}
		})
	}

	if _, err := e.ledger.Dispatch(ctx, fw, "antivirus", catalog.McAfeeVSCLWin.Name); err != nil {
		t.Errorf("зарегистрированная проба: %v", err)
	}
}

// TestLedger_DispatchScan проверяет назначение проб всем файлам скана.
func TestLedger_DispatchScan(t *testing.T) {
	e := newLedgerEnv(t)
	ctx := context.Background()

	scan := e.newScan(t)
	f := e.db.addFile(helloSHA256)
	e.attach(t, f, "a.exe", scan)
	e.attach(t, f, "b.exe", scan)
	e.attach(t, e.db.addFile("0000000000000000000000000000000000000000000000000000000000000003"), "c.exe", scan)

	probes := []model.Probe{
		{Type: "antivirus", Name: "clamav"},
		{Type: "metadata", Name: "pe"},
		{Type: "antivirus", Name: "clamav"},
	}
	results, err := e.ledger.DispatchScan(ctx, scan, probes)
	if err != nil {
		t.Fatalf("DispatchScan ошибка: %v", err)
	}
	// 2 различных файла × 2 различные пробы
	if len(results) != 4 {
		t.Errorf("результатов = %d, ожидалось 4", len(results))
	}
	if len(e.db.links) != 6 {
		t.Errorf("привязок = %d, ожидалось 6 (3 ссылки × 2 пробы)", len(e.db.links))
	}

	if _, err := e.ledger.DispatchScan(ctx, scan, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("без проб: ожидалась ErrValidation, получено %v", err)
	}
}

// TestLedger_LaunchScan проверяет запуск: записи, статус launched и публикацию.
func TestLedger_LaunchScan(t *testing.T) {
	e := newLedgerEnv(t)
	ctx := context.Background()

	scan := e.newScan(t)
	f := e.db.addFile(helloSHA256)
	e.attach(t, f, "a.exe", scan)
	e.attach(t, f, "a-copy.exe", scan)

	results, err := e.ledger.LaunchScan(ctx, scan, []model.Probe{{Type: "antivirus", Name: "clamav"}})
	if err != nil {
		t.Fatalf("LaunchScan ошибка: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("результатов = %d, ожидался 1 общий", len(results))
	}

	want := []queue.DispatchRequest{{
		ProbeResultID: results[0].ID,
		ScanID:        scan.ExternalID,
		FileSHA256:    helloSHA256,
		FilePath:      *f.Path,
		ProbeType:     "antivirus",
		ProbeName:     "clamav",
	}}
	if diff := cmp.Diff(want, e.pub.published); diff != "" {
		t.Errorf("опубликованные запросы (-want +got):\n%s", diff)
	}

	current, _ := e.agg.CurrentStatus(ctx, scan)
	if current != status.Launched {
		t.Errorf("CurrentStatus = %s, ожидался launched", current)
	}

	if _, err := e.ledger.LaunchScan(ctx, scan, []model.Probe{{Type: "antivirus", Name: "clamav"}}); !errors.Is(err, ErrValidation) {
		t.Errorf("повторный запуск: ожидалась ErrValidation, получено %v", err)
	}
}

// TestLedger_LaunchLocksScan проверяет, что строка скана блокируется до
// проверки статуса, а запуск несуществующего скана ничего не записывает.
func TestLedger_LaunchLocksScan(t *testing.T) {
	e := newLedgerEnv(t)
	ctx := context.Background()

	scan := e.newScan(t)
	e.attach(t, e.db.addFile(helloSHA256), "a.exe", scan)
	e.db.ops = nil

	if _, err := e.ledger.LaunchScan(ctx, scan, []model.Probe{{Type: "antivirus", Name: "clamav"}}); err != nil {
		t.Fatalf("LaunchScan ошибка: %v", err)
	}
	if diff := cmp.Diff([]int64{scan.ID}, e.db.scanLocks); diff != "" {
		t.Errorf("блокировки сканов (-want +got):\n%s", diff)
	}
	if len(e.db.ops) < 2 || e.db.ops[0] != "lock" || e.db.ops[1] != "events" {
		t.Errorf("порядок операций = %v, ожидалась блокировка перед чтением журнала", e.db.ops)
	}

	missing := &model.Scan{ID: 424242, ExternalID: "missing"}
	before := len(e.db.probeResults)
	if _, err := e.ledger.LaunchScan(ctx, missing, []model.Probe{{Type: "antivirus", Name: "clamav"}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("несуществующий скан: ожидалась ErrNotFound, получено %v", err)
	}
	if len(e.db.probeResults) != before {
		t.Errorf("результатов в БД = %d, ожидалось %d", len(e.db.probeResults), before)
	}
}

// TestLedger_LaunchEmptyScan проверяет, что скан без файлов сразу завершён.
func TestLedger_LaunchEmptyScan(t *testing.T) {
	e := newLedgerEnv(t)
	ctx := context.Background()
	scan := e.newScan(t)

	results, err := e.ledger.LaunchScan(ctx, scan, []model.Probe{{Type: "antivirus", Name: "clamav"}})
	if err != nil {
		t.Fatalf("LaunchScan ошибка: %v", err)
	}
	if len(results) != 0 || len(e.pub.published) != 0 {
		t.Errorf("результатов %d, запросов %d; ожидалось 0", len(results), len(e.pub.published))
	}
	current, _ := e.agg.CurrentStatus(ctx, scan)
	if current != status.Finished {
		t.Errorf("CurrentStatus = %s, ожидался finished", current)
	}
}

// TestLedger_LaunchPublishError проверяет, что записи сохраняются при сбое публикации.
func TestLedger_LaunchPublishError(t *testing.T) {
	e := newLedgerEnv(t)
	ctx := context.Background()
	e.pub.publishFn = func(context.Context, []queue.DispatchRequest) error { return errBoom }

	scan := e.newScan(t)
	e.attach(t, e.db.addFile(helloSHA256), "a.exe", scan)

	results, err := e.ledger.LaunchScan(ctx, scan, []model.Probe{{Type: "antivirus", Name: "clamav"}})
	if !errors.Is(err, ErrDispatch) || !errors.Is(err, errBoom) {
		t.Fatalf("ожидалась ErrDispatch, получено %v", err)
	}
	if len(results) != 1 || len(e.db.probeResults) != 1 {
		t.Errorf("результатов %d, в БД %d; записи должны сохраниться", len(results), len(e.db.probeResults))
	}
	current, _ := e.agg.CurrentStatus(ctx, scan)
	if current != status.Launched {
		t.Errorf("CurrentStatus = %s, ожидался launched", current)
	}
}

// TestLedger_NilPublisher проверяет работу без транспорта.
func TestLedger_NilPublisher(t *testing.T) {
	db := newFakeDB()
	store := &fakeStore{db: db}
	agg := NewAggregatorService(store, discardLogger())
	ledger := NewLedgerService(store, nil, nil, agg, discardLogger())
	registry := NewRegistryService(store, nil, discardLogger())
	ctx := context.Background()

	scan, _ := registry.CreateScan(ctx, time.Now(), "10.0.0.1")
	registry.AttachFileToScan(ctx, db.addFile(helloSHA256), "a.exe", scan)

	if _, err := ledger.LaunchScan(ctx, scan, []model.Probe{{Type: "any", Name: "probe"}}); err != nil {
		t.Fatalf("LaunchScan без издателя: %v", err)
	}
}
