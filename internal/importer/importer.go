// Package importer는 STABLE 파일을 데이터셋으로 옮긴다.
//
// 파일은 조건부 STABLE → IMPORTING 갱신으로 선점하고, 파싱한 뒤 IMPORTED 표시와
// 함께 한 트랜잭션으로 쓴다. 선점 이후 실패하면 데이터셋 행은 남지 않고
// 파일은 별도 쓰기로 IMPORT_FAILED가 된다.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/config"
	"github.com/jeongdaeha/cycler-harvester/internal/database"
	"github.com/jeongdaeha/cycler-harvester/internal/models"
	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
	"github.com/jeongdaeha/cycler-harvester/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	// ErrFileVanished는 스캔과 임포트 사이에 파일이 사라졌거나 바뀐 경우이다.
	// 파일 상태는 그대로 둔다.
	ErrFileVanished = errors.New("importer: file vanished before import")

	// ErrClaimLost는 STABLE → IMPORTING 갱신에 걸린 행이 없는 경우이다.
	ErrClaimLost = errors.New("importer: file already claimed")
)

// Opener는 파일에 맞는 형식을 골라 연다. *parsers.Registry가 구현한다.
type Opener interface {
	Open(path string) (parsers.File, string, error)
}

type Outcome string

const (
	OutcomeImported        Outcome = "imported"
	OutcomeExtended        Outcome = "extended"
	OutcomeAlreadyImported Outcome = "already_imported"
	OutcomeFailed          Outcome = "failed"
	OutcomeSkipped         Outcome = "skipped"
)

type Result struct {
	Candidates      int
	Imported        int
	Extended        int
	AlreadyImported int
	Failed          int
	Skipped         int
	Rows            int64
}

type Coordinator struct {
	store     *database.Store
	harvester *models.Harvester
	opener    Opener
	basePath  string
	batchSize int
	now       func() time.Time

	imports        metric.Int64Counter
	importDuration metric.Float64Histogram
	rowsImported   metric.Int64Counter
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func New(store *database.Store, harvester *models.Harvester, opener Opener, cfg config.HarvesterConfig, opts ...Option) (*Coordinator, error) {
	meter := telemetry.Meter()

	imports, err := meter.Int64Counter(
		"harvester_imports",
		metric.WithDescription("파일 임포트 시도 결과별 횟수"),
	)
	if err != nil {
		return nil, fmt.Errorf("imports 메트릭 생성 실패: %w", err)
	}

	importDuration, err := meter.Float64Histogram(
		"harvester_import_duration_ms",
		metric.WithDescription("파일 임포트 소요 시간 (밀리초)"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("import_duration 메트릭 생성 실패: %w", err)
	}

	rowsImported, err := meter.Int64Counter(
		"harvester_rows_imported",
		metric.WithDescription("임포트된 샘플 행 수"),
	)
	if err != nil {
		return nil, fmt.Errorf("rows_imported 메트릭 생성 실패: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	c := &Coordinator{
		store:          store,
		harvester:      harvester,
		opener:         opener,
		basePath:       cfg.BasePath,
		batchSize:      batchSize,
		now:            time.Now,
		imports:        imports,
		importDuration: importDuration,
		rowsImported:   rowsImported,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ImportAll은 하베스터의 STABLE 파일 전체를 한 번 임포트한다. 파일 하나의
// 실패가 배치를 멈추지 않는다.
func (c *Coordinator) ImportAll(ctx context.Context) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "import_cycle",
		oteltrace.WithAttributes(attribute.String("harvester", c.harvester.Name)),
	)
	defer span.End()

	startTime := time.Now()
	var res Result

	files, err := c.store.ListFilesInState(ctx, c.harvester.ID, models.StateStable)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("STABLE 파일 조회 실패: %w", err)
	}
	res.Candidates = len(files)

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		outcome, rows, err := c.ImportFile(ctx, file)
		res.Rows += rows

		switch outcome {
		case OutcomeImported:
			res.Imported++
		case OutcomeExtended:
			res.Extended++
		case OutcomeAlreadyImported:
			res.AlreadyImported++
		case OutcomeSkipped:
			res.Skipped++
		default:
			res.Failed++
		}

		switch {
		case errors.Is(err, ErrFileVanished):
			slog.Info("파일이 사라져 임포트를 건너뜁니다",
				"monitored_path_id", file.MonitoredPathID,
				"path", file.Path,
			)
		case errors.Is(err, ErrClaimLost):
			slog.Debug("다른 작업자가 파일을 가져가 임포트를 건너뜁니다",
				"monitored_path_id", file.MonitoredPathID,
				"path", file.Path,
			)
		case err != nil:
			span.RecordError(err)
			slog.Error("파일 임포트 실패",
				"monitored_path_id", file.MonitoredPathID,
				"path", file.Path,
				"error", err,
			)
		}
	}

	span.SetAttributes(
		attribute.Int("candidate_count", res.Candidates),
		attribute.Int("failed_count", res.Failed),
	)

	slog.Info("임포트 완료",
		"harvester", c.harvester.Name,
		"candidates", res.Candidates,
		"imported", res.Imported,
		"extended", res.Extended,
		"already_imported", res.AlreadyImported,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"rows", res.Rows,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	return res, nil
}

// ImportFile은 파일 하나를 임포트하고 결과와 쓴 샘플 수를 돌려준다.
// file에는 ListFilesInState가 불러온 MonitoredPath(Users 포함)가 있어야 한다.
func (c *Coordinator) ImportFile(ctx context.Context, file models.ObservedFile) (Outcome, int64, error) {
	absPath := filepath.Join(file.MonitoredPath.Resolve(c.basePath), file.Path)

	ctx, span := telemetry.Tracer().Start(ctx, "import_file",
		oteltrace.WithAttributes(
			attribute.Int64("observed_file_id", int64(file.ID)),
			attribute.String("path", absPath),
		),
	)
	defer span.End()

	startTime := time.Now()
	outcome, format, rows, err := c.importFile(ctx, file, absPath)

	attrs := metric.WithAttributes(
		attribute.String("result", string(outcome)),
		attribute.String("format", format),
	)
	c.imports.Add(ctx, 1, attrs)
	c.importDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), attrs)
	if rows > 0 {
		c.rowsImported.Add(ctx, rows, metric.WithAttributes(attribute.String("format", format)))
	}

	span.SetAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("format", format),
		attribute.Int64("row_count", rows),
	)
	if outcome == OutcomeFailed {
		span.RecordError(err)
	}

	return outcome, rows, err
}

func (c *Coordinator) importFile(ctx context.Context, file models.ObservedFile, absPath string) (Outcome, string, int64, error) {
	info, err := os.Stat(absPath)
	if err != nil || !info.Mode().IsRegular() {
		return OutcomeSkipped, "", 0, fmt.Errorf("%s: %w", absPath, ErrFileVanished)
	}

	claimed, err := c.store.CompareAndSetState(ctx, file.MonitoredPathID, file.Path, models.StateStable, models.StateImporting, c.now())
	if err != nil {
		return OutcomeFailed, "", 0, err
	}
	if !claimed {
		return OutcomeSkipped, "", 0, fmt.Errorf("%s: %w", absPath, ErrClaimLost)
	}

	parsed, format, err := c.opener.Open(absPath)
	if err != nil {
		return OutcomeFailed, format, 0, c.fail(ctx, file, format, err)
	}
	defer parsed.Close()

	slog.Debug("파일 파싱 시작",
		"path", absPath,
		"format", format,
		"rows", parsed.Metadata().NumRows,
	)

	var (
		outcome Outcome
		rows    int64
	)
	err = c.store.Transaction(ctx, func(tx *database.Store) error {
		var err error
		outcome, rows, err = c.materialise(ctx, tx, file, parsed, format)
		return err
	})
	if err != nil {
		return OutcomeFailed, format, 0, c.fail(ctx, file, format, err)
	}

	slog.Info("파일 임포트 성공",
		"monitored_path_id", file.MonitoredPathID,
		"path", file.Path,
		"format", format,
		"outcome", outcome,
		"rows", rows,
	)
	return outcome, format, rows, nil
}

// fail은 롤백된 트랜잭션 밖에서 IMPORT_FAILED를 기록한다. ctx가 취소돼도 기록은 남는다.
func (c *Coordinator) fail(ctx context.Context, file models.ObservedFile, format string, cause error) error {
	marked, err := c.store.MarkFailed(context.WithoutCancel(ctx), file.ID, format, cause.Error(), c.now())
	if err != nil {
		return errors.Join(cause, err)
	}
	if !marked {
		slog.Warn("IMPORT_FAILED 기록 대상이 IMPORTING 상태가 아닙니다",
			"observed_file_id", file.ID,
			"path", file.Path,
		)
	}
	return cause
}

// Retry는 IMPORT_FAILED 파일을 RETRY_IMPORT로 옮긴다. 평소 대기 시간이 지나면
// 다시 STABLE이 된다.
func (c *Coordinator) Retry(ctx context.Context, pathID uint64, relPath string) error {
	ok, err := c.store.CompareAndSetState(ctx, pathID, relPath, models.StateImportFailed, models.StateRetryImport, c.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: IMPORT_FAILED 상태가 아닙니다", relPath)
	}
	slog.Info("파일 재시도 예약", "monitored_path_id", pathID, "path", relPath)
	return nil
}
