package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/database"
	"github.com/jeongdaeha/cycler-harvester/internal/models"
	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
	"github.com/jeongdaeha/cycler-harvester/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	labelAll       = "all"
	labelExtension = "extension"
)

// materialise는 파싱한 파일을 데이터스토어에 쓴다. 임포트 트랜잭션 안에서
// 실행되며 tx만 사용해야 한다.
func (c *Coordinator) materialise(ctx context.Context, tx *database.Store, file models.ObservedFile, parsed parsers.File, format string) (Outcome, int64, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "import_transaction",
		oteltrace.WithAttributes(attribute.Int64("observed_file_id", int64(file.ID))),
	)
	defer span.End()

	meta := parsed.Metadata()
	institution := meta.Institution
	if institution == "" {
		institution = c.harvester.Institution
	}
	date := meta.DateOfTest.UTC().Truncate(time.Second)

	dataset, err := tx.FindDataset(ctx, meta.DatasetName, date, institution)
	if err != nil {
		return OutcomeFailed, 0, err
	}

	isNew := dataset == nil
	if isNew {
		dataset = &models.Dataset{
			Name:              meta.DatasetName,
			Date:              date,
			Institution:       institution,
			Type:              meta.MachineType,
			OriginalCollector: collectors(file.MonitoredPath.Users),
			FirstSampleNo:     meta.FirstSampleNo,
			LastSampleNo:      meta.LastSampleNo,
		}
		if err := tx.InsertDataset(ctx, dataset); err != nil {
			return OutcomeFailed, 0, err
		}
	}
	span.SetAttributes(
		attribute.Int64("dataset_id", int64(dataset.ID)),
		attribute.Bool("new_dataset", isNew),
	)

	for _, u := range file.MonitoredPath.Users {
		if err := tx.GrantAccess(ctx, dataset.ID, u.UserID); err != nil {
			return OutcomeFailed, 0, err
		}
	}

	// floor는 이미 저장된 가장 큰 샘플 번호이며 그 뒤 샘플만 쓴다.
	floor := meta.FirstSampleNo - 1
	if !isNew {
		maxSample, hasData, err := tx.MaxSampleNo(ctx, dataset.ID)
		if err != nil {
			return OutcomeFailed, 0, err
		}
		exists, err := tx.ExistsSample(ctx, dataset.ID, meta.LastSampleNo)
		if err != nil {
			return OutcomeFailed, 0, err
		}
		if exists || (hasData && meta.LastSampleNo <= maxSample) {
			if err := tx.MarkImported(ctx, file.ID, dataset.ID, format, c.now()); err != nil {
				return OutcomeFailed, 0, err
			}
			return OutcomeAlreadyImported, 0, nil
		}
		if hasData && maxSample > floor {
			floor = maxSample
		}
	}

	specs := make([]models.Column, 0, len(meta.Columns))
	for _, spec := range meta.Columns {
		specs = append(specs, models.Column{Name: spec.Name, Unit: spec.Unit, Standard: spec.Standard})
	}
	columns, err := tx.EnsureColumns(ctx, dataset.ID, specs)
	if err != nil {
		return OutcomeFailed, 0, err
	}

	rows, err := c.writeRows(ctx, tx, parsed, columns, floor)
	if err != nil {
		return OutcomeFailed, 0, err
	}

	lower := floor + 1
	upper := meta.LastSampleNo + 1

	rangeName := labelExtension
	if isNew {
		rangeName = labelAll
	}
	if rows > 0 {
		if err := tx.InsertRangeLabel(ctx, &models.RangeLabel{
			DatasetID: dataset.ID,
			Label:     rangeName,
			Lower:     lower,
			Upper:     upper,
			CreatedBy: c.harvester.Name,
		}); err != nil {
			return OutcomeFailed, 0, err
		}
	}

	for label, err := range parsed.Labels() {
		if err != nil {
			return OutcomeFailed, 0, fmt.Errorf("레이블 읽기 실패: %w", err)
		}
		lo, hi, ok := clip(label.Lower, label.Upper, lower, upper)
		if !ok {
			continue
		}
		if err := tx.InsertRangeLabel(ctx, &models.RangeLabel{
			DatasetID: dataset.ID,
			Label:     label.Name,
			Lower:     lo,
			Upper:     hi,
			CreatedBy: c.harvester.Name,
			Info:      label.Info,
		}); err != nil {
			return OutcomeFailed, 0, err
		}
	}

	for _, misc := range meta.Misc {
		lo, hi, ok := clip(misc.Lower, misc.Upper, lower, upper)
		if !ok {
			continue
		}
		if err := tx.InsertMiscFileData(ctx, &models.MiscFileData{
			DatasetID: dataset.ID,
			Key:       misc.Key,
			Lower:     lo,
			Upper:     hi,
			Encoding:  misc.Encoding,
			Data:      misc.Data,
		}); err != nil {
			return OutcomeFailed, 0, err
		}
	}

	numRows := rows
	if !isNew {
		numRows += dataset.NumRows
	}
	if err := tx.UpdateDatasetExtent(ctx, dataset.ID, meta.LastSampleNo, numRows); err != nil {
		return OutcomeFailed, 0, err
	}

	if err := tx.MarkImported(ctx, file.ID, dataset.ID, format, c.now()); err != nil {
		return OutcomeFailed, 0, err
	}

	span.SetAttributes(attribute.Int64("row_count", rows))

	if isNew {
		return OutcomeImported, rows, nil
	}
	return OutcomeExtended, rows, nil
}

// writeRows는 floor보다 큰 샘플을 배치로 넣고 쓴 샘플 수를 돌려준다.
func (c *Coordinator) writeRows(ctx context.Context, tx *database.Store, parsed parsers.File, columns map[string]models.Column, floor int64) (int64, error) {
	batch := make([]models.TimeseriesData, 0, c.batchSize)
	flush := func() error {
		if err := tx.BulkInsertTimeseries(ctx, batch, c.batchSize); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	var (
		written int64
		last    = floor
	)
	for row, err := range parsed.Rows() {
		if err != nil {
			return 0, fmt.Errorf("행 읽기 실패: %w", err)
		}
		if row.SampleNo <= floor {
			continue
		}
		if row.SampleNo <= last {
			return 0, fmt.Errorf("샘플 번호 %d가 증가하지 않습니다 (직전 %d)", row.SampleNo, last)
		}
		last = row.SampleNo

		for name, v := range row.Values {
			col, ok := columns[name]
			if !ok {
				return 0, fmt.Errorf("샘플 %d: 선언되지 않은 컬럼 %q", row.SampleNo, name)
			}
			batch = append(batch, models.TimeseriesData{ColumnID: col.ID, SampleNo: row.SampleNo, Value: v})
		}
		for name, text := range row.Text {
			col, ok := columns[name]
			if !ok {
				return 0, fmt.Errorf("샘플 %d: 선언되지 않은 컬럼 %q", row.SampleNo, name)
			}
			batch = append(batch, models.TimeseriesData{ColumnID: col.ID, SampleNo: row.SampleNo, Text: &text})
		}
		written++

		if len(batch) >= c.batchSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}

	if err := flush(); err != nil {
		return 0, err
	}
	return written, nil
}

// clip은 [lo, hi)와 [lower, upper)의 교집합이다.
func clip(lo, hi, lower, upper int64) (int64, int64, bool) {
	lo = max(lo, lower)
	hi = min(hi, upper)
	return lo, hi, lo < hi
}

func collectors(users []models.MonitoredPathUser) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return strings.Join(names, ", ")
}
