package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store는 하베스터가 사용하는 데이터스토어 연산을 모아둔 것이다.
// Transaction 안에서 받은 Store는 같은 트랜잭션에 묶여 있다.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) EnsureHarvester(ctx context.Context, name, institution string) (*models.Harvester, error) {
	var harvester models.Harvester
	err := s.db.WithContext(ctx).
		Where(models.Harvester{Name: name}).
		Attrs(models.Harvester{Institution: institution}).
		FirstOrCreate(&harvester).Error
	if err != nil {
		return nil, fmt.Errorf("harvesters 조회/생성 실패: %w", err)
	}
	return &harvester, nil
}

func (s *Store) CheckIn(ctx context.Context, harvesterID uint64, now time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.Harvester{}).
		Where("id = ?", harvesterID).
		Update("last_check_in", now).Error
	if err != nil {
		return fmt.Errorf("harvesters 체크인 실패: %w", err)
	}
	return nil
}

func (s *Store) AddMonitoredPath(ctx context.Context, path *models.MonitoredPath) error {
	if err := s.db.WithContext(ctx).Create(path).Error; err != nil {
		return fmt.Errorf("monitored_paths 삽입 실패: %w", err)
	}
	return nil
}

// ListMonitoredPaths는 하베스터의 활성 경로를 monitored_for 사용자와 함께 돌려준다.
func (s *Store) ListMonitoredPaths(ctx context.Context, harvesterID uint64) ([]models.MonitoredPath, error) {
	var paths []models.MonitoredPath
	err := s.db.WithContext(ctx).
		Preload("Users").
		Where("harvester_id = ? AND active = ?", harvesterID, true).
		Order("id").
		Find(&paths).Error
	if err != nil {
		return nil, fmt.Errorf("monitored_paths 조회 실패: %w", err)
	}
	return paths, nil
}

// GetObservedFile은 기록이 없으면 nil, nil을 돌려준다.
func (s *Store) GetObservedFile(ctx context.Context, pathID uint64, relPath string) (*models.ObservedFile, error) {
	var file models.ObservedFile
	err := s.db.WithContext(ctx).
		Where("monitored_path_id = ? AND path = ?", pathID, relPath).
		Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observed_files 조회 실패: %w", err)
	}
	return &file, nil
}

func (s *Store) UpsertObservedFile(ctx context.Context, file *models.ObservedFile) error {
	err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "monitored_path_id"}, {Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"last_observed_size",
				"last_observed_time",
				"state",
				"state_changed_at",
			}),
		}).
		Create(file).Error
	if err != nil {
		return fmt.Errorf("observed_files upsert 실패: %w", err)
	}
	return nil
}

// SaveObservation은 상태가 expected일 때만 관측값과 상태를 기록한다.
// 그 사이 임포터가 상태를 바꿨다면 false를 돌려준다.
func (s *Store) SaveObservation(ctx context.Context, file *models.ObservedFile, expected models.FileState) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.ObservedFile{}).
		Where("id = ? AND state = ?", file.ID, expected).
		Updates(map[string]any{
			"last_observed_size": file.LastObservedSize,
			"last_observed_time": file.LastObservedTime,
			"state":              file.State,
			"state_changed_at":   file.StateChangedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("observed_files 관측값 갱신 실패: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CompareAndSetState는 하베스터의 유일한 동시성 제어 수단이다.
// 현재 상태가 expected인 행만 next로 바꾸며, 바뀐 행이 없으면 false를 돌려준다.
func (s *Store) CompareAndSetState(ctx context.Context, pathID uint64, relPath string, expected, next models.FileState, now time.Time) (bool, error) {
	updates := map[string]any{
		"state":            next,
		"state_changed_at": now,
	}
	if next == models.StateImporting {
		updates["import_attempts"] = gorm.Expr("import_attempts + 1")
	}
	if next == models.StateRetryImport || next == models.StateStable {
		updates["last_observed_time"] = now
	}

	result := s.db.WithContext(ctx).
		Model(&models.ObservedFile{}).
		Where("monitored_path_id = ? AND path = ? AND state = ?", pathID, relPath, expected).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("observed_files 상태 변경 실패 (%s → %s): %w", expected, next, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *Store) ListFilesInState(ctx context.Context, harvesterID uint64, states ...models.FileState) ([]models.ObservedFile, error) {
	var files []models.ObservedFile
	paths := s.db.Model(&models.MonitoredPath{}).Select("id").Where("harvester_id = ? AND active = ?", harvesterID, true)
	err := s.db.WithContext(ctx).
		Preload("MonitoredPath.Users").
		Where("monitored_path_id IN (?) AND state IN ?", paths, states).
		Order("id").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("observed_files 상태별 조회 실패: %w", err)
	}
	return files, nil
}

func (s *Store) MarkImported(ctx context.Context, fileID, datasetID uint64, format string, now time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.ObservedFile{}).
		Where("id = ? AND state = ?", fileID, models.StateImporting).
		Updates(map[string]any{
			"state":            models.StateImported,
			"state_changed_at": now,
			"dataset_id":       datasetID,
			"format":           format,
			"last_error":       "",
		})
	if result.Error != nil {
		return fmt.Errorf("observed_files IMPORTED 기록 실패: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("observed_files IMPORTED 기록 실패: 파일 %d이 IMPORTING 상태가 아닙니다", fileID)
	}
	return nil
}

// MarkFailed는 실패한 트랜잭션과 별개로 커밋된다.
func (s *Store) MarkFailed(ctx context.Context, fileID uint64, format, reason string, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.ObservedFile{}).
		Where("id = ? AND state = ?", fileID, models.StateImporting).
		Updates(map[string]any{
			"state":            models.StateImportFailed,
			"state_changed_at": now,
			"format":           format,
			"last_error":       reason,
		})
	if result.Error != nil {
		return false, fmt.Errorf("observed_files IMPORT_FAILED 기록 실패: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// FindDataset은 데이터셋이 없으면 nil, nil을 돌려준다.
func (s *Store) FindDataset(ctx context.Context, name string, date time.Time, institution string) (*models.Dataset, error) {
	var dataset models.Dataset
	err := s.db.WithContext(ctx).
		Where("name = ? AND date = ? AND institution = ?", name, date, institution).
		Take(&dataset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datasets 조회 실패: %w", err)
	}
	return &dataset, nil
}

func (s *Store) InsertDataset(ctx context.Context, dataset *models.Dataset) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(dataset).Error; err != nil {
		return fmt.Errorf("datasets 삽입 실패: %w", err)
	}
	return nil
}

func (s *Store) UpdateDatasetExtent(ctx context.Context, datasetID uint64, lastSampleNo, numRows int64) error {
	err := s.db.WithContext(ctx).
		Model(&models.Dataset{}).
		Where("id = ?", datasetID).
		Updates(map[string]any{
			"last_sample_no": lastSampleNo,
			"num_rows":       numRows,
		}).Error
	if err != nil {
		return fmt.Errorf("datasets 범위 갱신 실패: %w", err)
	}
	return nil
}

// EnsureColumns는 이름별 컬럼을 돌려주며 없는 컬럼은 만든다.
func (s *Store) EnsureColumns(ctx context.Context, datasetID uint64, columns []models.Column) (map[string]models.Column, error) {
	var existing []models.Column
	if err := s.db.WithContext(ctx).Where("dataset_id = ?", datasetID).Find(&existing).Error; err != nil {
		return nil, fmt.Errorf("columns 조회 실패: %w", err)
	}

	byName := make(map[string]models.Column, len(existing)+len(columns))
	for _, c := range existing {
		byName[c.Name] = c
	}

	for _, c := range columns {
		if _, ok := byName[c.Name]; ok {
			continue
		}
		c.ID = 0
		c.DatasetID = datasetID
		if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
			return nil, fmt.Errorf("columns 삽입 실패 (%s): %w", c.Name, err)
		}
		byName[c.Name] = c
	}

	return byName, nil
}

func (s *Store) BulkInsertTimeseries(ctx context.Context, rows []models.TimeseriesData, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, batchSize).Error; err != nil {
		return fmt.Errorf("timeseries_data 배치 삽입 실패: %w", err)
	}
	return nil
}

func (s *Store) ExistsSample(ctx context.Context, datasetID uint64, sampleNo int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.TimeseriesData{}).
		Where("sample_no = ? AND column_id IN (?)", sampleNo,
			s.db.Model(&models.Column{}).Select("id").Where("dataset_id = ?", datasetID)).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("timeseries_data 샘플 조회 실패: %w", err)
	}
	return count > 0, nil
}

// MaxSampleNo는 데이터셋에 저장된 가장 큰 샘플 번호를 돌려준다. 데이터가 없으면 ok는 false이다.
func (s *Store) MaxSampleNo(ctx context.Context, datasetID uint64) (int64, bool, error) {
	var maxSample sql.NullInt64
	err := s.db.WithContext(ctx).
		Model(&models.TimeseriesData{}).
		Select("MAX(sample_no)").
		Where("column_id IN (?)",
			s.db.Model(&models.Column{}).Select("id").Where("dataset_id = ?", datasetID)).
		Row().
		Scan(&maxSample)
	if err != nil {
		return 0, false, fmt.Errorf("timeseries_data 최대 샘플 조회 실패: %w", err)
	}
	return maxSample.Int64, maxSample.Valid, nil
}

func (s *Store) InsertRangeLabel(ctx context.Context, label *models.RangeLabel) error {
	if err := s.db.WithContext(ctx).Create(label).Error; err != nil {
		return fmt.Errorf("range_labels 삽입 실패: %w", err)
	}
	return nil
}

func (s *Store) ListRangeLabels(ctx context.Context, datasetID uint64) ([]models.RangeLabel, error) {
	var labels []models.RangeLabel
	if err := s.db.WithContext(ctx).Where("dataset_id = ?", datasetID).Order("id").Find(&labels).Error; err != nil {
		return nil, fmt.Errorf("range_labels 조회 실패: %w", err)
	}
	return labels, nil
}

func (s *Store) InsertMiscFileData(ctx context.Context, data *models.MiscFileData) error {
	if err := s.db.WithContext(ctx).Create(data).Error; err != nil {
		return fmt.Errorf("misc_file_data 삽입 실패: %w", err)
	}
	return nil
}

// GrantAccess는 이미 권한이 있으면 아무것도 하지 않는다.
func (s *Store) GrantAccess(ctx context.Context, datasetID, userID uint64) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.DatasetAccess{DatasetID: datasetID, UserID: userID}).Error
	if err != nil {
		return fmt.Errorf("dataset_access 삽입 실패: %w", err)
	}
	return nil
}
