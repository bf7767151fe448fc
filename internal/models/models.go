package models

import (
	"path/filepath"
	"time"
)

type Harvester struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_harvester_name" json:"name"`
	Institution string     `gorm:"type:varchar(255);not null;default:''" json:"institution"`
	SleepTime   int        `gorm:"not null;default:60" json:"sleep_time"`
	LastCheckIn *time.Time `json:"last_check_in,omitempty"`

	Paths []MonitoredPath `gorm:"foreignKey:HarvesterID;constraint:OnDelete:CASCADE" json:"paths,omitempty"`
}

func (Harvester) TableName() string {
	return "harvesters"
}

// MonitoredPath는 하베스터가 스캔하는 디렉토리이다. Users는 이 경로에서 발견된
// 데이터셋에 접근 권한을 받는 사용자 목록(monitored_for)이다.
type MonitoredPath struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	HarvesterID uint64 `gorm:"not null;index:idx_monitored_path_harvester" json:"harvester_id"`
	Path        string `gorm:"type:varchar(500);not null" json:"path"`
	Regex       string `gorm:"type:varchar(255);not null;default:''" json:"regex"`
	StableTime  int    `gorm:"not null;default:60" json:"stable_time"`
	Active      bool   `gorm:"not null" json:"active"`

	Users []MonitoredPathUser `gorm:"foreignKey:MonitoredPathID;constraint:OnDelete:CASCADE" json:"users,omitempty"`
}

func (MonitoredPath) TableName() string {
	return "monitored_paths"
}

// StableWindow는 파일이 안정 상태로 간주되기 전에 크기 변화가 없어야 하는 기간이다.
func (p MonitoredPath) StableWindow(fallback time.Duration) time.Duration {
	if p.StableTime > 0 {
		return time.Duration(p.StableTime) * time.Second
	}
	return fallback
}

// Resolve는 상대 경로를 base 기준으로 해석한다. 절대 경로는 그대로 쓴다.
func (p MonitoredPath) Resolve(base string) string {
	if filepath.IsAbs(p.Path) || base == "" {
		return filepath.Clean(p.Path)
	}
	return filepath.Join(base, p.Path)
}

type MonitoredPathUser struct {
	MonitoredPathID uint64 `gorm:"primaryKey;autoIncrement:false" json:"monitored_path_id"`
	UserID          uint64 `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Username        string `gorm:"type:varchar(255);not null" json:"username"`
}

func (MonitoredPathUser) TableName() string {
	return "monitored_path_users"
}

// ObservedFile은 (monitored_path_id, path) 당 하나만 존재하며 삭제되지 않는다.
type ObservedFile struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MonitoredPathID  uint64    `gorm:"not null;uniqueIndex:idx_observed_file_path,priority:1" json:"monitored_path_id"`
	Path             string    `gorm:"type:varchar(500);not null;uniqueIndex:idx_observed_file_path,priority:2" json:"path"`
	LastObservedSize int64     `gorm:"not null" json:"last_observed_size"`
	LastObservedTime time.Time `gorm:"not null" json:"last_observed_time"`
	State            FileState `gorm:"type:varchar(32);not null;index:idx_observed_file_state" json:"state"`
	StateChangedAt   time.Time `gorm:"not null" json:"state_changed_at"`
	ImportAttempts   int       `gorm:"not null;default:0" json:"import_attempts"`
	LastError        string    `gorm:"type:text" json:"last_error,omitempty"`
	Format           string    `gorm:"type:varchar(64);not null;default:''" json:"format,omitempty"`
	DatasetID        *uint64   `gorm:"index:idx_observed_file_dataset" json:"dataset_id,omitempty"`

	MonitoredPath MonitoredPath `gorm:"foreignKey:MonitoredPathID;constraint:OnDelete:CASCADE" json:"-"`
}

func (ObservedFile) TableName() string {
	return "observed_files"
}

// Dataset은 (name, date, institution)으로 식별되는 하나의 실험 런이다.
type Dataset struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_dataset_identity,priority:1" json:"name"`
	Date              time.Time `gorm:"not null;uniqueIndex:idx_dataset_identity,priority:2" json:"date"`
	Institution       string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_dataset_identity,priority:3" json:"institution"`
	Type              string    `gorm:"type:varchar(64);not null" json:"type"`
	OriginalCollector string    `gorm:"type:varchar(1000);not null;default:''" json:"original_collector"`
	NumRows           int64     `gorm:"not null;default:0" json:"num_rows"`
	FirstSampleNo     int64     `gorm:"not null;default:0" json:"first_sample_no"`
	LastSampleNo      int64     `gorm:"not null;default:0" json:"last_sample_no"`
	CreatedAt         time.Time `json:"created_at"`

	Columns []Column `gorm:"foreignKey:DatasetID;constraint:OnDelete:CASCADE" json:"columns,omitempty"`
}

func (Dataset) TableName() string {
	return "datasets"
}

type Column struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	DatasetID uint64 `gorm:"not null;uniqueIndex:idx_column_dataset_name,priority:1" json:"dataset_id"`
	Name      string `gorm:"type:varchar(255);not null;uniqueIndex:idx_column_dataset_name,priority:2" json:"name"`
	Unit      string `gorm:"type:varchar(64);not null;default:''" json:"unit"`
	Standard  bool   `gorm:"not null;default:false" json:"standard"`
}

func (Column) TableName() string {
	return "columns"
}

// TimeseriesData는 (sample_no, column_id) → value 팩트 테이블이다.
// 문자열 값을 가진 컬럼은 Text에 저장된다.
type TimeseriesData struct {
	ColumnID uint64  `gorm:"primaryKey;autoIncrement:false" json:"column_id"`
	SampleNo int64   `gorm:"primaryKey;autoIncrement:false" json:"sample_no"`
	Value    float64 `gorm:"not null" json:"value"`
	Text     *string `gorm:"type:varchar(255)" json:"text,omitempty"`
}

func (TimeseriesData) TableName() string {
	return "timeseries_data"
}

// RangeLabel은 [Lower, Upper) 구간을 가리킨다.
type RangeLabel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	DatasetID uint64 `gorm:"not null;index:idx_range_label_dataset" json:"dataset_id"`
	Label     string `gorm:"type:varchar(255);not null" json:"label"`
	Lower     int64  `gorm:"not null" json:"lower"`
	Upper     int64  `gorm:"not null" json:"upper"`
	CreatedBy string `gorm:"type:varchar(255);not null" json:"created_by"`
	Info      string `gorm:"type:text" json:"info,omitempty"`
}

func (RangeLabel) TableName() string {
	return "range_labels"
}

const (
	EncodingJSON   = "json"
	EncodingBinary = "binary"
)

type MiscFileData struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	DatasetID uint64 `gorm:"not null;index:idx_misc_file_data_dataset" json:"dataset_id"`
	Key       string `gorm:"type:varchar(255);not null" json:"key"`
	Lower     int64  `gorm:"not null" json:"lower"`
	Upper     int64  `gorm:"not null" json:"upper"`
	Encoding  string `gorm:"type:varchar(16);not null" json:"encoding"`
	Data      []byte `gorm:"not null" json:"data"`
}

func (MiscFileData) TableName() string {
	return "misc_file_data"
}

type DatasetAccess struct {
	DatasetID uint64 `gorm:"primaryKey;autoIncrement:false" json:"dataset_id"`
	UserID    uint64 `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
}

func (DatasetAccess) TableName() string {
	return "dataset_access"
}

func All() []any {
	return []any{
		&Harvester{},
		&MonitoredPath{},
		&MonitoredPathUser{},
		&ObservedFile{},
		&Dataset{},
		&Column{},
		&TimeseriesData{},
		&RangeLabel{},
		&MiscFileData{},
		&DatasetAccess{},
	}
}
