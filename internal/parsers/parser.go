// Package parsers는 사이클러 파일 형식이 구현할 계약과 파일에 맞는 형식을
// 고르는 레지스트리를 정의한다.
package parsers

import (
	"iter"
	"time"
)

// Format은 벤더 파일 형식 하나를 알아보고 연다.
type Format interface {
	Name() string
	// Accepts는 경로만 보는 가벼운 검사이다(보통 확장자).
	Accepts(path string) bool
	// Open은 시그니처를 확인하고 메타데이터를 읽는다. 시그니처가 맞지 않으면
	// ErrNotApplicable을 감싼 에러를, 맞지만 내용이 깨졌으면 *ParseError를 돌려준다.
	Open(path string) (File, error)
}

// File은 검증을 마치고 열린 사이클러 파일이다.
type File interface {
	Metadata() Metadata
	// Rows는 파일 순서대로 샘플을 낸다. 호출할 때마다 처음부터 읽는다.
	Rows() iter.Seq2[Row, error]
	// Labels는 벤더가 표시한 샘플 구간(사이클, 스텝)을 낸다.
	Labels() iter.Seq2[Label, error]
	Close() error
}

type Metadata struct {
	MachineType string
	DatasetName string
	DateOfTest  time.Time
	// 파일에 기관이 적혀 있으면 Institution이 하베스터의 기관보다 우선한다.
	Institution   string
	NumRows       int64
	FirstSampleNo int64
	LastSampleNo  int64
	Columns       []ColumnSpec
	Misc          []MiscData
}

type ColumnSpec struct {
	Name     string
	Unit     string
	Standard bool
	Text     bool
}

// MiscData는 데이터셋의 [Lower, Upper) 구간에 붙는 부가 데이터이다.
type MiscData struct {
	Key      string
	Encoding string
	Data     []byte
	Lower    int64
	Upper    int64
}

// Row는 샘플 하나이다. Values와 Text의 키는 컬럼 이름이다.
type Row struct {
	SampleNo int64
	Values   map[string]float64
	Text     map[string]string
}

// Label은 반열린 샘플 구간 [Lower, Upper)를 가리킨다.
type Label struct {
	Name  string
	Lower int64
	Upper int64
	Info  string
}

// RunLabels는 key(row)가 같은 연속 행을 name(key) 이름의 라벨로 묶는다.
// ok가 false인 행은 현재 구간을 끝내고 새 구간을 시작하지 않는다.
func RunLabels(rows iter.Seq2[Row, error], key func(Row) (float64, bool), name func(float64) string) iter.Seq2[Label, error] {
	return func(yield func(Label, error) bool) {
		var (
			open    bool
			current float64
			lower   int64
			last    int64
		)

		flush := func() bool {
			if !open {
				return true
			}
			open = false
			return yield(Label{Name: name(current), Lower: lower, Upper: last + 1}, nil)
		}

		for row, err := range rows {
			if err != nil {
				yield(Label{}, err)
				return
			}

			k, ok := key(row)
			if !ok || (open && k != current) {
				if !flush() {
					return
				}
			}
			if ok && !open {
				open = true
				current = k
				lower = row.SampleNo
			}
			last = row.SampleNo
		}

		flush()
	}
}
