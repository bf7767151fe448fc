// Package maccor는 Maccor 사이클러의 탭 구분 텍스트 export와 같은 레이아웃의
// Excel 통합문서를 읽는다.
package maccor

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
)

const machineType = "Maccor"

var dateLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"01/02/2006 15:04:05",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"2006-01-02",
	"2006-01-02 15:04:05",
}

// textColumns는 숫자가 아니다.
var textColumns = map[string]bool{
	"State":    true,
	"DPt Time": true,
	"Reason":   true,
}

// reader는 export의 줄마다 셀을 돌려준다.
type reader interface {
	Next() bool
	Cells() ([]string, error)
	Err() error
	Close() error
}

type column struct {
	index      int
	name       string
	multiplier float64
	text       bool
}

// table은 헤더 줄을 읽은 뒤 데이터 줄을 해석한다.
type table struct {
	columns  []column
	specs    []parsers.ColumnSpec
	recIndex int
	state    int
}

func newTable(header []string) (*table, error) {
	t := &table{recIndex: -1, state: -1}
	used := make(map[string]bool)

	for i, raw := range header {
		native := strings.TrimSpace(raw)
		if native == "" {
			continue
		}

		n := parsers.Normalize(native)
		if n.Spec.Name == parsers.ColSampleNumber {
			t.recIndex = i
			continue
		}
		if native == "State" {
			t.state = i
		}

		spec := n.Spec
		if used[spec.Name] {
			spec = parsers.ColumnSpec{Name: native}
			n.Multiplier = 1
		}
		used[spec.Name] = true
		spec.Text = textColumns[native]

		t.columns = append(t.columns, column{index: i, name: spec.Name, multiplier: n.Multiplier, text: spec.Text})
		t.specs = append(t.specs, spec)
	}

	if t.recIndex < 0 {
		return nil, errors.New("Rec# 컬럼이 없습니다")
	}
	return t, nil
}

func (t *table) sampleNo(cells []string) (int64, error) {
	if t.recIndex >= len(cells) {
		return 0, errors.New("Rec# 값이 없습니다")
	}
	raw := cleanNumber(cells[t.recIndex])
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("잘못된 Rec# 값 %q", cells[t.recIndex])
		}
		n = int64(f)
	}
	return n, nil
}

func (t *table) row(cells []string) (parsers.Row, error) {
	sampleNo, err := t.sampleNo(cells)
	if err != nil {
		return parsers.Row{}, err
	}

	row := parsers.Row{
		SampleNo: sampleNo,
		Values:   make(map[string]float64, len(t.columns)),
	}

	for _, c := range t.columns {
		if c.index >= len(cells) {
			continue
		}
		raw := strings.TrimSpace(cells[c.index])
		if raw == "" {
			continue
		}
		if c.text {
			if row.Text == nil {
				row.Text = make(map[string]string)
			}
			row.Text[c.name] = raw
			continue
		}

		v, err := strconv.ParseFloat(cleanNumber(raw), 64)
		if err != nil {
			return parsers.Row{}, fmt.Errorf("레코드 %d의 %s 값 %q를 숫자로 읽을 수 없습니다", sampleNo, c.name, raw)
		}
		row.Values[c.name] = v * c.multiplier
	}

	// Maccor는 전류를 크기로만 기록하므로 방전 구간은 음수로 바꾼다.
	if t.state >= 0 && t.state < len(cells) && strings.TrimSpace(cells[t.state]) == "D" {
		if amps, ok := row.Values[parsers.ColAmps]; ok {
			row.Values[parsers.ColAmps] = -math.Abs(amps)
		}
	}

	return row, nil
}

func cleanNumber(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}

// headerFields는 첫 줄의 "Key:\tvalue" 쌍을 읽는다.
func headerFields(cells []string) map[string]string {
	fields := make(map[string]string)
	for i := 0; i < len(cells); i++ {
		c := strings.TrimSpace(cells[i])
		if !strings.HasSuffix(c, ":") && c != "Today's Date" {
			continue
		}
		key := strings.TrimSuffix(c, ":")
		if i+1 < len(cells) {
			fields[key] = strings.TrimSpace(cells[i+1])
			i++
		}
	}
	return fields
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("날짜 형식을 알 수 없습니다: %q", s)
}

func datasetName(fields map[string]string, filePath string) string {
	if name := fields["Filename"]; name != "" {
		return path.Base(strings.ReplaceAll(name, `\`, "/"))
	}
	return path.Base(strings.ReplaceAll(filePath, `\`, "/"))
}

// export는 열린 Maccor 파일(텍스트 또는 Excel)이다.
type export struct {
	format string
	path   string
	open   func(string) (reader, error)
	table  *table
	meta   parsers.Metadata
}

func openExport(format, filePath string, open func(string) (reader, error)) (*export, error) {
	r, err := open(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if !r.Next() {
		return nil, parsers.NotApplicable(format, "빈 파일")
	}
	first, err := r.Cells()
	if err != nil {
		return nil, parsers.NotApplicable(format, err.Error())
	}
	fields := headerFields(first)
	dateField, ok := fields["Date of Test"]
	if !ok {
		return nil, parsers.NotApplicable(format, "Date of Test 헤더가 없습니다")
	}

	date, err := parseDate(dateField)
	if err != nil {
		return nil, parsers.Failed(format, filePath, err)
	}

	if !r.Next() {
		return nil, parsers.Failed(format, filePath, errors.New("컬럼 헤더 줄이 없습니다"))
	}
	header, err := r.Cells()
	if err != nil {
		return nil, parsers.Failed(format, filePath, err)
	}
	t, err := newTable(header)
	if err != nil {
		return nil, parsers.Failed(format, filePath, err)
	}

	meta := parsers.Metadata{
		MachineType: machineType,
		DatasetName: datasetName(fields, filePath),
		DateOfTest:  date,
		Columns:     t.specs,
	}

	line := 2
	for r.Next() {
		line++
		cells, err := r.Cells()
		if err != nil {
			return nil, parsers.Failed(format, filePath, fmt.Errorf("%d번째 줄: %w", line, err))
		}
		if blank(cells) {
			continue
		}
		n, err := t.sampleNo(cells)
		if err != nil {
			return nil, parsers.Failed(format, filePath, fmt.Errorf("%d번째 줄: %w", line, err))
		}
		if meta.NumRows == 0 {
			meta.FirstSampleNo = n
		} else if n <= meta.LastSampleNo {
			return nil, parsers.Failed(format, filePath, fmt.Errorf("%d번째 줄: Rec# %d가 증가하지 않습니다", line, n))
		}
		meta.LastSampleNo = n
		meta.NumRows++
	}
	if err := r.Err(); err != nil {
		return nil, parsers.Failed(format, filePath, err)
	}
	if meta.NumRows == 0 {
		return nil, parsers.Failed(format, filePath, errors.New("데이터 행이 없습니다"))
	}

	headerJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, parsers.Failed(format, filePath, err)
	}
	meta.Misc = []parsers.MiscData{{
		Key:      "maccor_header",
		Encoding: "json",
		Data:     headerJSON,
		Lower:    meta.FirstSampleNo,
		Upper:    meta.LastSampleNo + 1,
	}}

	return &export{format: format, path: filePath, open: open, table: t, meta: meta}, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (e *export) Metadata() parsers.Metadata {
	return e.meta
}

func (e *export) Rows() iter.Seq2[parsers.Row, error] {
	return func(yield func(parsers.Row, error) bool) {
		r, err := e.open(e.path)
		if err != nil {
			yield(parsers.Row{}, parsers.Failed(e.format, e.path, err))
			return
		}
		defer r.Close()

		// 헤더 필드와 컬럼 헤더
		for i := 0; i < 2; i++ {
			if !r.Next() {
				yield(parsers.Row{}, parsers.Failed(e.format, e.path, errors.New("헤더를 다시 읽을 수 없습니다")))
				return
			}
		}

		for r.Next() {
			cells, err := r.Cells()
			if err != nil {
				yield(parsers.Row{}, parsers.Failed(e.format, e.path, err))
				return
			}
			if blank(cells) {
				continue
			}
			row, err := e.table.row(cells)
			if err != nil {
				yield(parsers.Row{}, parsers.Failed(e.format, e.path, err))
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := r.Err(); err != nil {
			yield(parsers.Row{}, parsers.Failed(e.format, e.path, err))
		}
	}
}

func (e *export) Labels() iter.Seq2[parsers.Label, error] {
	return parsers.RunLabels(e.Rows(),
		func(r parsers.Row) (float64, bool) {
			v, ok := r.Values[parsers.ColCycle]
			return v, ok
		},
		func(cycle float64) string {
			return fmt.Sprintf("cycle %d", int64(cycle))
		},
	)
}

func (e *export) Close() error {
	return nil
}
