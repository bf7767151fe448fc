// Package ivium은 Ivium .idf 파일을 읽는다.
package ivium

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
)

const (
	FormatName  = "ivium"
	machineType = "Ivium"

	dataMarker  = "primary_data"
	startLayout = "02/01/2006 15:04:05"
)

// baseColumns는 모든 primary_data 블록의 앞 세 컬럼이다.
var baseColumns = []string{"time/s", "I/A", "E/V"}

type Format struct{}

func New() *Format {
	return &Format{}
}

func (Format) Name() string {
	return FormatName
}

func (Format) Accepts(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".idf")
}

func (Format) Open(path string) (parsers.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "[Main]" {
		return nil, parsers.NotApplicable(FormatName, "[Main] 헤더가 없습니다")
	}

	header := make(map[string]string)
	section := "Main"
	line := 1
	found := false
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == dataMarker {
			found = true
			break
		}
		if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
			section = strings.Trim(text, "[]")
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			continue
		}
		if section != "Main" {
			key = section + "." + key
		}
		header[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}
	if !found {
		return nil, parsers.Failed(FormatName, path, errors.New("primary_data 블록이 없습니다"))
	}

	numCols, err := readCount(scanner, "컬럼 수")
	if err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}
	if numCols < len(baseColumns) {
		return nil, parsers.Failed(FormatName, path, fmt.Errorf("컬럼 수 %d가 너무 적습니다", numCols))
	}
	numRows, err := readCount(scanner, "행 수")
	if err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}

	start, err := time.ParseInLocation(startLayout, header["starttime"], time.UTC)
	if err != nil {
		return nil, parsers.Failed(FormatName, path, fmt.Errorf("starttime %q: %w", header["starttime"], err))
	}

	name := header["Title"]
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	file := &file{
		path:       path,
		dataOffset: line + 2,
		numCols:    numCols,
	}
	for i := 0; i < numCols; i++ {
		native := fmt.Sprintf("column_%d", i)
		if i < len(baseColumns) {
			native = baseColumns[i]
		}
		n := parsers.Normalize(native)
		file.columns = append(file.columns, n)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}

	file.meta = parsers.Metadata{
		MachineType:   machineType,
		DatasetName:   name,
		DateOfTest:    start,
		NumRows:       int64(numRows),
		FirstSampleNo: 1,
		LastSampleNo:  int64(numRows),
		Misc: []parsers.MiscData{{
			Key:      "ivium_header",
			Encoding: "json",
			Data:     headerJSON,
			Lower:    1,
			Upper:    int64(numRows) + 1,
		}},
	}
	for _, c := range file.columns {
		file.meta.Columns = append(file.meta.Columns, c.Spec)
	}

	return file, nil
}

func readCount(scanner *bufio.Scanner, what string) (int, error) {
	if !scanner.Scan() {
		return 0, fmt.Errorf("%s 줄이 없습니다", what)
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("잘못된 %s %q", what, scanner.Text())
	}
	return n, nil
}

type file struct {
	path       string
	dataOffset int
	numCols    int
	columns    []parsers.Normalized
	meta       parsers.Metadata
}

func (f *file) Metadata() parsers.Metadata {
	return f.meta
}

func (f *file) Rows() iter.Seq2[parsers.Row, error] {
	return func(yield func(parsers.Row, error) bool) {
		fail := func(err error) {
			yield(parsers.Row{}, parsers.Failed(FormatName, f.path, err))
		}

		fh, err := os.Open(f.path)
		if err != nil {
			fail(err)
			return
		}
		defer fh.Close()

		scanner := bufio.NewScanner(fh)
		for i := 0; i < f.dataOffset; i++ {
			if !scanner.Scan() {
				fail(errors.New("데이터 블록 전에 파일이 끝났습니다"))
				return
			}
		}

		for n := int64(1); n <= f.meta.NumRows; n++ {
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					fail(err)
				} else {
					fail(fmt.Errorf("%d개 행이 선언됐지만 %d개만 있습니다", f.meta.NumRows, n-1))
				}
				return
			}

			fields := strings.Fields(scanner.Text())
			if len(fields) < f.numCols {
				fail(fmt.Errorf("%d번째 행: 컬럼 %d개 중 %d개만 있습니다", n, f.numCols, len(fields)))
				return
			}

			row := parsers.Row{SampleNo: n, Values: make(map[string]float64, f.numCols)}
			for i, c := range f.columns {
				v, err := strconv.ParseFloat(fields[i], 64)
				if err != nil {
					fail(fmt.Errorf("%d번째 행 %s: %w", n, c.Spec.Name, err))
					return
				}
				row.Values[c.Spec.Name] = v * c.Multiplier
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// .idf 파일에는 사이클/스텝 정보가 없어 Labels는 아무것도 내지 않는다.
func (f *file) Labels() iter.Seq2[parsers.Label, error] {
	return func(func(parsers.Label, error) bool) {}
}

func (f *file) Close() error {
	return nil
}
