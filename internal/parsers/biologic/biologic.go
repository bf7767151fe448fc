// Package biologic은 Biologic 포텐시오스탯이 기록한 EC-Lab .mpr 바이너리 파일을 읽는다.
package biologic

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
)

const (
	FormatName  = "biologic"
	machineType = "BioLogic"

	moduleTag = "MODULE"
	dataName  = "VMP data"
	setName   = "VMP Set"
)

var magic = []byte("BIO-LOGIC MODULAR FILE\x1a" + strings.Repeat(" ", 25) + "\x00\x00\x00\x00")

var dateLayouts = []string{"01/02/06", "01-02-06", "01.02.06"}

type Format struct{}

func New() *Format {
	return &Format{}
}

func (Format) Name() string {
	return FormatName
}

func (Format) Accepts(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".mpr")
}

func (Format) Open(path string) (parsers.File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}
	if !bytes.HasPrefix(raw, magic) {
		return nil, parsers.NotApplicable(FormatName, "MPR 시그니처가 없습니다")
	}

	modules, err := readModules(raw[len(magic):])
	if err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}

	var data, settings *module
	for i := range modules {
		switch modules[i].ShortName {
		case dataName:
			data = &modules[i]
		case setName:
			settings = &modules[i]
		}
	}
	if data == nil {
		return nil, parsers.Failed(FormatName, path, errors.New("VMP data 모듈이 없습니다"))
	}

	layout, err := decodeDataModule(data)
	if err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}

	date, err := parseDate(data.Date)
	if err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}

	f := &file{path: path, layout: layout}
	f.meta = parsers.Metadata{
		MachineType: machineType,
		DatasetName: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		DateOfTest:  date,
		NumRows:     int64(layout.points),
	}
	if layout.points > 0 {
		f.meta.FirstSampleNo = 1
		f.meta.LastSampleNo = int64(layout.points)
	}
	for _, c := range layout.columns {
		f.meta.Columns = append(f.meta.Columns, c.spec)
	}

	upper := f.meta.LastSampleNo + 1
	if settings != nil {
		f.meta.Misc = append(f.meta.Misc, parsers.MiscData{
			Key:      "biologic_settings",
			Encoding: "binary",
			Data:     settings.Data,
			Lower:    f.meta.FirstSampleNo,
			Upper:    upper,
		})
	}
	index, err := json.Marshal(modules)
	if err != nil {
		return nil, parsers.Failed(FormatName, path, err)
	}
	f.meta.Misc = append(f.meta.Misc, parsers.MiscData{
		Key:      "biologic_modules",
		Encoding: "json",
		Data:     index,
		Lower:    f.meta.FirstSampleNo,
		Upper:    upper,
	})

	return f, nil
}

type module struct {
	ShortName string `json:"short_name"`
	LongName  string `json:"long_name"`
	Length    uint32 `json:"length"`
	Version   uint32 `json:"version"`
	Date      string `json:"date"`
	Data      []byte `json:"-"`
}

const moduleHeaderSize = 10 + 25 + 4 + 4 + 8

func readModules(buf []byte) ([]module, error) {
	var modules []module
	for len(buf) > 0 {
		if !bytes.HasPrefix(buf, []byte(moduleTag)) {
			return nil, fmt.Errorf("모듈 태그가 없습니다 (남은 %d 바이트)", len(buf))
		}
		buf = buf[len(moduleTag):]
		if len(buf) < moduleHeaderSize {
			return nil, errors.New("모듈 헤더가 잘렸습니다")
		}

		m := module{
			ShortName: cString(buf[0:10]),
			LongName:  cString(buf[10:35]),
			Length:    binary.LittleEndian.Uint32(buf[35:39]),
			Version:   binary.LittleEndian.Uint32(buf[39:43]),
			Date:      cString(buf[43:51]),
		}
		buf = buf[moduleHeaderSize:]

		if uint64(m.Length) > uint64(len(buf)) {
			return nil, fmt.Errorf("모듈 %q 길이 %d가 파일보다 깁니다", m.ShortName, m.Length)
		}
		m.Data = buf[:m.Length]
		buf = buf[m.Length:]
		modules = append(modules, m)
	}
	return modules, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("모듈 날짜 %q를 읽을 수 없습니다", s)
}

// file은 해석한 data 모듈을 메모리에 들고 있다.
type file struct {
	path   string
	layout *layout
	meta   parsers.Metadata
}

func (f *file) Metadata() parsers.Metadata {
	return f.meta
}

func (f *file) Rows() iter.Seq2[parsers.Row, error] {
	return func(yield func(parsers.Row, error) bool) {
		l := f.layout
		for i := 0; i < l.points; i++ {
			rec := l.records[i*l.recordSize : (i+1)*l.recordSize]
			row := parsers.Row{
				SampleNo: int64(i + 1),
				Values:   make(map[string]float64, len(l.columns)),
			}
			for _, c := range l.columns {
				row.Values[c.spec.Name] = c.decode(rec) * c.multiplier
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Labels는 Ns(테크닉 순번)가 같은 구간을 표시한다. Ns 컬럼이 없으면
// cycle number 기준이다.
func (f *file) Labels() iter.Seq2[parsers.Label, error] {
	key, prefix := parsers.ColStep, "step"
	if !f.layout.has(parsers.ColStep) {
		if !f.layout.has(parsers.ColCycle) {
			return func(func(parsers.Label, error) bool) {}
		}
		key, prefix = parsers.ColCycle, "cycle"
	}

	return parsers.RunLabels(f.Rows(),
		func(r parsers.Row) (float64, bool) {
			v, ok := r.Values[key]
			return v, ok && !math.IsNaN(v)
		},
		func(v float64) string {
			return fmt.Sprintf("%s %d", prefix, int64(v))
		},
	)
}

func (f *file) Close() error {
	return nil
}
