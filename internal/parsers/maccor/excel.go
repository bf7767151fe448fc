package maccor

import (
	"path/filepath"
	"strings"

	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
	"github.com/xuri/excelize/v2"
)

const ExcelFormat = "maccor-excel"

// Excel은 xlsx로 저장된 Maccor export를 읽는다. 첫 시트만 읽는다.
type Excel struct{}

func NewExcel() *Excel {
	return &Excel{}
}

func (Excel) Name() string {
	return ExcelFormat
}

func (Excel) Accepts(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return true
	}
	return false
}

func (Excel) Open(path string) (parsers.File, error) {
	return openExport(ExcelFormat, path, openExcel)
}

type excelReader struct {
	file *excelize.File
	rows *excelize.Rows
}

func openExcel(path string) (reader, error) {
	file, err := excelize.OpenFile(path)
	if err != nil {
		return nil, parsers.NotApplicable(ExcelFormat, "xlsx 파일이 아닙니다: "+err.Error())
	}

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		file.Close()
		return nil, parsers.NotApplicable(ExcelFormat, "시트가 없습니다")
	}

	rows, err := file.Rows(sheets[0])
	if err != nil {
		file.Close()
		return nil, parsers.Failed(ExcelFormat, path, err)
	}

	return &excelReader{file: file, rows: rows}, nil
}

func (r *excelReader) Next() bool {
	return r.rows.Next()
}

func (r *excelReader) Cells() ([]string, error) {
	return r.rows.Columns()
}

func (r *excelReader) Err() error {
	return r.rows.Error()
}

func (r *excelReader) Close() error {
	if err := r.rows.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
