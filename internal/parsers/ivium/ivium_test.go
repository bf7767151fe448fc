package ivium

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIDF(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cv_run.idf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

var sample = strings.Join([]string{
	"[Main]",
	"Version=2",
	"Title=cell A7 cv",
	"starttime=14/03/2024 10:30:00",
	"[Method]",
	"Scanrate=0.05",
	"primary_data",
	"3",
	"3",
	"  0.000000E+0  1.000000E-3  3.100000E+0",
	"  1.000000E+0  1.500000E-3  3.150000E+0",
	"  2.000000E+0 -2.000000E-3  3.200000E+0",
	"",
}, "\n")

func TestOpen(t *testing.T) {
	f, err := New().Open(writeIDF(t, sample))
	require.NoError(t, err)
	defer f.Close()

	meta := f.Metadata()
	assert.Equal(t, "Ivium", meta.MachineType)
	assert.Equal(t, "cell A7 cv", meta.DatasetName)
	assert.Equal(t, time.Date(2024, 3, 14, 10, 30, 0, 0, time.UTC), meta.DateOfTest)
	assert.Equal(t, int64(3), meta.NumRows)
	assert.Equal(t, int64(1), meta.FirstSampleNo)
	assert.Equal(t, int64(3), meta.LastSampleNo)

	require.Len(t, meta.Columns, 3)
	assert.Equal(t, parsers.ColTime, meta.Columns[0].Name)
	assert.Equal(t, parsers.ColAmps, meta.Columns[1].Name)
	assert.Equal(t, parsers.ColVolts, meta.Columns[2].Name)

	require.Len(t, meta.Misc, 1)
	assert.Contains(t, string(meta.Misc[0].Data), `"Method.Scanrate":"0.05"`)
}

func TestRows(t *testing.T) {
	f, err := New().Open(writeIDF(t, sample))
	require.NoError(t, err)

	var rows []parsers.Row
	for row, err := range f.Rows() {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[2].SampleNo)
	assert.InDelta(t, -2e-3, rows[2].Values[parsers.ColAmps], 1e-12)
	assert.InDelta(t, 3.15, rows[1].Values[parsers.ColVolts], 1e-12)

	for range f.Labels() {
		t.Fatal("ivium files have no labels")
	}
}

func TestExtraColumnsKeepPositionalNames(t *testing.T) {
	body := strings.Join([]string{
		"[Main]",
		"starttime=01/02/2024 00:00:00",
		"primary_data",
		"4",
		"1",
		"0 0.1 3.0 42",
	}, "\n")

	f, err := New().Open(writeIDF(t, body))
	require.NoError(t, err)
	assert.Equal(t, "cv_run", f.Metadata().DatasetName)
	assert.Equal(t, "column_3", f.Metadata().Columns[3].Name)

	for row, err := range f.Rows() {
		require.NoError(t, err)
		assert.Equal(t, 42.0, row.Values["column_3"])
	}
}

func TestNotApplicable(t *testing.T) {
	_, err := New().Open(writeIDF(t, "Date of Test:\t01/01/2024\n"))
	assert.ErrorIs(t, err, parsers.ErrNotApplicable)
}

func TestTruncatedData(t *testing.T) {
	body := strings.Replace(sample, "\n3\n3\n", "\n3\n5\n", 1)
	f, err := New().Open(writeIDF(t, body))
	require.NoError(t, err)

	var rowErr error
	count := 0
	for _, err := range f.Rows() {
		if err != nil {
			rowErr = err
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
	var parseErr *parsers.ParseError
	assert.True(t, errors.As(rowErr, &parseErr))
}

func TestBadStartTime(t *testing.T) {
	body := strings.Replace(sample, "14/03/2024 10:30:00", "yesterday", 1)
	_, err := New().Open(writeIDF(t, body))
	var parseErr *parsers.ParseError
	assert.True(t, errors.As(err, &parseErr))
}
