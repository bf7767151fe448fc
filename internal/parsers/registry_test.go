package parsers

import (
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFile struct {
	meta Metadata
	rows []Row
}

func (f *stubFile) Metadata() Metadata { return f.meta }

func (f *stubFile) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for _, r := range f.rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (f *stubFile) Labels() iter.Seq2[Label, error] {
	return func(func(Label, error) bool) {}
}

func (f *stubFile) Close() error { return nil }

type stubFormat struct {
	name    string
	ext     string
	openErr error
	opened  int
}

func (s *stubFormat) Name() string { return s.name }

func (s *stubFormat) Accepts(path string) bool {
	return s.ext == "" || strings.HasSuffix(path, s.ext)
}

func (s *stubFormat) Open(path string) (File, error) {
	s.opened++
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &stubFile{meta: Metadata{MachineType: s.name}}, nil
}

func TestRegistryFirstAcceptingFormatWins(t *testing.T) {
	first := &stubFormat{name: "first", openErr: NotApplicable("first", "bad magic")}
	second := &stubFormat{name: "second"}
	third := &stubFormat{name: "third"}

	r := NewRegistry(first, second, third)
	file, name, err := r.Open("/data/cell.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", name)
	assert.Equal(t, "second", file.Metadata().MachineType)
	assert.Equal(t, 1, first.opened)
	assert.Zero(t, third.opened)
}

func TestRegistrySkipsFormatsThatRejectThePath(t *testing.T) {
	mpr := &stubFormat{name: "biologic", ext: ".mpr"}
	txt := &stubFormat{name: "maccor", ext: ".txt"}

	_, name, err := NewRegistry(mpr, txt).Open("/data/cell.txt")
	require.NoError(t, err)
	assert.Equal(t, "maccor", name)
	assert.Zero(t, mpr.opened)
}

func TestRegistryUnsupported(t *testing.T) {
	r := NewRegistry(
		&stubFormat{name: "a", openErr: NotApplicable("a", "no")},
		&stubFormat{name: "b", ext: ".idf"},
	)

	_, _, err := r.Open("/data/notes.docx")
	assert.ErrorIs(t, err, ErrUnsupportedFileType)

	var parseErr *ParseError
	assert.False(t, errors.As(err, &parseErr))
}

func TestRegistryParseErrorStopsLookup(t *testing.T) {
	broken := &stubFormat{name: "maccor", openErr: Failed("maccor", "/data/x.txt", errors.New("bad row"))}
	fallback := &stubFormat{name: "other"}

	_, name, err := NewRegistry(broken, fallback).Open("/data/x.txt")
	require.Error(t, err)
	assert.Equal(t, "maccor", name)
	assert.Zero(t, fallback.opened, "a genuine data error must not fall through to the next format")

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "maccor", parseErr.Format)
	assert.NotErrorIs(t, err, ErrUnsupportedFileType)
}

func TestRegistryWrapsUntypedErrors(t *testing.T) {
	odd := &stubFormat{name: "odd", openErr: errors.New("disk on fire")}

	_, _, err := NewRegistry(odd).Open("/data/x")
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "odd", parseErr.Format)
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry(&stubFormat{name: "a"}, &stubFormat{name: "b"})
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestNormalize(t *testing.T) {
	n := Normalize("I/mA")
	assert.Equal(t, ColumnSpec{Name: ColAmps, Unit: "A", Standard: true}, n.Spec)
	assert.InDelta(t, 1e-3, n.Multiplier, 1e-12)

	n = Normalize("Amp-hr")
	assert.Equal(t, ColChargeCapacity, n.Spec.Name)
	assert.Equal(t, "Ah", n.Spec.Unit)
	assert.Equal(t, 1.0, n.Multiplier)

	n = Normalize("dQ/mA.h")
	assert.Equal(t, ColumnSpec{Name: ColChargeCapacity, Unit: "Ah", Standard: true}, n.Spec)
	assert.InDelta(t, 1e-3, n.Multiplier, 1e-12)

	n = Normalize("|Z|/Ohm")
	assert.Equal(t, ColumnSpec{Name: "|Z|", Unit: "Ohm"}, n.Spec)
	assert.Equal(t, 1.0, n.Multiplier)

	n = Normalize("State")
	assert.Equal(t, ColumnSpec{Name: "State"}, n.Spec)

	assert.True(t, IsStandard(ColVolts))
	assert.False(t, IsStandard("|Z|"))
}

func TestRunLabels(t *testing.T) {
	cycles := []float64{1, 1, 1, 2, 2, 3}
	var rows []Row
	for i, c := range cycles {
		rows = append(rows, Row{SampleNo: int64(i + 1), Values: map[string]float64{ColCycle: c}})
	}
	file := &stubFile{rows: rows}

	var labels []Label
	for l, err := range RunLabels(file.Rows(), func(r Row) (float64, bool) {
		v, ok := r.Values[ColCycle]
		return v, ok
	}, func(k float64) string {
		return "cycle " + strings.Repeat("I", int(k))
	}) {
		require.NoError(t, err)
		labels = append(labels, l)
	}

	assert.Equal(t, []Label{
		{Name: "cycle I", Lower: 1, Upper: 4},
		{Name: "cycle II", Lower: 4, Upper: 6},
		{Name: "cycle III", Lower: 6, Upper: 7},
	}, labels)
}

func TestRunLabelsPropagatesErrors(t *testing.T) {
	rows := func(yield func(Row, error) bool) {
		if !yield(Row{SampleNo: 1, Values: map[string]float64{ColCycle: 1}}, nil) {
			return
		}
		yield(Row{}, errors.New("truncated"))
	}

	var gotErr error
	for _, err := range RunLabels(rows, func(r Row) (float64, bool) { return r.Values[ColCycle], true }, func(float64) string { return "c" }) {
		if err != nil {
			gotErr = err
		}
	}
	assert.EqualError(t, gotErr, "truncated")
}
