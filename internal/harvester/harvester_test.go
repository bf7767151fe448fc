package harvester

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/config"
	"github.com/jeongdaeha/cycler-harvester/internal/importer"
	"github.com/jeongdaeha/cycler-harvester/internal/models"
	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
	"github.com/jeongdaeha/cycler-harvester/internal/parsers/maccor"
	"github.com/jeongdaeha/cycler-harvester/internal/scanner"
	"github.com/jeongdaeha/cycler-harvester/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maccorExport = "Today's Date\t03/14/2024\tDate of Test:\t03/10/2024\tFilename:\tcell_03.025\n" +
	"Rec#\tCyc#\tTest (Sec)\tAmps\tVolts\tState\n" +
	"1\t0\t0\t0\t3.2\tR\n" +
	"2\t0\t10\t1.5\t3.6\tC\n" +
	"3\t1\t20\t1.5\t3.9\tD\n"

func TestCycleImportsSettledFile(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)

	h, err := store.EnsureHarvester(ctx, "cycler-01", "Battery Lab")
	require.NoError(t, err)

	dir := t.TempDir()
	path := &models.MonitoredPath{
		HarvesterID: h.ID,
		Path:        dir,
		Active:      true,
		Users:       []models.MonitoredPathUser{{UserID: 3, Username: "carol"}},
	}
	require.NoError(t, store.AddMonitoredPath(ctx, path))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cell_03.025"), []byte(maccorExport), 0o644))

	now := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := config.HarvesterConfig{
		ScanInterval:     time.Minute,
		StableTime:       time.Minute,
		MaxAttempts:      3,
		ImportingTimeout: time.Hour,
		BatchSize:        100,
	}
	s, err := scanner.New(store, h, cfg, scanner.WithClock(clock))
	require.NoError(t, err)
	registry := parsers.NewRegistry(maccor.NewExcel(), maccor.NewText())
	c, err := importer.New(store, h, registry, cfg, importer.WithClock(clock))
	require.NoError(t, err)

	hv := New(store, h, s, c, cfg)

	res, err := hv.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scan.Files)
	assert.Zero(t, res.Import.Candidates, "a new file is not importable yet")

	now = now.Add(61 * time.Second)
	res, err = hv.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Import.Imported)
	assert.Equal(t, int64(3), res.Import.Rows)

	file, err := store.GetObservedFile(ctx, path.ID, "cell_03.025")
	require.NoError(t, err)
	assert.Equal(t, models.StateImported, file.State)
	assert.Equal(t, maccor.TextFormat, file.Format)

	dataset, err := store.FindDataset(ctx, "cell_03.025", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), "Battery Lab")
	require.NoError(t, err)
	require.NotNil(t, dataset)
	assert.Equal(t, "Maccor", dataset.Type)

	labels, err := store.ListRangeLabels(ctx, dataset.ID)
	require.NoError(t, err)
	var names []string
	for _, l := range labels {
		names = append(names, l.Label)
	}
	assert.Equal(t, []string{"all", "cycle 0", "cycle 1"}, names)

	// 사이클러가 레코드를 덧붙이면 파일이 커지고, 안정된 뒤 데이터셋이 확장된다
	fh, err := os.OpenFile(filepath.Join(dir, "cell_03.025"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fh.WriteString(strings.Join([]string{"4", "1", "30", "1.5", "3.4", "D"}, "\t") + "\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	now = now.Add(time.Minute)
	_, err = hv.RunOnce(ctx)
	require.NoError(t, err)
	file, err = store.GetObservedFile(ctx, path.ID, "cell_03.025")
	require.NoError(t, err)
	assert.Equal(t, models.StateGrowing, file.State)

	now = now.Add(61 * time.Second)
	res, err = hv.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Import.Extended)
	assert.Equal(t, int64(1), res.Import.Rows)

	maxSample, ok, err := store.MaxSampleNo(ctx, dataset.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), maxSample)
}

func TestStartStopsOnCancel(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	h, err := store.EnsureHarvester(ctx, "cycler-01", "")
	require.NoError(t, err)

	cfg := config.HarvesterConfig{ScanInterval: 10 * time.Millisecond, StableTime: time.Minute, BatchSize: 10}
	s, err := scanner.New(store, h, cfg)
	require.NoError(t, err)
	c, err := importer.New(store, h, parsers.NewRegistry(), cfg)
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = New(store, h, s, c, cfg).Start(runCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
