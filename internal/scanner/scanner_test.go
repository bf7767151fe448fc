package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/config"
	"github.com/jeongdaeha/cycler-harvester/internal/database"
	"github.com/jeongdaeha/cycler-harvester/internal/models"
	"github.com/jeongdaeha/cycler-harvester/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandles struct {
	open map[string]struct{}
}

func (f *fakeHandles) OpenPaths(context.Context) (map[string]struct{}, error) {
	return f.open, nil
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	store     *database.Store
	harvester *models.Harvester
	path      *models.MonitoredPath
	dir       string
	clock     *clock
	handles   *fakeHandles
	scanner   *Scanner
}

func newFixture(t *testing.T, stableTime int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := testutil.NewStore(t)

	harvester, err := store.EnsureHarvester(ctx, "cycler-01", "Lab")
	require.NoError(t, err)

	dir := t.TempDir()
	path := &models.MonitoredPath{HarvesterID: harvester.ID, Path: dir, StableTime: stableTime, Active: true}
	require.NoError(t, store.AddMonitoredPath(ctx, path))

	f := &fixture{
		store:     store,
		harvester: harvester,
		path:      path,
		dir:       dir,
		clock:     &clock{now: time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)},
		handles:   &fakeHandles{},
	}

	cfg := config.HarvesterConfig{
		StableTime:       time.Minute,
		MaxAttempts:      3,
		ImportingTimeout: time.Hour,
	}
	f.scanner, err = New(store, harvester, cfg, WithClock(f.clock.Now), WithHandleChecker(f.handles))
	require.NoError(t, err)
	return f
}

func (f *fixture) write(t *testing.T, name string, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte(data), 0o644))
}

func (f *fixture) appendTo(t *testing.T, name string, data string) {
	t.Helper()
	fh, err := os.OpenFile(filepath.Join(f.dir, name), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fh.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
}

func (f *fixture) scan(t *testing.T) Result {
	t.Helper()
	res, err := f.scanner.ScanAll(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) state(t *testing.T, name string) *models.ObservedFile {
	t.Helper()
	file, err := f.store.GetObservedFile(context.Background(), f.path.ID, name)
	require.NoError(t, err)
	require.NotNil(t, file, "no record for %s", name)
	return file
}

func TestNewFileBecomesStableAfterQuietWindow(t *testing.T) {
	f := newFixture(t, 60)
	f.write(t, "cell.txt", "")

	res := f.scan(t)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, 1, res.Transitions)
	assert.Equal(t, models.StateUnstable, f.state(t, "cell.txt").State)

	f.clock.Advance(30 * time.Second)
	res = f.scan(t)
	assert.Zero(t, res.Writes, "a quiet file inside the window must not be rewritten")
	assert.Equal(t, models.StateUnstable, f.state(t, "cell.txt").State)

	f.clock.Advance(30 * time.Second)
	f.scan(t)
	assert.Equal(t, models.StateUnstable, f.state(t, "cell.txt").State, "exactly 60s is not enough")

	f.clock.Advance(time.Second)
	res = f.scan(t)
	assert.Equal(t, 1, res.Transitions)
	assert.Equal(t, models.StateStable, f.state(t, "cell.txt").State)
}

func TestStableFileThatChangesIsUnstableAgain(t *testing.T) {
	f := newFixture(t, 60)
	f.write(t, "cell.txt", "a")
	f.scan(t)
	f.clock.Advance(61 * time.Second)
	f.scan(t)
	require.Equal(t, models.StateStable, f.state(t, "cell.txt").State)

	f.appendTo(t, "cell.txt", "bc")
	f.clock.Advance(time.Second)
	f.scan(t)

	file := f.state(t, "cell.txt")
	assert.Equal(t, models.StateUnstable, file.State)
	assert.Equal(t, int64(3), file.LastObservedSize)
}

func TestGrowingFileRestartsTheWindow(t *testing.T) {
	f := newFixture(t, 60)
	f.write(t, "cell.txt", "a")
	f.scan(t)

	f.clock.Advance(50 * time.Second)
	f.appendTo(t, "cell.txt", "b")
	f.scan(t)

	f.clock.Advance(50 * time.Second)
	f.scan(t)
	assert.Equal(t, models.StateUnstable, f.state(t, "cell.txt").State)

	f.clock.Advance(11 * time.Second)
	f.scan(t)
	assert.Equal(t, models.StateStable, f.state(t, "cell.txt").State)
}

func TestOpenHandleHoldsFileBack(t *testing.T) {
	f := newFixture(t, 60)
	f.write(t, "cell.txt", "a")
	f.scan(t)

	f.handles.open = map[string]struct{}{filepath.Join(f.dir, "cell.txt"): {}}
	f.clock.Advance(2 * time.Minute)
	res := f.scan(t)
	assert.Equal(t, 1, res.Writes)
	assert.Equal(t, models.StateUnstable, f.state(t, "cell.txt").State)

	f.handles.open = nil
	f.clock.Advance(30 * time.Second)
	f.scan(t)
	assert.Equal(t, models.StateUnstable, f.state(t, "cell.txt").State, "window restarts when the handle is released")

	f.clock.Advance(31 * time.Second)
	f.scan(t)
	assert.Equal(t, models.StateStable, f.state(t, "cell.txt").State)
}

func TestPerPathStableTime(t *testing.T) {
	f := newFixture(t, 10)
	f.write(t, "cell.txt", "a")
	f.scan(t)

	f.clock.Advance(11 * time.Second)
	f.scan(t)
	assert.Equal(t, models.StateStable, f.state(t, "cell.txt").State)
}

func TestImportingFileIsLeftAlone(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()
	f.write(t, "cell.txt", "a")
	f.scan(t)
	f.clock.Advance(61 * time.Second)
	f.scan(t)

	ok, err := f.store.CompareAndSetState(ctx, f.path.ID, "cell.txt", models.StateStable, models.StateImporting, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	f.appendTo(t, "cell.txt", "more")
	f.clock.Advance(5 * time.Minute)
	f.scan(t)
	assert.Equal(t, models.StateImporting, f.state(t, "cell.txt").State)

	f.clock.Advance(2 * time.Hour)
	f.scan(t)
	assert.Equal(t, models.StateStable, f.state(t, "cell.txt").State, "abandoned claims are released")
}

func TestImportedFileGrowing(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()
	f.write(t, "cell.txt", "a")
	f.scan(t)
	f.clock.Advance(61 * time.Second)
	f.scan(t)

	file := f.state(t, "cell.txt")
	ok, err := f.store.CompareAndSetState(ctx, f.path.ID, "cell.txt", models.StateStable, models.StateImporting, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.MarkImported(ctx, file.ID, 1, "maccor-text", f.clock.Now()))

	f.clock.Advance(time.Minute)
	f.scan(t)
	assert.Equal(t, models.StateImported, f.state(t, "cell.txt").State)

	f.appendTo(t, "cell.txt", "b")
	f.clock.Advance(time.Minute)
	f.scan(t)
	assert.Equal(t, models.StateGrowing, f.state(t, "cell.txt").State)

	f.clock.Advance(61 * time.Second)
	f.scan(t)
	assert.Equal(t, models.StateStable, f.state(t, "cell.txt").State)
}

func TestMissingDirectoryDoesNotStopOtherPaths(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()
	require.NoError(t, f.store.AddMonitoredPath(ctx, &models.MonitoredPath{
		HarvesterID: f.harvester.ID,
		Path:        filepath.Join(f.dir, "does-not-exist"),
		Active:      true,
	}))
	f.write(t, "cell.txt", "a")

	res := f.scan(t)
	assert.Equal(t, 2, res.Paths)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Files)
	f.state(t, "cell.txt")
}

func TestRegexFilterAndSubdirectories(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()
	require.NoError(t, f.store.DB().Model(f.path).Update("regex", `\.mpr$`).Error)

	f.write(t, "run.mpr", "x")
	f.write(t, "notes.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "nested.mpr"), 0o755))

	res := f.scan(t)
	assert.Equal(t, 1, res.Files)

	missing, err := f.store.GetObservedFile(ctx, f.path.ID, "notes.txt")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInvalidRegexIsAPathError(t *testing.T) {
	f := newFixture(t, 60)
	require.NoError(t, f.store.DB().Model(f.path).Update("regex", `(`).Error)
	f.write(t, "run.mpr", "x")

	res := f.scan(t)
	assert.Equal(t, 1, res.Errors)
	assert.Zero(t, res.Files)
}

func TestRelativePathsResolveAgainstBasePath(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	harvester, err := store.EnsureHarvester(ctx, "cycler-02", "Lab")
	require.NoError(t, err)

	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "maccor"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "maccor", "cell.025"), []byte("x"), 0o644))

	path := &models.MonitoredPath{HarvesterID: harvester.ID, Path: "maccor", Active: true}
	require.NoError(t, store.AddMonitoredPath(ctx, path))

	s, err := New(store, harvester, config.HarvesterConfig{BasePath: base, StableTime: time.Minute})
	require.NoError(t, err)

	res, err := s.ScanAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.Zero(t, res.Errors)
}

func TestOpenHandleOnRelativeMonitoredPath(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	harvester, err := store.EnsureHarvester(ctx, "cycler-03", "Lab")
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "cell.txt"), []byte("a"), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(root))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	abs, err := filepath.Abs(filepath.Join("data", "cell.txt"))
	require.NoError(t, err)

	path := &models.MonitoredPath{HarvesterID: harvester.ID, Path: "data", Active: true}
	require.NoError(t, store.AddMonitoredPath(ctx, path))

	c := &clock{now: time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)}
	handles := &fakeHandles{open: map[string]struct{}{abs: {}}}
	s, err := New(store, harvester, config.HarvesterConfig{StableTime: time.Minute},
		WithClock(c.Now), WithHandleChecker(handles))
	require.NoError(t, err)

	_, err = s.ScanAll(ctx)
	require.NoError(t, err)
	c.Advance(2 * time.Minute)
	_, err = s.ScanAll(ctx)
	require.NoError(t, err)

	file, err := store.GetObservedFile(ctx, path.ID, "cell.txt")
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, models.StateUnstable, file.State, "a file held open must not settle")
}
