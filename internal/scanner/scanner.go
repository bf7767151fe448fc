// Package scanner는 monitored path를 훑고 본 것을 observed_files 테이블에 기록한다.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/config"
	"github.com/jeongdaeha/cycler-harvester/internal/database"
	"github.com/jeongdaeha/cycler-harvester/internal/models"
	"github.com/jeongdaeha/cycler-harvester/internal/telemetry"
	"github.com/jeongdaeha/cycler-harvester/internal/tracker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Scanner struct {
	store     *database.Store
	harvester *models.Harvester
	basePath  string
	policy    tracker.Policy
	handles   HandleChecker
	now       func() time.Time

	filesObserved metric.Int64Counter
	transitions   metric.Int64Counter
	scanErrors    metric.Int64Counter
}

type Option func(*Scanner)

// WithHandleChecker는 열린 핸들 검사를 켠다. 없으면 모든 파일을 사용 중이 아닌 것으로 본다.
func WithHandleChecker(h HandleChecker) Option {
	return func(s *Scanner) {
		s.handles = h
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// Result는 스캔 한 번의 집계이다.
type Result struct {
	Paths       int
	Files       int
	Writes      int
	Transitions int
	Errors      int
}

func (r *Result) add(o Result) {
	r.Paths += o.Paths
	r.Files += o.Files
	r.Writes += o.Writes
	r.Transitions += o.Transitions
	r.Errors += o.Errors
}

func PolicyFromConfig(cfg config.HarvesterConfig) tracker.Policy {
	return tracker.Policy{
		StableTime:       cfg.StableTime,
		RetryAfter:       cfg.RetryAfter,
		MaxAttempts:      cfg.MaxAttempts,
		ImportingTimeout: cfg.ImportingTimeout,
	}
}

func New(store *database.Store, harvester *models.Harvester, cfg config.HarvesterConfig, opts ...Option) (*Scanner, error) {
	meter := telemetry.Meter()

	filesObserved, err := meter.Int64Counter(
		"harvester_files_observed",
		metric.WithDescription("스캔에서 관측된 파일 수"),
	)
	if err != nil {
		return nil, fmt.Errorf("files_observed 메트릭 생성 실패: %w", err)
	}

	transitions, err := meter.Int64Counter(
		"harvester_state_transitions",
		metric.WithDescription("파일 상태 전이 횟수"),
	)
	if err != nil {
		return nil, fmt.Errorf("state_transitions 메트릭 생성 실패: %w", err)
	}

	scanErrors, err := meter.Int64Counter(
		"harvester_scan_errors",
		metric.WithDescription("스캔 에러 발생 횟수"),
	)
	if err != nil {
		return nil, fmt.Errorf("scan_errors 메트릭 생성 실패: %w", err)
	}

	s := &Scanner{
		store:         store,
		harvester:     harvester,
		basePath:      cfg.BasePath,
		policy:        PolicyFromConfig(cfg),
		now:           time.Now,
		filesObserved: filesObserved,
		transitions:   transitions,
		scanErrors:    scanErrors,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ScanAll은 활성 monitored path 전체를 한 번 스캔한다. 읽을 수 없는 경로는
// 로그와 카운트만 남기고 나머지 경로는 계속 스캔한다.
func (s *Scanner) ScanAll(ctx context.Context) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "scan_cycle",
		oteltrace.WithAttributes(attribute.String("harvester", s.harvester.Name)),
	)
	defer span.End()

	startTime := time.Now()
	var res Result

	paths, err := s.store.ListMonitoredPaths(ctx, s.harvester.ID)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("monitored path 조회 실패: %w", err)
	}

	open := s.openPaths(ctx)

	for _, path := range paths {
		r, err := s.ScanPath(ctx, path, open)
		res.add(r)
		if err != nil {
			res.Errors++
			s.scanErrors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("harvester", s.harvester.Name),
				attribute.Int64("monitored_path_id", int64(path.ID)),
			))
			span.RecordError(err)
			slog.Error("경로 스캔 실패",
				"monitored_path_id", path.ID,
				"path", path.Path,
				"error", err,
			)
		}
	}

	if err := s.store.CheckIn(ctx, s.harvester.ID, s.now()); err != nil {
		slog.Warn("하베스터 체크인 실패", "harvester", s.harvester.Name, "error", err)
	}

	span.SetAttributes(
		attribute.Int("path_count", res.Paths),
		attribute.Int("file_count", res.Files),
		attribute.Int("transition_count", res.Transitions),
	)

	slog.Info("스캔 완료",
		"harvester", s.harvester.Name,
		"paths", res.Paths,
		"files", res.Files,
		"writes", res.Writes,
		"transitions", res.Transitions,
		"errors", res.Errors,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	return res, nil
}

func (s *Scanner) openPaths(ctx context.Context) map[string]struct{} {
	if s.handles == nil {
		return nil
	}
	open, err := s.handles.OpenPaths(ctx)
	if err != nil {
		slog.Warn("열린 파일 핸들 조회 실패, 사용 중 검사를 건너뜁니다", "error", err)
		return nil
	}
	return open
}

// ScanPath는 monitored 디렉토리 하나를 (재귀 없이) 나열하고 일반 파일마다
// 상태 전이를 적용한다.
func (s *Scanner) ScanPath(ctx context.Context, path models.MonitoredPath, open map[string]struct{}) (Result, error) {
	dir := path.Resolve(s.basePath)
	// 열린 핸들은 절대 경로로 보고된다
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	ctx, span := telemetry.Tracer().Start(ctx, "scan_path",
		oteltrace.WithAttributes(
			attribute.Int64("monitored_path_id", int64(path.ID)),
			attribute.String("path", dir),
		),
	)
	defer span.End()

	res := Result{Paths: 1}

	var filter *regexp.Regexp
	if path.Regex != "" {
		var err error
		if filter, err = regexp.Compile(path.Regex); err != nil {
			return res, fmt.Errorf("잘못된 정규식 %q: %w", path.Regex, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, fmt.Errorf("디렉토리가 존재하지 않습니다: %s", dir)
		}
		return res, fmt.Errorf("디렉토리 읽기 실패: %w", err)
	}

	policy := s.policy.WithStableTime(path.StableWindow(s.policy.StableTime))

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if filter != nil && !filter.MatchString(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// ReadDir와 Info 사이에 삭제됨
			continue
		}

		_, inUse := open[filepath.Join(dir, name)]
		obs := tracker.Observation{
			Size:  info.Size(),
			InUse: inUse,
			Now:   s.now(),
		}

		d, err := s.Observe(ctx, path.ID, name, policy, obs)
		res.Files++
		if err != nil {
			res.Errors++
			slog.Error("파일 관측 기록 실패",
				"monitored_path_id", path.ID,
				"path", name,
				"error", err,
			)
			continue
		}
		if d.Kind != tracker.Noop {
			res.Writes++
		}
		if d.Transitioned() {
			res.Transitions++
		}
	}

	s.filesObserved.Add(ctx, int64(res.Files), metric.WithAttributes(
		attribute.Int64("monitored_path_id", int64(path.ID)),
	))
	span.SetAttributes(attribute.Int("file_count", res.Files))

	return res, nil
}

// Observe는 파일 하나의 기록을 읽어 전이를 결정하고 필요할 때만 저장한다.
// 갱신은 읽은 상태일 때만 적용되므로 동시에 일어난 임포트 선점을 덮어쓰지 않는다.
func (s *Scanner) Observe(ctx context.Context, pathID uint64, relPath string, policy tracker.Policy, obs tracker.Observation) (tracker.Decision, error) {
	prev, err := s.store.GetObservedFile(ctx, pathID, relPath)
	if err != nil {
		return tracker.Decision{}, err
	}

	d := policy.Next(prev, obs)

	switch d.Kind {
	case tracker.Noop:
		return d, nil

	case tracker.Insert:
		d.File.MonitoredPathID = pathID
		d.File.Path = relPath
		if err := s.store.UpsertObservedFile(ctx, &d.File); err != nil {
			return tracker.Decision{}, err
		}

	case tracker.Update:
		ok, err := s.store.SaveObservation(ctx, &d.File, d.From)
		if err != nil {
			return tracker.Decision{}, err
		}
		if !ok {
			slog.Debug("관측 중 파일 상태가 바뀌어 기록을 건너뜁니다",
				"monitored_path_id", pathID,
				"path", relPath,
				"expected", d.From,
			)
			return tracker.Decision{Kind: tracker.Noop, From: d.From}, nil
		}
	}

	if d.Transitioned() {
		s.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(d.From)),
			attribute.String("to", string(d.File.State)),
		))
		slog.Info("파일 상태 전이",
			"monitored_path_id", pathID,
			"path", relPath,
			"from", d.From,
			"to", d.File.State,
			"size", d.File.LastObservedSize,
		)
	}

	return d, nil
}
