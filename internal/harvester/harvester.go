// Package harvester는 정해진 주기로 스캔과 임포트 사이클을 돌린다.
package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/config"
	"github.com/jeongdaeha/cycler-harvester/internal/database"
	"github.com/jeongdaeha/cycler-harvester/internal/importer"
	"github.com/jeongdaeha/cycler-harvester/internal/models"
	"github.com/jeongdaeha/cycler-harvester/internal/scanner"
	"github.com/jeongdaeha/cycler-harvester/internal/watch"
)

type Harvester struct {
	store       *database.Store
	harvester   *models.Harvester
	scanner     *scanner.Scanner
	coordinator *importer.Coordinator
	watcher     *watch.Watcher
	cfg         config.HarvesterConfig
}

func New(store *database.Store, harvester *models.Harvester, s *scanner.Scanner, c *importer.Coordinator, cfg config.HarvesterConfig) *Harvester {
	return &Harvester{
		store:       store,
		harvester:   harvester,
		scanner:     s,
		coordinator: c,
		cfg:         cfg,
	}
}

// WithWatcher를 쓰면 파일시스템 이벤트가 다음 틱 전에 사이클을 시작시킨다.
func (h *Harvester) WithWatcher(w *watch.Watcher) *Harvester {
	h.watcher = w
	return h
}

// CycleResult는 스캔과 임포트 한 사이클의 결과이다.
type CycleResult struct {
	Scan   scanner.Result
	Import importer.Result
}

// RunOnce는 모든 monitored path를 스캔한 뒤 STABLE 파일을 임포트한다.
func (h *Harvester) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	scan, err := h.scanner.ScanAll(ctx)
	res.Scan = scan
	if err != nil {
		return res, fmt.Errorf("스캔 실패: %w", err)
	}

	imp, err := h.coordinator.ImportAll(ctx)
	res.Import = imp
	if err != nil {
		return res, fmt.Errorf("임포트 실패: %w", err)
	}

	if h.watcher != nil {
		h.syncWatcher(ctx)
	}

	return res, nil
}

func (h *Harvester) syncWatcher(ctx context.Context) {
	paths, err := h.store.ListMonitoredPaths(ctx, h.harvester.ID)
	if err != nil {
		slog.Warn("감시 디렉토리 갱신 실패", "error", err)
		return
	}
	dirs := make([]string, 0, len(paths))
	for _, p := range paths {
		dirs = append(dirs, p.Resolve(h.cfg.BasePath))
	}
	h.watcher.Sync(dirs)
}

// Start는 즉시 한 사이클을 돌리고 ctx가 끝날 때까지 매 틱마다 반복한다.
func (h *Harvester) Start(ctx context.Context) error {
	slog.Info("하베스터 시작",
		"harvester", h.harvester.Name,
		"institution", h.harvester.Institution,
		"interval", h.cfg.ScanInterval.String(),
		"watch", h.watcher != nil,
	)

	var triggers <-chan struct{}
	if h.watcher != nil {
		triggers = h.watcher.Triggers()
		go func() {
			if err := h.watcher.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("파일 감시 중단", "error", err)
			}
		}()
	}

	if _, err := h.RunOnce(ctx); err != nil {
		slog.Error("초기 하베스트 실패", "error", err)
	}

	ticker := time.NewTicker(h.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("하베스터 종료 신호 수신")
			return ctx.Err()
		case <-ticker.C:
		case <-triggers:
			slog.Debug("파일 변경 감지, 조기 스캔")
		}

		if _, err := h.RunOnce(ctx); err != nil {
			slog.Error("하베스트 실패", "error", err)
		}
	}
}
