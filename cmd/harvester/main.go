package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/config"
	"github.com/jeongdaeha/cycler-harvester/internal/database"
	"github.com/jeongdaeha/cycler-harvester/internal/harvester"
	"github.com/jeongdaeha/cycler-harvester/internal/importer"
	"github.com/jeongdaeha/cycler-harvester/internal/logger"
	"github.com/jeongdaeha/cycler-harvester/internal/models"
	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
	"github.com/jeongdaeha/cycler-harvester/internal/parsers/biologic"
	"github.com/jeongdaeha/cycler-harvester/internal/parsers/ivium"
	"github.com/jeongdaeha/cycler-harvester/internal/parsers/maccor"
	"github.com/jeongdaeha/cycler-harvester/internal/scanner"
	"github.com/jeongdaeha/cycler-harvester/internal/telemetry"
	"github.com/jeongdaeha/cycler-harvester/internal/watch"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	logger.InitLogger("info")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("명령 실행 실패", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "harvester",
	Short:         "Battery cycler file harvester",
	Long:          `Scans monitored directories for cycler output files and imports settled files into the datastore.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan and import on SCAN_INTERVAL until interrupted",
	RunE:  runHarvester,
}

// app은 데이터스토어를 쓰는 명령이 공통으로 필요한 것을 담는다.
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	store     *database.Store
	harvester *models.Harvester
}

func setup(ctx context.Context) (*app, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("설정 로드 실패: %w", err)
	}

	logger.InitLoggerWithFormat(cfg.LogLevel, cfg.LogFormat)

	slog.Info("설정 로드 완료",
		"harvester", cfg.Harvester.Name,
		"db_driver", cfg.Database.Driver,
		"db_host", cfg.Database.Host,
		"scan_interval", cfg.Harvester.ScanInterval.String(),
		"stable_time", cfg.Harvester.StableTime.String(),
	)

	db, err := database.NewDB(&cfg.Database, logger.GormLevel(cfg.LogLevel))
	if err != nil {
		return nil, nil, fmt.Errorf("데이터베이스 연결 실패: %w", err)
	}

	cleanup := func() {
		if err := database.CloseDB(db); err != nil {
			slog.Error("데이터베이스 연결 종료 실패", "error", err)
		}
	}

	if err := database.MigrateDB(db); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("데이터베이스 마이그레이션 실패: %w", err)
	}

	store := database.NewStore(db)
	h, err := store.EnsureHarvester(ctx, cfg.Harvester.Name, cfg.Harvester.Institution)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	if cfg.Telemetry.Enabled {
		if err := telemetry.InitTelemetry("cycler-harvester", cfg.Harvester.Name, cfg.Telemetry.OTLPEndpoint); err != nil {
			slog.Warn("OpenTelemetry 초기화 실패", "error", err)
		} else {
			dbCleanup := cleanup
			cleanup = func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := telemetry.Shutdown(shutdownCtx); err != nil {
					slog.Error("OpenTelemetry 종료 실패", "error", err)
				}
				dbCleanup()
			}
		}
	}

	return &app{cfg: cfg, db: db, store: store, harvester: h}, cleanup, nil
}

func newRegistry() *parsers.Registry {
	return parsers.NewRegistry(
		biologic.New(),
		ivium.New(),
		maccor.NewExcel(),
		maccor.NewText(),
	)
}

func (a *app) scanner() (*scanner.Scanner, error) {
	var opts []scanner.Option
	if a.cfg.Harvester.CheckOpenHandles {
		opts = append(opts, scanner.WithHandleChecker(scanner.ProcessHandleChecker{}))
	}
	s, err := scanner.New(a.store, a.harvester, a.cfg.Harvester, opts...)
	if err != nil {
		return nil, fmt.Errorf("스캐너 생성 실패: %w", err)
	}
	return s, nil
}

func (a *app) coordinator() (*importer.Coordinator, error) {
	c, err := importer.New(a.store, a.harvester, newRegistry(), a.cfg.Harvester)
	if err != nil {
		return nil, fmt.Errorf("임포터 생성 실패: %w", err)
	}
	return c, nil
}

func runHarvester(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := a.scanner()
	if err != nil {
		return err
	}
	c, err := a.coordinator()
	if err != nil {
		return err
	}

	h := harvester.New(a.store, a.harvester, s, c, a.cfg.Harvester)
	if a.cfg.Harvester.WatchEnabled {
		w, err := watch.New(watch.DefaultDebounce)
		if err != nil {
			slog.Warn("파일 감시 비활성화", "error", err)
		} else {
			h.WithWatcher(w)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- h.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("종료 신호 수신", "signal", sig.String())
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("하베스터 에러 발생: %w", err)
		}
	}

	slog.Info("하베스터 종료")
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd, scanCmd, importCmd, migrateCmd, retryCmd, pathsCmd, parseCmd)
	pathsCmd.AddCommand(pathsAddCmd, pathsListCmd)

	pathsAddCmd.Flags().StringVar(&pathRegex, "regex", "", "Only track file names matching this regular expression")
	pathsAddCmd.Flags().IntVar(&pathStableTime, "stable-time", 0, "Quiet period in seconds before a file is STABLE (0 = STABLE_TIME)")
	pathsAddCmd.Flags().StringSliceVar(&pathUsers, "user", nil, "Grant access to discovered datasets, as <user-id>:<username> (repeatable)")

	parseCmd.Flags().IntVar(&parseRows, "rows", 5, "Number of rows to print")
}
