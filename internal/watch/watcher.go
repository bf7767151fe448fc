// Package watch는 monitored 디렉토리에 변화가 생기면 하베스터 루프를 일찍 깨운다.
// 파일 상태는 바꾸지 않으며 STABLE 판정은 여전히 스캐너의 대기 시간이 한다.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 2 * time.Second

type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	trigger  chan struct{}

	mu    sync.Mutex
	dirs  map[string]struct{}
	timer *time.Timer
}

func New(debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("파일 감시자 생성 실패: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		watcher:  fsWatcher,
		debounce: debounce,
		trigger:  make(chan struct{}, 1),
		dirs:     make(map[string]struct{}),
	}, nil
}

// Triggers는 연속된 변경 묶음마다 값을 하나 받는다.
func (w *Watcher) Triggers() <-chan struct{} {
	return w.trigger
}

// Sync는 감시 대상을 dirs와 같게 맞춘다. 감시할 수 없는 디렉토리는 로그를
// 남기고 건너뛴다.
func (w *Watcher) Sync(dirs []string) {
	want := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		want[filepath.Clean(d)] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for d := range w.dirs {
		if _, ok := want[d]; ok {
			continue
		}
		if err := w.watcher.Remove(d); err != nil {
			slog.Debug("디렉토리 감시 해제 실패", "path", d, "error", err)
		}
		delete(w.dirs, d)
	}

	for d := range want {
		if _, ok := w.dirs[d]; ok {
			continue
		}
		if err := w.watcher.Add(d); err != nil {
			slog.Warn("디렉토리 감시 등록 실패", "path", d, "error", err)
			continue
		}
		w.dirs[d] = struct{}{}
	}
}

// Watched는 현재 감시 중인 디렉토리 수를 돌려준다.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// Run은 ctx가 취소될 때까지 디바운스된 이벤트를 전달한다.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("파일 감시 에러", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) close() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		slog.Debug("파일 감시자 종료 실패", "error", err)
	}
}
