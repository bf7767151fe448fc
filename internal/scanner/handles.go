package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
)

// HandleChecker는 다른 프로세스가 지금 열고 있는 파일을 알려준다.
type HandleChecker interface {
	OpenPaths(ctx context.Context) (map[string]struct{}, error)
}

// ProcessHandleChecker는 프로세스 목록을 훑는다. 조회 권한이 없는 프로세스는 건너뛴다.
type ProcessHandleChecker struct{}

func (ProcessHandleChecker) OpenPaths(ctx context.Context) (map[string]struct{}, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("프로세스 목록 조회 실패: %w", err)
	}

	self := int32(os.Getpid())
	open := make(map[string]struct{})
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			continue
		}
		for _, f := range files {
			open[filepath.Clean(f.Path)] = struct{}{}
		}
	}
	return open, nil
}
