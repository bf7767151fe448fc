// Package tracker는 스캐너가 파일을 다시 봤을 때 observed file 기록이 어떻게
// 바뀌는지 결정한다.
//
// 결정은 저장된 기록과 새 관측값만으로 정해지며 저장은 호출자가 한다.
package tracker

import (
	"time"

	"github.com/jeongdaeha/cycler-harvester/internal/models"
)

const DefaultStableTime = 60 * time.Second

type Observation struct {
	Size int64
	// 다른 프로세스가 파일을 열고 있으면 InUse는 true이다.
	InUse bool
	Now   time.Time
}

type Kind int

const (
	// Noop은 아무것도 쓰지 않는다. 쓰면 안정 타이머가 다시 시작된다.
	Noop Kind = iota
	Insert
	Update
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	default:
		return "noop"
	}
}

type Decision struct {
	Kind Kind
	// File은 Insert와 Update 때 저장할 기록이다.
	File models.ObservedFile
	// From은 저장된 기록의 상태이며 갱신은 이 상태일 때만 적용된다.
	From models.FileState
}

// Transitioned는 결정이 파일 상태를 바꾸는지 알려준다.
func (d Decision) Transitioned() bool {
	return d.Kind == Insert || (d.Kind == Update && d.File.State != d.From)
}

type Policy struct {
	// StableTime이 지나도록 변화가 없는 파일은 STABLE이 된다.
	StableTime time.Duration
	// IMPORT_FAILED 상태가 RetryAfter보다 오래되면 RETRY_IMPORT로 되돌린다.
	// 0이면 자동 재시도를 하지 않는다.
	RetryAfter  time.Duration
	MaxAttempts int
	// IMPORTING 상태가 ImportingTimeout보다 오래되면 버려진 작업으로 본다.
	ImportingTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		StableTime:       DefaultStableTime,
		MaxAttempts:      3,
		ImportingTimeout: time.Hour,
	}
}

// WithStableTime은 대기 시간을 d로 바꾼 정책 사본을 돌려준다.
func (p Policy) WithStableTime(d time.Duration) Policy {
	p.StableTime = d
	return p
}

func (p Policy) Next(prev *models.ObservedFile, obs Observation) Decision {
	if prev == nil {
		return Decision{
			Kind: Insert,
			File: models.ObservedFile{
				LastObservedSize: obs.Size,
				LastObservedTime: obs.Now,
				State:            models.StateUnstable,
				StateChangedAt:   obs.Now,
			},
		}
	}

	next := *prev
	decision := Decision{Kind: Noop, From: prev.State}

	record := func(state models.FileState) Decision {
		next.LastObservedSize = obs.Size
		next.LastObservedTime = obs.Now
		if state != prev.State {
			next.State = state
			next.StateChangedAt = obs.Now
		}
		decision.Kind = Update
		decision.File = next
		return decision
	}

	switch prev.State {
	case models.StateImporting:
		if p.ImportingTimeout > 0 && obs.Now.Sub(prev.StateChangedAt) > p.ImportingTimeout {
			next.State = models.StateStable
			next.StateChangedAt = obs.Now
			decision.Kind = Update
			decision.File = next
		}
		return decision

	case models.StateStable:
		if obs.Size != prev.LastObservedSize {
			return record(models.StateUnstable)
		}
		return decision

	case models.StateImported:
		if obs.Size > prev.LastObservedSize {
			return record(models.StateGrowing)
		}
		return decision

	case models.StateImportFailed:
		if p.retryDue(prev, obs.Now) {
			return record(models.StateRetryImport)
		}
		return decision
	}

	// UNSTABLE, GROWING, RETRY_IMPORT는 아직 안정화 중이다.
	switch {
	case obs.Size != prev.LastObservedSize:
		return record(prev.State)
	case obs.InUse:
		return record(prev.State)
	case obs.Now.Sub(prev.LastObservedTime) > p.stableTime():
		next.State = models.StateStable
		next.StateChangedAt = obs.Now
		decision.Kind = Update
		decision.File = next
		return decision
	default:
		return decision
	}
}

func (p Policy) stableTime() time.Duration {
	if p.StableTime > 0 {
		return p.StableTime
	}
	return DefaultStableTime
}

func (p Policy) retryDue(prev *models.ObservedFile, now time.Time) bool {
	if p.RetryAfter <= 0 {
		return false
	}
	if p.MaxAttempts > 0 && prev.ImportAttempts >= p.MaxAttempts {
		return false
	}
	return now.Sub(prev.StateChangedAt) >= p.RetryAfter
}
