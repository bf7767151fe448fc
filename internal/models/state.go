package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

var ErrInvalidFileState = errors.New("허용되지 않은 파일 상태")

// FileState는 observed_files.state 컬럼에 텍스트로 저장되는 닫힌 열거형이다.
type FileState string

const (
	StateUnstable     FileState = "UNSTABLE"
	StateGrowing      FileState = "GROWING"
	StateStable       FileState = "STABLE"
	StateImporting    FileState = "IMPORTING"
	StateImported     FileState = "IMPORTED"
	StateImportFailed FileState = "IMPORT_FAILED"
	StateRetryImport  FileState = "RETRY_IMPORT"
)

var fileStates = map[FileState]struct{}{
	StateUnstable:     {},
	StateGrowing:      {},
	StateStable:       {},
	StateImporting:    {},
	StateImported:     {},
	StateImportFailed: {},
	StateRetryImport:  {},
}

func ParseFileState(s string) (FileState, error) {
	state := FileState(s)
	if !state.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileState, s)
	}
	return state, nil
}

func (s FileState) Valid() bool {
	_, ok := fileStates[s]
	return ok
}

func (s FileState) String() string {
	return string(s)
}

func (s FileState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileState, string(s))
	}
	return string(s), nil
}

func (s *FileState) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		return fmt.Errorf("%w: NULL", ErrInvalidFileState)
	default:
		return fmt.Errorf("%w: 지원하지 않는 타입 %T", ErrInvalidFileState, src)
	}

	state, err := ParseFileState(raw)
	if err != nil {
		return err
	}
	*s = state
	return nil
}
