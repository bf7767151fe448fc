package parsers

import (
	"errors"
	"fmt"
)

var (
	// ErrNotApplicable은 형식이 파일을 알아보지 못했을 때 돌려준다.
	// 레지스트리는 다음 형식으로 넘어간다.
	ErrNotApplicable = errors.New("parser: file is not in this format")

	// ErrUnsupportedFileType은 어떤 형식도 파일을 받아들이지 않았을 때 돌려준다.
	ErrUnsupportedFileType = errors.New("parser: unsupported file type")
)

// ParseError는 시그니처는 맞지만 내용을 해석하지 못한 파일을 나타낸다.
// 레지스트리는 여기서 멈춘다.
type ParseError struct {
	Format string
	Path   string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parser %s: %s: %v", e.Format, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NotApplicable은 형식이 파일을 거부한 이유로 ErrNotApplicable을 감싼다.
func NotApplicable(format, reason string) error {
	return fmt.Errorf("%s: %s: %w", format, reason, ErrNotApplicable)
}

// Failed는 ParseError를 만든다.
func Failed(format, path string, err error) error {
	return &ParseError{Format: format, Path: path, Err: err}
}
