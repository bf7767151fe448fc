package maccor

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
)

const (
	TextFormat = "maccor-text"

	maxLine = 1 << 20
)

// Text는 탭 구분 Maccor export를 읽는다.
type Text struct{}

func NewText() *Text {
	return &Text{}
}

func (Text) Name() string {
	return TextFormat
}

// Maccor 텍스트 export는 채널 번호를 확장자로 쓰므로 스프레드시트와 알려진
// 바이너리 형식만 거르고 나머지는 시그니처 검사에 맡긴다.
func (Text) Accepts(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xls", ".mpr", ".mps", ".zip":
		return false
	}
	return true
}

func (Text) Open(path string) (parsers.File, error) {
	return openExport(TextFormat, path, openText)
}

type textReader struct {
	f       *os.File
	scanner *bufio.Scanner
}

func openText(path string) (reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("파일 열기 실패: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	return &textReader{f: f, scanner: scanner}, nil
}

func (r *textReader) Next() bool {
	return r.scanner.Scan()
}

func (r *textReader) Cells() ([]string, error) {
	line := bytes.TrimRight(r.scanner.Bytes(), "\r")
	if !utf8.Valid(line) {
		return nil, fmt.Errorf("텍스트가 아닌 내용이 있습니다")
	}
	return strings.Split(string(line), "\t"), nil
}

func (r *textReader) Err() error {
	return r.scanner.Err()
}

func (r *textReader) Close() error {
	return r.f.Close()
}
