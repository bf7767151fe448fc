package parsers

import (
	"errors"
	"fmt"
)

// Registry는 등록된 형식을 순서대로 시도한다. 시작 시 한 번 만들어 임포터에 넘긴다.
type Registry struct {
	formats []Format
}

func NewRegistry(formats ...Format) *Registry {
	return &Registry{formats: formats}
}

// Names는 조회 순서대로 형식 이름을 돌려준다.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.formats))
	for _, f := range r.formats {
		names = append(names, f.Name())
	}
	return names
}

// Open은 파일을 받아들인 첫 형식으로 연 파일과 형식 이름을 돌려준다.
// 받아들인 형식이 *ParseError를 내면 그대로 돌려주고 다음 형식은 시도하지 않는다.
func (r *Registry) Open(path string) (File, string, error) {
	var rejected []error

	for _, format := range r.formats {
		if !format.Accepts(path) {
			continue
		}

		file, err := format.Open(path)
		if err == nil {
			return file, format.Name(), nil
		}

		if errors.Is(err, ErrNotApplicable) {
			rejected = append(rejected, err)
			continue
		}

		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return nil, format.Name(), err
		}
		return nil, format.Name(), Failed(format.Name(), path, err)
	}

	if len(rejected) > 0 {
		return nil, "", fmt.Errorf("%s: %w (%v)", path, ErrUnsupportedFileType, errors.Join(rejected...))
	}
	return nil, "", fmt.Errorf("%s: %w", path, ErrUnsupportedFileType)
}
