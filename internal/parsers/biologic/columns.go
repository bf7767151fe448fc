package biologic

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jeongdaeha/cycler-harvester/internal/parsers"
)

type kind int

const (
	kindFlags kind = iota
	kindF4
	kindF8
	kindU2
	kindU4
)

func (k kind) size() int {
	switch k {
	case kindFlags:
		return 1
	case kindU2:
		return 2
	case kindF4, kindU4:
		return 4
	case kindF8:
		return 8
	}
	return 0
}

type columnType struct {
	name string
	kind kind
	mask byte
}

// flagColumns는 레코드마다 한 바이트를 함께 쓴다.
var flagColumns = map[uint16]columnType{
	1:  {"mode", kindFlags, 0x03},
	2:  {"ox/red", kindFlags, 0x04},
	3:  {"error", kindFlags, 0x08},
	21: {"control changes", kindFlags, 0x10},
	31: {"Ns changes", kindFlags, 0x20},
	65: {"counter inc.", kindFlags, 0x80},
}

var dataColumns = map[uint16]columnType{
	4:   {"time/s", kindF8, 0},
	5:   {"control/V/mA", kindF4, 0},
	6:   {"Ewe/V", kindF4, 0},
	7:   {"dQ/mA.h", kindF8, 0},
	8:   {"I/mA", kindF4, 0},
	9:   {"Ece/V", kindF4, 0},
	11:  {"I/mA", kindF8, 0},
	13:  {"(Q-Qo)/mA.h", kindF8, 0},
	16:  {"Analog IN 1/V", kindF4, 0},
	19:  {"control/V", kindF4, 0},
	20:  {"control/mA", kindF4, 0},
	23:  {"dQ/mA.h", kindF8, 0},
	24:  {"cycle number", kindF8, 0},
	32:  {"freq/Hz", kindF4, 0},
	33:  {"|Ewe|/V", kindF4, 0},
	34:  {"|I|/A", kindF4, 0},
	35:  {"Phase(Z)/deg", kindF4, 0},
	36:  {"|Z|/Ohm", kindF4, 0},
	37:  {"Re(Z)/Ohm", kindF4, 0},
	38:  {"-Im(Z)/Ohm", kindF4, 0},
	39:  {"I Range", kindU2, 0},
	70:  {"P/W", kindF4, 0},
	74:  {"Energy/W.h", kindF8, 0},
	76:  {"<I>/mA", kindF4, 0},
	77:  {"<Ewe>/V", kindF4, 0},
	123: {"Energy charge/W.h", kindF8, 0},
	124: {"Energy discharge/W.h", kindF8, 0},
	131: {"Ns", kindU2, 0},
	174: {"Ewe/V", kindF4, 0},
}

type column struct {
	spec       parsers.ColumnSpec
	multiplier float64
	kind       kind
	offset     int
	mask       byte
}

func (c column) decode(rec []byte) float64 {
	b := rec[c.offset:]
	switch c.kind {
	case kindFlags:
		shift := 0
		for c.mask>>shift&1 == 0 {
			shift++
		}
		return float64((b[0] & c.mask) >> shift)
	case kindF4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case kindF8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case kindU2:
		return float64(binary.LittleEndian.Uint16(b))
	case kindU4:
		return float64(binary.LittleEndian.Uint32(b))
	}
	return math.NaN()
}

// layout은 VMP data 모듈의 레코드 구조이다.
type layout struct {
	points     int
	recordSize int
	columns    []column
	records    []byte
}

func (l *layout) has(name string) bool {
	for _, c := range l.columns {
		if c.spec.Name == name {
			return true
		}
	}
	return false
}

func decodeDataModule(m *module) (*layout, error) {
	data := m.Data
	if len(data) < 5 {
		return nil, fmt.Errorf("VMP data 모듈이 너무 짧습니다 (%d 바이트)", len(data))
	}
	points := binary.LittleEndian.Uint32(data[0:4])
	numCols := int(data[4])

	var (
		ids        []uint16
		dataOffset int
	)
	switch m.Version {
	case 0:
		if len(data) < 5+numCols {
			return nil, fmt.Errorf("컬럼 목록이 잘렸습니다")
		}
		for i := 0; i < numCols; i++ {
			ids = append(ids, uint16(data[5+i]))
		}
		dataOffset = 100
	case 2, 3:
		if len(data) < 5+2*numCols {
			return nil, fmt.Errorf("컬럼 목록이 잘렸습니다")
		}
		for i := 0; i < numCols; i++ {
			ids = append(ids, binary.LittleEndian.Uint16(data[5+2*i:]))
		}
		dataOffset = 405
		if m.Version == 3 {
			dataOffset = 406
		}
	default:
		return nil, fmt.Errorf("지원하지 않는 VMP data 버전 %d", m.Version)
	}

	l := &layout{points: int(points)}
	used := make(map[string]bool)
	flagOffset := -1

	for _, id := range ids {
		ct, isFlag := flagColumns[id]
		if !isFlag {
			var ok bool
			if ct, ok = dataColumns[id]; !ok {
				return nil, fmt.Errorf("알 수 없는 컬럼 id %d", id)
			}
		}

		c := column{kind: ct.kind, mask: ct.mask}
		if isFlag {
			if flagOffset < 0 {
				flagOffset = l.recordSize
				l.recordSize++
			}
			c.offset = flagOffset
		} else {
			c.offset = l.recordSize
			l.recordSize += ct.kind.size()
		}

		n := parsers.Normalize(ct.name)
		if used[n.Spec.Name] {
			// 같은 표준 이름에 매핑되는 두 번째 컬럼은 원래 헤더를 유지한다
			n = parsers.Normalized{Spec: parsers.ColumnSpec{Name: ct.name}, Multiplier: 1}
		}
		used[n.Spec.Name] = true
		c.spec = n.Spec
		c.multiplier = n.Multiplier
		l.columns = append(l.columns, c)
	}

	if dataOffset > len(data) {
		return nil, fmt.Errorf("데이터 시작 위치 %d가 모듈 길이 %d를 넘습니다", dataOffset, len(data))
	}
	l.records = data[dataOffset:]
	if need := l.points * l.recordSize; len(l.records) < need {
		return nil, fmt.Errorf("데이터가 잘렸습니다: %d 바이트 필요, %d 바이트 있음", need, len(l.records))
	}

	return l, nil
}
