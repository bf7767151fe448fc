package parsers

import "strings"

// 표준 컬럼 이름. 모든 형식은 원래 컬럼을 여기로 매핑한다.
const (
	ColSampleNumber   = "Sample Number"
	ColTime           = "Time"
	ColStepTime       = "Step Time"
	ColVolts          = "Volts"
	ColAmps           = "Amps"
	ColChargeCapacity = "Charge Capacity"
	ColEnergyCapacity = "Energy Capacity"
	ColTemperature    = "Temperature"
	ColCycle          = "Cycle"
	ColStep           = "Step"
)

var standardUnits = map[string]string{
	ColSampleNumber:   "",
	ColTime:           "s",
	ColStepTime:       "s",
	ColVolts:          "V",
	ColAmps:           "A",
	ColChargeCapacity: "Ah",
	ColEnergyCapacity: "Wh",
	ColTemperature:    "degC",
	ColCycle:          "",
	ColStep:           "",
}

type conversion struct {
	column     string
	multiplier float64
}

// nativeColumns는 벤더 컬럼 헤더를 표준 컬럼과 표준 단위 변환 배수로 매핑한다.
var nativeColumns = map[string]conversion{
	// Biologic
	"time/s":         {ColTime, 1},
	"Ewe/V":          {ColVolts, 1},
	"<Ewe>/V":        {ColVolts, 1},
	"I/mA":           {ColAmps, 1e-3},
	"<I>/mA":         {ColAmps, 1e-3},
	"(Q-Qo)/mA.h":    {ColChargeCapacity, 1e-3},
	"dQ/mA.h":        {ColChargeCapacity, 1e-3},
	"Energy/W.h":     {ColEnergyCapacity, 1},
	"cycle number":   {ColCycle, 1},
	"Ns":             {ColStep, 1},
	"Temperature/°C": {ColTemperature, 1},

	// Ivium
	"I/A": {ColAmps, 1},
	"E/V": {ColVolts, 1},

	// Maccor
	"Rec#":       {ColSampleNumber, 1},
	"Cyc#":       {ColCycle, 1},
	"Step":       {ColStep, 1},
	"Test (Sec)": {ColTime, 1},
	"Test Time":  {ColTime, 1},
	"Step (Sec)": {ColStepTime, 1},
	"Amp-hr":     {ColChargeCapacity, 1},
	"Watt-hr":    {ColEnergyCapacity, 1},
	"Amps":       {ColAmps, 1},
	"Current":    {ColAmps, 1},
	"Volts":      {ColVolts, 1},
	"Voltage":    {ColVolts, 1},
	"Temp 1":     {ColTemperature, 1},
}

// Normalized는 원래 컬럼 하나를 매핑한 결과이다.
type Normalized struct {
	Spec       ColumnSpec
	Multiplier float64
}

// Normalize는 원래 컬럼 헤더를 표준 컬럼으로 매핑한다. 매핑이 없는 헤더는
// 원래 이름과 배수 1을 유지한다.
func Normalize(native string) Normalized {
	if c, ok := nativeColumns[native]; ok {
		return Normalized{
			Spec:       ColumnSpec{Name: c.column, Unit: standardUnits[c.column], Standard: true},
			Multiplier: c.multiplier,
		}
	}

	name, unit := splitUnit(strings.TrimSpace(native))
	return Normalized{
		Spec:       ColumnSpec{Name: name, Unit: unit},
		Multiplier: 1,
	}
}

// IsStandard는 name이 표준 컬럼인지 알려준다.
func IsStandard(name string) bool {
	_, ok := standardUnits[name]
	return ok
}

// splitUnit은 Biologic 방식의 "quantity/unit" 헤더를 나눈다.
func splitUnit(header string) (string, string) {
	i := strings.Index(header, "/")
	if i <= 0 || i == len(header)-1 {
		return header, ""
	}
	return header[:i], header[i+1:]
}
