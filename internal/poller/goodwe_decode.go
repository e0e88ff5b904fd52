package poller

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type fieldWidth int

const (
	widthShort fieldWidth = 2
	widthLong  fieldWidth = 4
)

type runField struct {
	name    string
	width   fieldWidth
	divisor float64
	sign    float64
}

// runLayout is the single phase run response payload, in wire order
var runLayout = []runField{
	{"Vpv1", widthShort, 10, 1},
	{"Vpv2", widthShort, 10, 1},
	{"Ipv1", widthShort, 10, 1},
	{"Ipv2", widthShort, 10, 1},
	{"Vac1", widthShort, 10, 1},
	{"Iac1", widthShort, 10, 1},
	{"Fac1", widthShort, 100, 1},
	// the inverter reports export as positive
	{"PGrid", widthShort, 1, -1},
	{"WorkMode", widthShort, 1, 1},
	{"Temperature", widthShort, 10, 1},
	{"ErrorMessage", widthLong, 1, 1},
	{"ETotal", widthLong, 10, 1},
	{"HTotal", widthLong, 1, 1},
	{"SoftVersion", widthShort, 1, 1},
	{"WarningCode", widthShort, 1, 1},
	{"PV2FaultValue", widthShort, 10, 1},
	{"FunctionsBitValue", widthShort, 1, 1},
	{"BUSVoltage", widthShort, 10, 1},
	{"GFCICheckValue_SafetyCountry", widthShort, 1, 1},
	{"EDay", widthShort, 10, 1},
	{"Vbattery1", widthShort, 10, 1},
	{"Errorcode", widthShort, 1, 1},
	{"SOC1", widthShort, 1, 1},
	{"Ibattery1", widthShort, 10, 1},
	{"PVTotal", widthShort, 10, 1},
	{"LoadPower", widthLong, 1, 1},
	{"E_Load_Day", widthShort, 10, 1},
	{"E_Total_Load", widthLong, 10, 1},
	{"InverterPower", widthShort, 1, 1},
	{"Vload", widthShort, 10, 1},
	{"Iload", widthShort, 10, 1},
	{"OperationMode", widthShort, 1, 1},
	{"BMS_Alarm", widthShort, 1, 1},
	{"BMS_Warning", widthShort, 1, 1},
	{"SOH1", widthShort, 1, 1},
	{"BMS_Temperature", widthShort, 10, 1},
	{"BMS_Charge_I_Max", widthShort, 1, 1},
	{"BMS_Discharge_I_Max", widthShort, 1, 1},
	{"Battery_Work_Mode", widthShort, 1, 1},
	{"Pmeter", widthShort, 1, 1},
}

var runPayloadSize = func() int {
	n := 0
	for _, f := range runLayout {
		n += int(f.width)
	}
	return n
}()

// decodeRun decodes a run response payload into scaled, signed values
func decodeRun(payload []byte) (map[string]float64, error) {
	if len(payload) < runPayloadSize {
		return nil, fmt.Errorf("%w: run payload of %d bytes, expected %d", ErrDecode, len(payload), runPayloadSize)
	}

	values := make(map[string]float64, len(runLayout))
	ptr := 0
	for _, f := range runLayout {
		var raw int64
		switch f.width {
		case widthShort:
			raw = int64(int16(binary.BigEndian.Uint16(payload[ptr:])))
		case widthLong:
			raw = int64(int32(binary.BigEndian.Uint32(payload[ptr:])))
		}
		ptr += int(f.width)
		values[f.name] = float64(raw) / f.divisor * f.sign
	}
	return values, nil
}

// inverterID is the identity returned by the id query
type inverterID struct {
	Firmware string
	Model    string
	Serial   string
}

const idPayloadSize = 64

func decodeID(payload []byte) (inverterID, error) {
	if len(payload) < idPayloadSize {
		return inverterID{}, fmt.Errorf("%w: id payload of %d bytes, expected %d", ErrDecode, len(payload), idPayloadSize)
	}
	return inverterID{
		Firmware: trimField(payload[0:5]),
		Model:    trimField(payload[5:15]),
		Serial:   trimField(payload[31:47]),
	}, nil
}

func trimField(b []byte) string {
	return string(bytes.Trim(b, " \x00\xff"))
}

// derived readings built from several run values
var derivedReadings = map[string]struct {
	unit    string
	compute func(v map[string]float64) float64
}{
	"pv1":      {"watts", func(v map[string]float64) float64 { return v["Vpv1"] * v["Ipv1"] }},
	"pv2":      {"watts", func(v map[string]float64) float64 { return v["Vpv2"] * v["Ipv2"] }},
	"battery1": {"watts", func(v map[string]float64) float64 { return v["Vbattery1"] * v["Ibattery1"] }},
	"grid":     {"watts", func(v map[string]float64) float64 { return v["PGrid"] }},
	"load":     {"watts", func(v map[string]float64) float64 { return v["LoadPower"] }},
	"soc1":     {"percent", func(v map[string]float64) float64 { return v["SOC1"] * (v["SOH1"] / 100) }},
}

// runReading resolves a configured reading name to a value and default unit.
// Besides the derived names, any raw run field can be read directly.
func runReading(name string, values map[string]float64) (float64, string, bool) {
	if d, ok := derivedReadings[name]; ok {
		return d.compute(values), d.unit, true
	}
	if v, ok := values[name]; ok {
		return v, "", true
	}
	return 0, "", false
}

// readsLoadPower reports whether a configured reading is taken from LoadPower
func readsLoadPower(name string) bool {
	return name == "load" || name == "LoadPower"
}

// isKnownRunReading reports whether name can be resolved by runReading
func isKnownRunReading(name string) bool {
	if _, ok := derivedReadings[name]; ok {
		return true
	}
	for _, f := range runLayout {
		if f.name == name {
			return true
		}
	}
	return false
}
