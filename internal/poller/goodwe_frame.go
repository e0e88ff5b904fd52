package poller

import (
	"encoding/binary"
	"fmt"
)

// GoodWe control and function codes
const (
	ccRegister = 0x00
	ccRead     = 0x01

	fcQueryOffline    = 0x00
	fcResponseOffline = 0x80
	fcQueryID         = 0x02
	fcResponseID      = 0x82
	fcQueryRun        = 0x01
	fcResponseRun     = 0x81
	fcResponseIgnored = 0x86
)

const (
	frameHeader0 = 0xAA
	frameHeader1 = 0x55
	// header(2) + dst + src + control + function + length + checksum(2)
	frameOverhead = 9
)

// frame is one GoodWe datagram
type frame struct {
	Dst      byte
	Src      byte
	Control  byte
	Function byte
	Payload  []byte
}

// checksum is the 16-bit sum of every byte
func checksum(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return sum
}

// encode builds the wire form of f
func (f frame) encode() []byte {
	buf := make([]byte, 0, len(f.Payload)+frameOverhead)
	buf = append(buf, frameHeader0, frameHeader1, f.Dst, f.Src, f.Control, f.Function, byte(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return binary.BigEndian.AppendUint16(buf, checksum(buf))
}

// queryFrame builds a payload-less query from the access point to the inverter
func queryFrame(inverter, ap, control, function byte) []byte {
	return frame{Dst: inverter, Src: ap, Control: control, Function: function}.encode()
}

// decodeFrame validates header, declared length and checksum. Trailing bytes
// past the declared length are ignored.
func decodeFrame(buf []byte) (frame, error) {
	if len(buf) < frameOverhead {
		return frame{}, fmt.Errorf("%w: short frame of %d bytes", ErrDecode, len(buf))
	}
	if buf[0] != frameHeader0 || buf[1] != frameHeader1 {
		return frame{}, fmt.Errorf("%w: bad header % x", ErrDecode, buf[:2])
	}

	end := int(buf[6]) + frameOverhead
	if len(buf) < end {
		return frame{}, fmt.Errorf("%w: declared length %d exceeds frame of %d bytes", ErrDecode, buf[6], len(buf))
	}

	want := binary.BigEndian.Uint16(buf[end-2 : end])
	if got := checksum(buf[:end-2]); got != want {
		return frame{}, fmt.Errorf("%w: checksum %04x, expected %04x", ErrDecode, got, want)
	}

	return frame{
		Dst:      buf[2],
		Src:      buf[3],
		Control:  buf[4],
		Function: buf[5],
		Payload:  buf[7 : end-2],
	}, nil
}
