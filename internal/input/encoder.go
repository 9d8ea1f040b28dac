// Package input encodes local pointer and keyboard events into the remote
// control wire format. All records are fixed-size and big-endian.
package input

import (
	"encoding/binary"
	"math"
)

// Pointer button state bytes.
const (
	LeftDown    byte = 0x02
	LeftUp      byte = 0x04
	RightDown   byte = 0x08
	RightUp     byte = 0x10
	MiddleDown  byte = 0x20
	MiddleUp    byte = 0x40
	doubleClick byte = 0x88
)

const (
	recordMouseButton = 10
	recordMouseWheel  = 12
	recordKeyVirtual  = 6
	recordKeyUnicode  = 7
)

// MouseButton encodes a button press or release at remote coordinates.
func MouseButton(state byte, x, y uint16) []byte {
	buf := make([]byte, recordMouseButton)
	buf[1] = 0x02
	buf[3] = recordMouseButton
	buf[5] = state
	binary.BigEndian.PutUint16(buf[6:8], x)
	binary.BigEndian.PutUint16(buf[8:10], y)
	return buf
}

// DoubleClick encodes a double-click at remote coordinates.
func DoubleClick(x, y uint16) []byte {
	return MouseButton(doubleClick, x, y)
}

// Wheel encodes a scroll event with a signed 16-bit delta.
func Wheel(delta int16, x, y uint16) []byte {
	buf := make([]byte, recordMouseWheel)
	buf[1] = 0x02
	buf[3] = recordMouseWheel
	binary.BigEndian.PutUint16(buf[6:8], x)
	binary.BigEndian.PutUint16(buf[8:10], y)
	binary.BigEndian.PutUint16(buf[10:12], uint16(delta))
	return buf
}

// KeyVirtual encodes a key event by virtual-key code. up is 1 on release,
// 0 on press.
func KeyVirtual(code byte, up bool) []byte {
	buf := make([]byte, recordKeyVirtual)
	buf[1] = 0x01
	buf[3] = recordKeyVirtual
	if up {
		buf[4] = 1
	}
	buf[5] = code
	return buf
}

// KeyUnicode encodes a key event by 16-bit code point.
func KeyUnicode(code uint16, up bool) []byte {
	buf := make([]byte, recordKeyUnicode)
	buf[1] = 0x55
	buf[3] = recordKeyUnicode
	if up {
		buf[4] = 1
	}
	binary.BigEndian.PutUint16(buf[5:7], code)
	return buf
}

// MapPointer converts local-surface fractions (0..1) into remote pixel
// coordinates. Values clamp to the remote canvas. An unknown remote size
// maps everything to the origin.
func MapPointer(fx, fy float64, remoteWidth, remoteHeight uint16) (x, y uint16) {
	if remoteWidth == 0 || remoteHeight == 0 {
		return 0, 0
	}
	return clampCoord(fx*float64(remoteWidth), remoteWidth),
		clampCoord(fy*float64(remoteHeight), remoteHeight)
}

func clampCoord(v float64, limit uint16) uint16 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r > float64(limit) {
		return limit
	}
	return uint16(r)
}
