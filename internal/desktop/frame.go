package desktop

import (
	"encoding/binary"
	"errors"
)

// Desktop protocol command codes.
const (
	CmdKeyboard   uint16 = 1
	CmdMouse      uint16 = 2
	CmdTile       uint16 = 3
	CmdScreenSize uint16 = 7
	CmdJumbo      uint16 = 27
	CmdKeyUnicode uint16 = 85
)

const (
	headerSize      = 4
	jumboHeaderSize = 8
	// jumboMinBytes is the minimum window needed to decode a jumbo header:
	// outer header plus the 24-bit length and the true command's first byte
	// region.
	jumboMinBytes = 10
)

var (
	ErrShortFrame = errors.New("desktop: frame shorter than header")
	ErrBadLength  = errors.New("desktop: frame length below header size")
)

// Frame is one decoded protocol frame. Payload excludes the header and is a
// view into the caller's buffer; copy it before retaining.
type Frame struct {
	Cmd     uint16
	Payload []byte
}

// peekFrame reads the frame at the start of data without consuming it.
// Returns the frame, the total bytes it spans (including any jumbo escape),
// and whether the full frame is buffered. A malformed header reports an
// error so the caller can resynchronize.
func peekFrame(data []byte) (Frame, int, bool, error) {
	if len(data) < headerSize {
		return Frame{}, 0, false, nil
	}
	cmd := binary.BigEndian.Uint16(data[0:2])
	length := int(binary.BigEndian.Uint16(data[2:4]))

	if cmd == CmdJumbo && length == jumboHeaderSize {
		if len(data) < jumboMinBytes {
			return Frame{}, 0, false, nil
		}
		trueLen := int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		trueCmd := binary.BigEndian.Uint16(data[8:10])
		if trueLen < headerSize {
			return Frame{}, 0, false, ErrBadLength
		}
		span := jumboHeaderSize + trueLen
		if len(data) < span {
			return Frame{}, 0, false, nil
		}
		inner := data[jumboHeaderSize:span]
		return Frame{Cmd: trueCmd, Payload: inner[headerSize:]}, span, true, nil
	}

	if length < headerSize {
		return Frame{}, 0, false, ErrBadLength
	}
	if len(data) < length {
		return Frame{}, 0, false, nil
	}
	return Frame{Cmd: cmd, Payload: data[headerSize:length]}, length, true, nil
}

// EncodeFrame builds a standard frame. The total length must fit in the
// 16-bit header; use EncodeJumbo beyond that.
func EncodeFrame(cmd uint16, payload []byte) ([]byte, error) {
	total := headerSize + len(payload)
	if total > 0xFFFF {
		return nil, errors.New("desktop: frame exceeds standard length")
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], cmd)
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// EncodeJumbo wraps a frame in the jumbo escape so its length can exceed the
// standard header's range.
func EncodeJumbo(cmd uint16, payload []byte) ([]byte, error) {
	trueLen := headerSize + len(payload)
	if trueLen > 0xFFFFFF {
		return nil, errors.New("desktop: frame exceeds jumbo length")
	}
	buf := make([]byte, jumboHeaderSize+trueLen)
	binary.BigEndian.PutUint16(buf[0:2], CmdJumbo)
	binary.BigEndian.PutUint16(buf[2:4], jumboHeaderSize)
	buf[5] = byte(trueLen >> 16)
	buf[6] = byte(trueLen >> 8)
	buf[7] = byte(trueLen)
	binary.BigEndian.PutUint16(buf[8:10], cmd)
	// Inner length field carries the low 16 bits; readers use the 24-bit
	// value from the escape header.
	binary.BigEndian.PutUint16(buf[10:12], uint16(trueLen&0xFFFF))
	copy(buf[jumboHeaderSize+headerSize:], payload)
	return buf, nil
}

// EncodeScreenSize builds a screen-size frame (command 7).
func EncodeScreenSize(width, height uint16) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], width)
	binary.BigEndian.PutUint16(payload[2:4], height)
	buf, _ := EncodeFrame(CmdScreenSize, payload)
	return buf
}

// EncodeTile builds a tile frame (command 3) around already-encoded image
// bytes, switching to the jumbo form when the standard header cannot carry
// the length.
func EncodeTile(x, y uint16, image []byte) ([]byte, error) {
	payload := make([]byte, 4+len(image))
	binary.BigEndian.PutUint16(payload[0:2], x)
	binary.BigEndian.PutUint16(payload[2:4], y)
	copy(payload[4:], image)
	if headerSize+len(payload) > 0xFFFF {
		return EncodeJumbo(CmdTile, payload)
	}
	return EncodeFrame(CmdTile, payload)
}
