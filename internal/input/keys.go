package input

import "unicode/utf16"

// virtualKeys maps named keys to Windows-style virtual-key codes. Named and
// control keys go over the wire by code; printable characters fall back to
// the unicode record.
var virtualKeys = map[string]byte{
	"Backspace":  0x08,
	"Tab":        0x09,
	"Enter":      0x0D,
	"Shift":      0x10,
	"Control":    0x11,
	"Alt":        0x12,
	"Pause":      0x13,
	"CapsLock":   0x14,
	"Escape":     0x1B,
	"Space":      0x20,
	"PageUp":     0x21,
	"PageDown":   0x22,
	"End":        0x23,
	"Home":       0x24,
	"ArrowLeft":  0x25,
	"ArrowUp":    0x26,
	"ArrowRight": 0x27,
	"ArrowDown":  0x28,
	"PrintScreen": 0x2C,
	"Insert":     0x2D,
	"Delete":     0x2E,
	"Meta":       0x5B,
	"F1":         0x70,
	"F2":         0x71,
	"F3":         0x72,
	"F4":         0x73,
	"F5":         0x74,
	"F6":         0x75,
	"F7":         0x76,
	"F8":         0x77,
	"F9":         0x78,
	"F10":        0x79,
	"F11":        0x7A,
	"F12":        0x7B,
}

// Key encodes a key event by name. Named keys use the virtual-key record;
// single printable characters use the unicode record. Events that map to
// neither (unknown modifiers, IME intermediates) are suppressed: ok is
// false and nothing should be sent.
func Key(name string, up bool) (record []byte, ok bool) {
	if code, found := virtualKeys[name]; found {
		return KeyVirtual(code, up), true
	}
	runes := []rune(name)
	if len(runes) != 1 {
		return nil, false
	}
	units := utf16.Encode(runes)
	if len(units) != 1 {
		// Outside the BMP; the 16-bit record cannot carry it.
		return nil, false
	}
	return KeyUnicode(units[0], up), true
}
