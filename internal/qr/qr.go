package qr

import (
	"io"

	"github.com/mdp/qrterminal/v3"
)

// RenderANSI writes a full-size QR code using ANSI block characters.
func RenderANSI(w io.Writer, data string) error {
	cfg := qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 2,
	}
	qrterminal.GenerateWithConfig(data, cfg)
	return nil
}

// RenderCompact writes a half-height QR code for small terminals.
func RenderCompact(w io.Writer, data string) error {
	cfg := qrterminal.Config{
		Level:          qrterminal.M,
		Writer:         w,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		WhiteChar:      qrterminal.WHITE_WHITE,
		QuietZone:      2,
	}
	qrterminal.GenerateWithConfig(data, cfg)
	return nil
}
