// Package capture produces raw receive buffers for the decoder from hex
// dumps, serial consoles and rtl_tcp sample streams.
package capture

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/bemasher/ookmeter/decode"
)

// Label printed before a formatted capture.
const DumpLabel = "rx_buf"

var (
	ErrLineTooLong = errors.Errorf("line exceeds %d bytes", decode.CaptureSize)
	ErrEmptyLine   = errors.New("no data on line")
)

// A Source produces captures until its input is exhausted, at which point
// Next returns io.EOF.
type Source interface {
	Next(ctx context.Context) (decode.Capture, error)
	Close() error
}

// Overlapping reports whether consecutive captures from src share bits. Only
// then can the same transmission appear in two captures in a row.
func Overlapping(src Source) bool {
	o, ok := src.(interface{ Overlapping() bool })
	return ok && o.Overlapping()
}

// ParseHexLine parses a single hex dump line into a capture. Lines may carry
// a "label =" prefix and a trailing "#" comment. Bytes may be separated by
// whitespace or written as one contiguous string. Blank and comment-only
// lines return ok false.
func ParseHexLine(line string) (c decode.Capture, ok bool, err error) {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}
	if strings.TrimSpace(line) == "" {
		return c, false, nil
	}

	if idx := strings.LastIndexByte(line, '='); idx >= 0 {
		line = line[idx+1:]
	}

	digits := strings.Join(strings.Fields(line), "")
	if digits == "" {
		return c, false, ErrEmptyLine
	}
	if len(digits) > decode.CaptureSize<<1 {
		return c, false, ErrLineTooLong
	}

	n, err := hex.Decode(c.Buf[:], []byte(digits))
	if err != nil {
		return c, false, errors.Wrap(err, "decode hex")
	}
	c.N = n

	return c, true, nil
}

// FormatHex renders the valid bytes of a capture the way ParseHexLine reads
// them back.
func FormatHex(c decode.Capture) string {
	return fmt.Sprintf("%s = % X", DumpLabel, c.Bytes())
}
