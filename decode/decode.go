// OOKMETER - A receiver for OOK utility power meters in the sub-GHz ISM bands.
// Copyright (C) 2015 Douglas Hall
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package decode

import (
	"fmt"
)

const (
	// CaptureSize is the capacity of the receiver's raw capture buffer.
	CaptureSize = 128

	PacketSize = 8
	PacketBits = PacketSize << 3

	// PreambleQuad is the repeating preamble cadence 1,1,0,0.
	PreambleQuad       = 0xC
	MinPreambleQuality = 8

	SyncWord = 0xFFFF
	SyncBits = 16

	ScaleKW = 0.4799
)

// Capture is a raw receive buffer and the number of leading bytes holding
// valid data. It is not aligned to the transmitter's bit clock.
type Capture struct {
	Buf [CaptureSize]byte
	N   int
}

// NewCapture copies data into a capture. Data beyond CaptureSize is
// dropped and N is clamped accordingly.
func NewCapture(data []byte) (c Capture) {
	c.N = copy(c.Buf[:], data)
	return
}

// Bytes returns the valid portion of the capture. An out of range N yields
// an empty slice.
func (c *Capture) Bytes() []byte {
	if c.N <= 0 || c.N > CaptureSize {
		return nil
	}
	return c.Buf[:c.N]
}

// BitLen is the number of valid bits in the capture.
func (c *Capture) BitLen() int {
	return len(c.Bytes()) << 3
}

// Decode runs the full pipeline over the capture.
func (c *Capture) Decode() (Result, error) {
	return Decode(&c.Buf, c.N)
}

// Result of a successful decode. Offsets are bit offsets into the capture
// and never decrease: PreambleEnd <= SyncEnd <= End.
type Result struct {
	PowerKW float64
	Packet  Packet
	Quality int

	PreambleEnd int
	SyncEnd     int
	End         int
}

func (r Result) String() string {
	return fmt.Sprintf("{PowerKW:%0.6f Packet:%02X Quality:%d Offsets:[%d %d %d]}",
		r.PowerKW, r.Packet[:], r.Quality, r.PreambleEnd, r.SyncEnd, r.End,
	)
}

// Decode locates the preamble and sync word in the first n bytes of buf,
// demodulates a packet, verifies its checksum and decodes the power reading.
// Each stage is a precondition for the next and the first failing stage
// determines the returned error.
func Decode(buf *[CaptureSize]byte, n int) (res Result, err error) {
	if buf == nil || n <= 0 || n > CaptureSize {
		return res, ErrNotEnoughData
	}

	data := buf[:n]
	bitLen := n << 3

	preambleEnd, quality, ok := FindPreamble(data, bitLen)
	if !ok {
		return res, ErrPreambleNotFound
	}

	syncEnd, ok := FindSync(data, preambleEnd, bitLen)
	if !ok {
		return res, ErrSyncNotFound
	}

	pkt, end, ok := Demodulate(data, syncEnd, bitLen)
	if !ok {
		return res, ErrInsufficientSymbols
	}

	if err := pkt.Verify(); err != nil {
		return res, err
	}

	res.PowerKW = pkt.PowerKW()
	res.Packet = pkt
	res.Quality = quality
	res.PreambleEnd = preambleEnd
	res.SyncEnd = syncEnd
	res.End = end

	return res, nil
}
