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
	"encoding/binary"
	"math"

	"github.com/bemasher/ookmeter/checksum"
)

// Packet is a demodulated meter packet.
//
//	0-3: transmitter id
//	4-5: mantissa, big-endian
//	6:   exponent field, biased by one
//	7:   sum of bytes 0-6 modulo 256
type Packet [PacketSize]byte

func (p Packet) ID() uint32 {
	return binary.BigEndian.Uint32(p[0:4])
}

func (p Packet) Mantissa() uint16 {
	return binary.BigEndian.Uint16(p[4:6])
}

// Exponent is the unbiased exponent, in [-1, 254].
func (p Packet) Exponent() int {
	return int(p[6]) - 1
}

func (p Packet) Checksum() byte {
	return p[7]
}

// ComputeChecksum recomputes the checksum over bytes 0-6.
func (p Packet) ComputeChecksum() byte {
	return checksum.Sum8(0, p[:PacketSize-1])
}

// Verify recomputes the checksum and returns a ChecksumError on mismatch.
func (p Packet) Verify() error {
	if expected := p.ComputeChecksum(); expected != p.Checksum() {
		return ChecksumError{Expected: expected, Actual: p.Checksum()}
	}
	return nil
}

// PowerKW decodes the mantissa and exponent fields into kilowatts:
//
//	ScaleKW * (mantissa / 65536) * (2 << exponent)
//
// The scale is an integer shift of 2, not a floating point power.
func (p Packet) PowerKW() float64 {
	ratio := float64(p.Mantissa()) / 65536.0
	return ScaleKW * ratio * shiftTwo(p.Exponent())
}

// shiftTwo computes 2 << exp. An exponent field of zero yields exp == -1,
// which shifts right instead. Shifts too wide for 64 bits are still exact
// powers of two, so Ldexp gives the same value an unbounded shift would.
func shiftTwo(exp int) float64 {
	switch {
	case exp < 0:
		return float64(uint64(2) >> uint(-exp))
	case exp <= 62:
		return float64(uint64(2) << uint(exp))
	default:
		return math.Ldexp(2, exp)
	}
}
