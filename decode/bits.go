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

// Bit returns the bit at index idx of buf, numbering bits from the most
// significant bit of buf[0]. The caller must ensure idx < len(buf)*8.
func Bit(buf []byte, idx int) byte {
	return (buf[idx>>3] >> (7 - uint(idx&7))) & 1
}

func isPreambleQuad(buf []byte, idx int) bool {
	var quad byte
	for i := 0; i < 4; i++ {
		quad = (quad << 1) | Bit(buf, idx+i)
	}
	return quad == PreambleQuad
}

// FindPreamble searches every start offset for a run of at least
// MinPreambleQuality consecutive 1100 quads. The capture's phase relative to
// the transmitter is unknown, so each bit offset is a candidate. Returns the
// offset following the last matching quad of the first accepted run and the
// number of quads in that run.
func FindPreamble(buf []byte, bitLen int) (end, quality int, ok bool) {
	for start := 0; start+MinPreambleQuality*4 <= bitLen; start++ {
		idx := start
		quality = 0
		for idx+4 <= bitLen && isPreambleQuad(buf, idx) {
			quality++
			idx += 4
		}

		if quality >= MinPreambleQuality {
			return idx, quality, true
		}
	}

	return 0, 0, false
}

// FindSync shifts bits from start into a 16-bit window and returns the
// offset immediately following the first window equal to SyncWord.
func FindSync(buf []byte, start, bitLen int) (end int, ok bool) {
	if bitLen < SyncBits || start > bitLen-SyncBits {
		return 0, false
	}

	var window uint32
	for idx := start; idx < bitLen; idx++ {
		window = ((window << 1) | uint32(Bit(buf, idx))) & SyncWord
		if idx+1 >= start+SyncBits && window == SyncWord {
			return idx + 1, true
		}
	}

	return 0, false
}

// Demodulate decodes pulse-width coded symbols starting at start. Each
// symbol is a run of zeros followed by a run of ones. The symbol is a 0 when
// the low phase lasts at least as long as the high phase, otherwise a 1.
// Decoding stops at the first empty run. ok is false unless a full packet
// was recovered. end is the offset following the last consumed bit.
func Demodulate(buf []byte, start, bitLen int) (pkt Packet, end int, ok bool) {
	idx := start
	count := 0

	for idx < bitLen && count < PacketBits {
		zeros := 0
		for idx < bitLen && Bit(buf, idx) == 0 {
			zeros++
			idx++
		}

		ones := 0
		for idx < bitLen && Bit(buf, idx) == 1 {
			ones++
			idx++
		}

		if zeros == 0 || ones == 0 {
			break
		}

		var bit byte
		if zeros < ones {
			bit = 1
		}

		pkt[count>>3] = (pkt[count>>3] << 1) | bit
		count++
	}

	return pkt, idx, count == PacketBits
}
