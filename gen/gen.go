// Synthetic meter packets, bitstreams and IQ samples for testing.
package gen

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bemasher/ookmeter/checksum"
)

// Symbol widths in bits. A zero is a long low phase followed by a short high
// phase, a one is the reverse.
const (
	ShortRun = 2
	LongRun  = 4

	PreambleQuads = 12
	SyncGap       = 8
	SyncOnes      = 16
	TailZeros     = 8
)

var sum = checksum.NewSum("Meter", 0)

// NewPacket builds a packet with a valid checksum.
func NewPacket(id uint32, mantissa uint16, exponent uint8) (pkt [8]byte) {
	binary.BigEndian.PutUint32(pkt[0:4], id)
	binary.BigEndian.PutUint16(pkt[4:6], mantissa)
	pkt[6] = exponent
	pkt[7] = sum.Checksum(pkt[:7])

	return
}

func NewRandPacket() (pkt [8]byte, err error) {
	_, err = rand.Read(pkt[:7])
	if err != nil {
		return pkt, err
	}

	pkt[7] = sum.Checksum(pkt[:7])

	return
}

// PWMEncode returns one bit per byte, each data bit expanded to a low run
// and a high run.
func PWMEncode(data []byte) (bits []byte) {
	for _, bit := range UnpackBits(data) {
		zeros, ones := LongRun, ShortRun
		if bit == 1 {
			zeros, ones = ShortRun, LongRun
		}

		for i := 0; i < zeros; i++ {
			bits = append(bits, 0)
		}
		for i := 0; i < ones; i++ {
			bits = append(bits, 1)
		}
	}

	return
}

// Frame returns the bitstream of a complete transmission: preamble, a
// short gap, the sync word, the encoded packet and a quiet tail.
func Frame(pkt []byte) (bits []byte) {
	for i := 0; i < PreambleQuads; i++ {
		bits = append(bits, 1, 1, 0, 0)
	}

	bits = append(bits, make([]byte, SyncGap)...)
	for i := 0; i < SyncOnes; i++ {
		bits = append(bits, 1)
	}

	bits = append(bits, PWMEncode(pkt)...)
	bits = append(bits, make([]byte, TailZeros)...)

	return
}

// Shift prepends offset zero bits so the frame lands at an arbitrary bit
// phase within its bytes.
func Shift(bits []byte, offset int) []byte {
	return append(make([]byte, offset), bits...)
}

func UnpackBits(data []byte) []byte {
	bits := make([]byte, len(data)<<3)

	for idx, b := range data {
		offset := idx << 3
		for bit := 7; bit >= 0; bit-- {
			bits[offset+(7-bit)] = (b >> uint8(bit)) & 0x01
		}
	}

	return bits
}

// PackBits packs one bit per byte into bytes, most significant bit first.
// A trailing partial byte is padded with zeros.
func PackBits(bits []byte) []byte {
	data := make([]byte, (len(bits)+7)>>3)

	for idx, bit := range bits {
		data[idx>>3] |= (bit & 0x01) << uint(7-idx&7)
	}

	return data
}

func Upsample(bits []byte, factor int) []byte {
	signal := make([]byte, len(bits)*factor)

	for idx, b := range bits {
		offset := idx * factor
		for i := 0; i < factor; i++ {
			signal[offset+i] = b
		}
	}

	return signal
}

func CmplxOscillatorF64(samples int, freq float64, samplerate float64) []float64 {
	signal := make([]float64, samples<<1)

	for idx := 0; idx < len(signal); idx += 2 {
		signal[idx], signal[idx+1] = math.Sincos(2 * math.Pi * float64(idx>>1) * freq / samplerate)
	}

	return signal
}

func F64toU8(f64 []float64, u8 []byte) {
	if len(f64) != len(u8) {
		panic(fmt.Errorf("arrays must have same dimensions: %d != %d", len(f64), len(u8)))
	}

	for idx, val := range f64 {
		u8[idx] = uint8(val*127.5 + 127.5)
	}
}

// OOKModulateU8 keys a complex carrier on and off with bits, producing
// interleaved unsigned 8-bit IQ samples as rtl_tcp delivers them.
func OOKModulateU8(bits []byte, samplesPerBit int, freq, samplerate float64) []byte {
	keyed := Upsample(bits, samplesPerBit)

	carrier := CmplxOscillatorF64(len(keyed), freq, samplerate)
	for idx := range carrier {
		carrier[idx] *= float64(keyed[idx>>1])
	}

	iq := make([]byte, len(carrier))
	F64toU8(carrier, iq)

	return iq
}
