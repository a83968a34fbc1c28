// Additive checksums used by OOK meter packets.
package checksum

import "fmt"

// Sum is an 8-bit wraparound additive checksum. Init seeds the accumulator.
type Sum struct {
	Name string
	Init uint8
}

func NewSum(name string, init uint8) (sum Sum) {
	sum.Name = name
	sum.Init = init

	return
}

func (sum Sum) String() string {
	return fmt.Sprintf("{Name:%s Init:0x%02X}", sum.Name, sum.Init)
}

func (sum Sum) Checksum(data []byte) uint8 {
	return Sum8(sum.Init, data)
}

// Verify reports whether the last byte of data is the checksum of the bytes
// preceding it, along with the computed value.
func (sum Sum) Verify(data []byte) (computed uint8, ok bool) {
	if len(data) == 0 {
		return sum.Init, false
	}

	computed = sum.Checksum(data[:len(data)-1])
	return computed, computed == data[len(data)-1]
}

// Sum8 adds each byte of data to init modulo 256.
func Sum8(init uint8, data []byte) (acc uint8) {
	acc = init
	for _, v := range data {
		acc += v
	}
	return
}
