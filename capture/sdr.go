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

package capture

import (
	"context"
	"io"
	"math"
	"sync"

	"github.com/bemasher/rtltcp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bemasher/ookmeter/decode"
)

const (
	// Samples read from rtl_tcp per block.
	BlockSize = 1 << 14

	// Bits per capture window and the stride between windows. A window
	// always fully contains any frame shorter than WindowBits-HopBits.
	WindowBits = decode.CaptureSize << 3
	HopBits    = WindowBits >> 2

	DefaultSampleRate = 2400000
	DefaultDataRate   = 4800

	// Minimum difference between the strongest and weakest bit in a block
	// before the slicer emits anything but zeros.
	DefaultMinSpread = 2.0
)

// MagLUT maps unsigned 8-bit IQ components to their squared distance from
// the midpoint.
type MagLUT []float64

func NewMagLUT() (lut MagLUT) {
	lut = make([]float64, 0x100)
	for idx := range lut {
		lut[idx] = 127.4 - float64(idx)
		lut[idx] *= lut[idx]
	}
	return
}

// Execute computes the magnitude of each interleaved IQ pair in input.
func (lut MagLUT) Execute(input []byte, output []float64) {
	for idx := range output {
		lutIdx := idx << 1
		output[idx] = math.Sqrt(lut[input[lutIdx]] + lut[input[lutIdx+1]])
	}
}

// Slicer integrates magnitude over each bit period and decides each bit
// against the midpoint of the block's weakest and strongest bits.
type Slicer struct {
	SamplesPerBit float64
	MinSpread     float64

	lut    MagLUT
	mag    []float64
	levels []float64

	phase float64
	acc   float64
	count int
}

func NewSlicer(sampleRate, dataRate float64) *Slicer {
	return &Slicer{
		SamplesPerBit: sampleRate / dataRate,
		MinSpread:     DefaultMinSpread,
		lut:           NewMagLUT(),
	}
}

// Slice appends one bit per completed bit period in iq to bits. Partial bit
// periods carry over to the next call.
func (s *Slicer) Slice(iq []byte, bits []byte) []byte {
	n := len(iq) >> 1
	if cap(s.mag) < n {
		s.mag = make([]float64, n)
	}
	s.mag = s.mag[:n]
	s.lut.Execute(iq, s.mag)

	s.levels = s.levels[:0]
	for _, v := range s.mag {
		s.acc += v
		s.count++
		s.phase++

		if s.phase >= s.SamplesPerBit {
			s.levels = append(s.levels, s.acc/float64(s.count))
			s.phase -= s.SamplesPerBit
			s.acc = 0
			s.count = 0
		}
	}

	if len(s.levels) == 0 {
		return bits
	}

	lo, hi := s.levels[0], s.levels[0]
	for _, v := range s.levels {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	if hi-lo < s.MinSpread {
		return append(bits, make([]byte, len(s.levels))...)
	}

	mid := (lo + hi) / 2
	for _, v := range s.levels {
		if v > mid {
			bits = append(bits, 1)
		} else {
			bits = append(bits, 0)
		}
	}

	return bits
}

// Framer cuts a bit stream into overlapping capture windows.
type Framer struct {
	bits []byte
}

// Push appends bits and calls fn with each window completed by them.
func (f *Framer) Push(bits []byte, fn func(decode.Capture)) {
	f.bits = append(f.bits, bits...)

	for len(f.bits) >= WindowBits {
		var c decode.Capture
		for idx, bit := range f.bits[:WindowBits] {
			c.Buf[idx>>3] |= (bit & 0x01) << uint(7-idx&7)
		}
		c.N = decode.CaptureSize
		fn(c)

		f.bits = f.bits[:copy(f.bits, f.bits[HopBits:])]
	}
}

// SDRSource turns an rtl_tcp sample stream into captures.
type SDRSource struct {
	rc  io.ReadCloser
	log logrus.FieldLogger

	slicer *Slicer
	framer Framer

	block   []byte
	bits    []byte
	pending []decode.Capture
	eof     bool

	closeOnce sync.Once
	closeErr  error
}

// NewSDRSource reads interleaved 8-bit IQ samples from rc. Anything that
// reads like rtl_tcp will do, including sample files.
func NewSDRSource(rc io.ReadCloser, sampleRate, dataRate float64, log logrus.FieldLogger) (*SDRSource, error) {
	if sampleRate <= 0 || dataRate <= 0 {
		return nil, errors.Errorf("invalid rates: samplerate %v, datarate %v", sampleRate, dataRate)
	}
	if sampleRate < dataRate*2 {
		return nil, errors.Errorf("samplerate %v too low for datarate %v", sampleRate, dataRate)
	}

	src := &SDRSource{
		rc:     rc,
		log:    log.WithField("source", "rtltcp"),
		slicer: NewSlicer(sampleRate, dataRate),
		block:  make([]byte, BlockSize<<1),
	}

	src.log.WithFields(logrus.Fields{
		"samplerate":    sampleRate,
		"datarate":      dataRate,
		"samplesperbit": src.slicer.SamplesPerBit,
	}).Info("sdr source")

	return src, nil
}

// Next returns the next capture window. Cancelling ctx closes the stream so
// a blocked read returns, after which the source is unusable.
func (src *SDRSource) Next(ctx context.Context) (decode.Capture, error) {
	stop := context.AfterFunc(ctx, func() {
		src.Close()
	})
	defer stop()

	for len(src.pending) == 0 {
		if src.eof {
			return decode.Capture{}, io.EOF
		}

		if err := ctx.Err(); err != nil {
			return decode.Capture{}, err
		}

		if err := src.read(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return decode.Capture{}, ctxErr
			}
			return decode.Capture{}, err
		}
	}

	c := src.pending[0]
	src.pending = src.pending[1:]

	return c, nil
}

func (src *SDRSource) read() error {
	n, err := io.ReadFull(src.rc, src.block)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		src.eof = true
	} else if err != nil {
		return errors.Wrap(err, "read iq block")
	}

	src.bits = src.slicer.Slice(src.block[:n&^1], src.bits[:0])
	src.framer.Push(src.bits, func(c decode.Capture) {
		src.pending = append(src.pending, c)
	})

	return nil
}

// Overlapping reports that consecutive captures share bits, so one
// transmission may decode from more than one of them.
func (src *SDRSource) Overlapping() bool {
	return true
}

func (src *SDRSource) Close() error {
	src.closeOnce.Do(func() {
		src.closeErr = src.rc.Close()
	})
	return src.closeErr
}

// ConnectSDR connects to rtl_tcp and applies the radio flags given on the
// command line. The sample rate defaults to DefaultSampleRate when none was
// given. The returned sample rate is the one in effect.
func ConnectSDR(sdr *rtltcp.SDR, log logrus.FieldLogger) (sampleRate float64, err error) {
	if err := sdr.Connect(nil); err != nil {
		return 0, errors.Wrap(err, "connect rtl_tcp")
	}

	if err := sdr.HandleFlags(); err != nil {
		sdr.Close()
		return 0, errors.Wrap(err, "apply rtl_tcp flags")
	}

	sampleRate = float64(sdr.Flags.SampleRate)
	if sampleRate == 0 {
		sampleRate = DefaultSampleRate
		if err := sdr.SetSampleRate(DefaultSampleRate); err != nil {
			sdr.Close()
			return 0, errors.Wrap(err, "set sample rate")
		}
	}

	log.WithFields(logrus.Fields{
		"server":    sdr.Flags.ServerAddr,
		"tuner":     sdr.Info.Tuner,
		"gaincount": sdr.Info.GainCount,
	}).Info("connected to rtl_tcp")

	return sampleRate, nil
}
