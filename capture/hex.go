package capture

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/bemasher/ookmeter/decode"
)

type hexLine struct {
	num  int
	text string
	err  error
}

// HexSource reads hex dump lines from a stream. Lines are scanned in a
// separate goroutine so Next can honor context cancellation on inputs that
// block, such as serial ports.
type HexSource struct {
	name string
	c    io.Closer
	log  logrus.FieldLogger

	lines chan hexLine
	done  chan struct{}
	once  sync.Once
}

// NewHexSource starts scanning r. If r is also an io.Closer it is closed by
// Close.
func NewHexSource(r io.Reader, name string, log logrus.FieldLogger) *HexSource {
	src := &HexSource{
		name:  name,
		log:   log.WithField("source", name),
		lines: make(chan hexLine),
		done:  make(chan struct{}),
	}

	if c, ok := r.(io.Closer); ok {
		src.c = c
	}

	go src.scan(r)

	return src
}

func (src *HexSource) scan(r io.Reader) {
	defer close(src.lines)

	scanner := bufio.NewScanner(r)

	num := 0
	for scanner.Scan() {
		num++

		select {
		case src.lines <- hexLine{num: num, text: scanner.Text()}:
		case <-src.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case src.lines <- hexLine{num: num, err: err}:
		case <-src.done:
		}
	}
}

// Next returns the next well-formed capture. Malformed lines are logged and
// skipped.
func (src *HexSource) Next(ctx context.Context) (decode.Capture, error) {
	for {
		select {
		case <-ctx.Done():
			return decode.Capture{}, ctx.Err()
		case line, ok := <-src.lines:
			if !ok {
				return decode.Capture{}, io.EOF
			}
			if line.err != nil {
				return decode.Capture{}, errors.Wrapf(line.err, "read %s", src.name)
			}

			c, ok, err := ParseHexLine(line.text)
			if err != nil {
				src.log.WithFields(logrus.Fields{
					"line":  line.num,
					"error": err,
				}).Warn("skipping malformed line")
				continue
			}
			if !ok {
				continue
			}

			return c, nil
		}
	}
}

func (src *HexSource) Close() (err error) {
	src.once.Do(func() {
		close(src.done)
		if src.c != nil {
			err = src.c.Close()
		}
	})
	return err
}

// OpenHexFile opens a hex dump file, or stdin if path is "-".
func OpenHexFile(path string, log logrus.FieldLogger) (*HexSource, error) {
	if path == "-" {
		return NewHexSource(io.NopCloser(os.Stdin), "stdin", log), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open input")
	}

	return NewHexSource(f, path, log), nil
}

// OpenSerial reads hex dump lines from a serial console at the given baud
// rate, 8N1.
func OpenSerial(path string, baud int, log logrus.FieldLogger) (*HexSource, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, errors.Wrap(err, "open serial port")
	}

	log.WithFields(logrus.Fields{
		"port": path,
		"baud": baud,
	}).Info("opened serial port")

	return NewHexSource(port, path, log), nil
}
