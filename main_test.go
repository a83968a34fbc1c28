package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bemasher/ookmeter/capture"
	"github.com/bemasher/ookmeter/csv"
	"github.com/bemasher/ookmeter/decode"
	"github.com/bemasher/ookmeter/gen"
	"github.com/bemasher/ookmeter/parse"
	"github.com/bemasher/ookmeter/store"
)

const (
	vectorA = "33 33 33 33 33 33 33 33 30 00 00 00 00 03 00 00 00 60 00 00 00 00 00 00 00 7F FF 83 0C 18 67 83 0C F1 E0 C3 3C F8 67 DF 06 19 F0 CF 3E F8 60 CF 86 18 30 C3 06 0C F3 CF 9E 79 F0 C7 86 7C F3 C1 86 08 30 61 83 0C 30 67 83 3C 18 67 C3 0C F9 3C F3 FB C4"
	vectorB = "33 33 33 33 33 33 33 30 00 00 00 00 03 00 00 00 60 00 00 00 00 00 00 00 7F FF 83 0C 18 67 83 0C F1 E0 C3 3C F8 67 DF 06 19 F0 CF 3E 78 60 CF 86 18 30 C3 06 0C F3 CF 9E 0D F3 C7 83 0C 30 67 87 7C 18 61 C3 0C 18 67 83 06 19 E0 C3 3C F9 7B 2F D5"
	// Two separate transmissions of the same packet.
	repeatA = "66 66 66 66 66 66 66 66 00 00 00 00 00 60 00 00 0C 00 00 00 00 00 00 00 0F FF F0 61 83 0C F0 61 9E 3C 18 67 9F 0C FB E0 C3 3E 19 E7 CF 0C 19 F0 C3 06 18 60 C1 9E 0C 30 C1 86 18 30 61 87 0C 30 61 83 0C 18 61 83 3C 10 67 C3 3C 19 E0 C3 2F FC FE 9B AF 5D 38 DD C1 89 C8 D1 87 B2 B9 D3 D0 62 2B 0C ED BF C2 85 DA"
	repeatB = "CC CC CC CC CC CC CC 00 00 00 00 00 C0 00 00 18 00 00 00 00 00 00 00 1F FF E0 C3 06 19 E0 C3 3C 78 30 CF BE 19 F3 C1 86 7C 33 CF 9E 18 33 E1 86 0C 30 C1 83 3C 10 61 83 0C 30 60 C3 0C 18 61 C3 06 18 30 C3 06 78 60 CF 86 78 33 C3 86 39 0E DF E5 70 D9 27 E4 A6"

	tooShort = "99 99 99 99 99 99 99 98 00 00 00 00 01 80 00 00 30 00 00 00 00 00 00 00 3F FF C1 86 0C 33 E1 86 78 F0 61 9F 7C 33 E7 83 0C"
)

func newTestReceiver(t *testing.T, lines ...string) (*Receiver, *bytes.Buffer) {
	t.Helper()

	log, _ := test.NewNullLogger()

	buf := new(bytes.Buffer)
	rcvr := &Receiver{
		Source:  capture.NewHexSource(strings.NewReader(strings.Join(lines, "\n")), "test", log),
		Encoder: csv.NewEncoder(buf),
		Log:     log,
	}
	t.Cleanup(rcvr.Close)

	return rcvr, buf
}

func records(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimSpace(buf.String()), "\n")
}

func TestReceiverRun(t *testing.T) {
	rcvr, buf := newTestReceiver(t, vectorA, vectorA, tooShort, "zz", vectorB, vectorA)

	require.NoError(t, rcvr.Run(context.Background()))

	// Hex captures never overlap, so back to back identical lines are
	// separate transmissions and both are reported.
	recs := records(buf)
	require.Len(t, recs, 5)
	assert.True(t, strings.HasPrefix(recs[0], "time,seq,length,id,power_kw"))
	assert.Contains(t, recs[1], ",0,83,")
	assert.Contains(t, recs[1], "0.475096")
	assert.Contains(t, recs[2], ",1,83,")
	assert.Contains(t, recs[2], "0.475096")
	assert.Contains(t, recs[3], "0.463102")
	assert.Contains(t, recs[4], "0.475096")

	sum, err := rcvr.Summary()
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Count)
}

func TestReceiverRepeatedTransmissions(t *testing.T) {
	rcvr, buf := newTestReceiver(t, repeatA, repeatB)
	assert.False(t, rcvr.Dedupe)

	require.NoError(t, rcvr.Run(context.Background()))

	recs := records(buf)
	require.Len(t, recs, 3)
	assert.Contains(t, recs[1], ",0x99b2e40,")
	assert.Contains(t, recs[1], ",16,")
	assert.Contains(t, recs[2], ",0x99b2e40,")
	assert.Contains(t, recs[2], ",14,")
}

func newSDRReceiver(t *testing.T) (*Receiver, *bytes.Buffer) {
	t.Helper()

	const (
		sampleRate = 38400
		dataRate   = 4800
	)

	pkt := gen.NewPacket(0x099B2E40, 0x7EB8, 1)

	var bits []byte
	bits = append(bits, make([]byte, 300)...)
	bits = append(bits, gen.Frame(pkt[:])...)
	bits = append(bits, make([]byte, 1500)...)

	iq := gen.OOKModulateU8(bits, sampleRate/dataRate, 1e3, sampleRate)

	log, _ := test.NewNullLogger()
	src, err := capture.NewSDRSource(io.NopCloser(bytes.NewReader(iq)), sampleRate, dataRate, log)
	require.NoError(t, err)

	buf := new(bytes.Buffer)
	rcvr := &Receiver{
		Source:  src,
		Encoder: csv.NewEncoder(buf),
		Log:     log,
		Dedupe:  capture.Overlapping(src),
	}
	t.Cleanup(rcvr.Close)

	return rcvr, buf
}

func TestReceiverDedupeOverlapping(t *testing.T) {
	rcvr, buf := newSDRReceiver(t)
	require.True(t, rcvr.Dedupe)

	require.NoError(t, rcvr.Run(context.Background()))

	// The frame decodes from two consecutive windows but is one
	// transmission.
	recs := records(buf)
	require.Len(t, recs, 2)
	assert.Contains(t, recs[1], "0.475096")
}

func TestReceiverOverlappingWithoutDedupe(t *testing.T) {
	rcvr, buf := newSDRReceiver(t)
	rcvr.Dedupe = false

	require.NoError(t, rcvr.Run(context.Background()))
	assert.Len(t, records(buf), 3)
}

type failingSource struct{}

func (failingSource) Next(context.Context) (decode.Capture, error) {
	return decode.Capture{}, errors.New("read iq block: connection reset")
}

func (failingSource) Close() error { return nil }

func TestReceiveError(t *testing.T) {
	log, hook := test.NewNullLogger()

	rcvr := &Receiver{
		Source:  failingSource{},
		Encoder: csv.NewEncoder(new(bytes.Buffer)),
		Log:     log,
	}

	err := Receive(context.Background(), rcvr, log)
	assert.EqualError(t, err, "read iq block: connection reset")

	var levels []logrus.Level
	for _, entry := range hook.AllEntries() {
		levels = append(levels, entry.Level)
	}
	assert.Equal(t, []logrus.Level{logrus.ErrorLevel, logrus.InfoLevel}, levels)
	assert.Equal(t, "summary", hook.LastEntry().Message)
}

func TestReceiveEndOfInput(t *testing.T) {
	rcvr, _ := newTestReceiver(t, vectorA)
	log, _ := test.NewNullLogger()

	assert.NoError(t, Receive(context.Background(), rcvr, log))
}

func TestReceiverSingle(t *testing.T) {
	rcvr, buf := newTestReceiver(t, tooShort, vectorB, vectorA)
	rcvr.Single = true

	require.NoError(t, rcvr.Run(context.Background()))

	recs := records(buf)
	require.Len(t, recs, 2)
	assert.Contains(t, recs[1], "0.463102")
}

func TestReceiverSinglePending(t *testing.T) {
	rcvr, buf := newTestReceiver(t, vectorB, vectorA)
	rcvr.Single = true
	rcvr.Pending = parse.UintMap{0x099B2E40: true, 1: true}
	rcvr.Filters.Add(parse.MeterIDFilter{UintMap: rcvr.Pending})

	require.NoError(t, rcvr.Run(context.Background()))

	// Id 1 is never seen, so the receiver runs to the end of input. The
	// meter's id is removed from the filter once seen.
	recs := records(buf)
	require.Len(t, recs, 2)
	assert.Equal(t, parse.UintMap{1: true}, rcvr.Pending)
}

func TestReceiverFilters(t *testing.T) {
	rcvr, buf := newTestReceiver(t, vectorA, vectorB)
	rcvr.Filters.Add(parse.QualityFilter{Min: 255})

	require.NoError(t, rcvr.Run(context.Background()))
	assert.Empty(t, buf.String())
}

func TestReceiverCancel(t *testing.T) {
	rcvr, _ := newTestReceiver(t, vectorA)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, rcvr.Run(ctx))
}

func TestReceiverStore(t *testing.T) {
	log, _ := test.NewNullLogger()

	db, err := store.Open(filepath.Join(t.TempDir(), "readings.db"), log)
	require.NoError(t, err)

	rcvr, _ := newTestReceiver(t, vectorA, vectorB)
	rcvr.Store = db
	rcvr.Session, err = db.StartSession("test")
	require.NoError(t, err)

	require.NoError(t, rcvr.Run(context.Background()))

	readings, err := db.Readings(rcvr.Session)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, uint32(0x099B2E40), readings[0].ID)

	sum, err := rcvr.Summary()
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Count)
	assert.InDelta(t, 0.463102, sum.Min, 1e-4)
	assert.InDelta(t, 0.475096, sum.Max, 1e-4)
}

func TestNewEncoder(t *testing.T) {
	for _, format := range []string{"plain", "CSV", "json", "xml"} {
		enc, err := NewEncoder(format, new(bytes.Buffer), false)
		require.NoError(t, err, format)
		assert.NotNil(t, enc)
	}

	_, err := NewEncoder("gob", new(bytes.Buffer), false)
	assert.Error(t, err)
}

func TestJSONEncoding(t *testing.T) {
	log, _ := test.NewNullLogger()

	buf := new(bytes.Buffer)
	enc, err := NewEncoder("json", buf, false)
	require.NoError(t, err)

	rcvr := &Receiver{
		Source:  capture.NewHexSource(strings.NewReader(vectorA), "test", log),
		Encoder: enc,
		Log:     log,
	}
	defer rcvr.Close()

	require.NoError(t, rcvr.Run(context.Background()))

	var msg struct {
		Seq     int
		Length  int
		Type    string
		Message parse.Reading
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &msg))

	assert.Equal(t, 83, msg.Length)
	assert.Equal(t, "Power", msg.Type)
	assert.Equal(t, uint32(0x099B2E40), msg.Message.ID)
	assert.Equal(t, 17, msg.Message.Quality)
}

func TestPlainEncoder(t *testing.T) {
	r := parse.Reading{ID: 1, PowerKW: 0.5, Quality: 8}
	msg := parse.LogMessage{Seq: 7, Length: 83, Type: r.MsgType(), Message: r}

	buf := new(bytes.Buffer)
	require.NoError(t, PlainEncoder{buf, false}.Encode(msg))
	assert.NotContains(t, buf.String(), "Seq:")

	buf.Reset()
	require.NoError(t, PlainEncoder{buf, true}.Encode(msg))
	assert.Contains(t, buf.String(), "Seq:7")
}

func TestEnvOverride(t *testing.T) {
	log, hook := test.NewNullLogger()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	format := fs.String("format", "plain", "")
	single := fs.Bool("single", false, "")
	baud := fs.Int("baud", 115200, "")

	t.Setenv("OOKMETER_FORMAT", "json")
	t.Setenv("OOKMETER_SINGLE", "true")
	t.Setenv("OOKMETER_BAUD", "fast")

	EnvOverride(fs, log)

	assert.Equal(t, "json", *format)
	assert.True(t, *single)
	assert.Equal(t, 115200, *baud)
	assert.Len(t, hook.AllEntries(), 3)
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug", new(bytes.Buffer))
	require.NoError(t, err)
	assert.True(t, log.IsLevelEnabled(logrus.DebugLevel))

	_, err = NewLogger("loud", new(bytes.Buffer))
	assert.Error(t, err)
}
