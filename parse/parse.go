package parse

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bemasher/ookmeter/csv"
	"github.com/bemasher/ookmeter/decode"
)

const (
	TimeFormat = "2006-01-02T15:04:05.000"
)

type Message interface {
	csv.Recorder
	MsgType() string
	MeterID() uint32
	Checksum() []byte
}

// Reading is an instantaneous power report from a meter.
type Reading struct {
	ID          uint32  `xml:",attr"`
	Mantissa    uint16  `xml:",attr"`
	Exponent    uint8   `xml:",attr"`
	PowerKW     float64 `xml:",attr"`
	Quality     int     `xml:",attr"`
	ChecksumVal uint8   `xml:"Checksum,attr"`
}

func NewReading(res decode.Result) (r Reading) {
	r.ID = res.Packet.ID()
	r.Mantissa = res.Packet.Mantissa()
	r.Exponent = res.Packet[6]
	r.PowerKW = res.PowerKW
	r.Quality = res.Quality
	r.ChecksumVal = res.Packet.Checksum()

	return
}

func (r Reading) MsgType() string {
	return "Power"
}

func (r Reading) MeterID() uint32 {
	return r.ID
}

// Checksum returns the packet bytes following the id. Together with the id
// they identify a single transmission.
func (r Reading) Checksum() []byte {
	return []byte{byte(r.Mantissa >> 8), byte(r.Mantissa), r.Exponent, r.ChecksumVal}
}

func (r Reading) String() string {
	return fmt.Sprintf("{ID:0x%08X PowerKW:%0.6f Mantissa:0x%04X Exponent:%d Quality:%2d Checksum:0x%02X}",
		r.ID, r.PowerKW, r.Mantissa, r.Exponent, r.Quality, r.ChecksumVal,
	)
}

func (r Reading) Record() (rec []string) {
	rec = append(rec, "0x"+strconv.FormatUint(uint64(r.ID), 16))
	rec = append(rec, strconv.FormatFloat(r.PowerKW, 'f', 6, 64))
	rec = append(rec, "0x"+strconv.FormatUint(uint64(r.Mantissa), 16))
	rec = append(rec, strconv.FormatUint(uint64(r.Exponent), 10))
	rec = append(rec, strconv.Itoa(r.Quality))
	rec = append(rec, "0x"+strconv.FormatUint(uint64(r.ChecksumVal), 16))

	return
}

func (r Reading) Header() []string {
	return []string{"id", "power_kw", "mantissa", "exponent", "quality", "checksum"}
}

// Uniquely identifies a transmission seen in overlapping captures. Capture
// dependent fields such as quality are excluded.
type Digest struct {
	MsgType  string
	MeterID  uint32
	Checksum string
}

func NewDigest(msg Message) Digest {
	return Digest{
		msg.MsgType(),
		msg.MeterID(),
		string(msg.Checksum()),
	}
}

// A LogMessage associates a message with a point in time, the sequence
// number of the capture it was decoded from and the capture's length.
type LogMessage struct {
	Time   time.Time `xml:",attr"`
	Seq    int       `xml:",attr"`
	Length int       `xml:",attr"`
	Type   string    `xml:",attr"`
	Message
}

func NewLogMessage(t time.Time, seq, length int, msg Message) LogMessage {
	return LogMessage{
		Time:    t,
		Seq:     seq,
		Length:  length,
		Type:    msg.MsgType(),
		Message: msg,
	}
}

func (msg LogMessage) String() string {
	return fmt.Sprintf("{Time:%s Seq:%d Length:%d %s:%s}",
		msg.Time.Format(TimeFormat), msg.Seq, msg.Length, msg.MsgType(), msg.Message,
	)
}

func (msg LogMessage) StringNoSeq() string {
	return fmt.Sprintf("{Time:%s %s:%s}", msg.Time.Format(TimeFormat), msg.MsgType(), msg.Message)
}

func (msg LogMessage) Record() (r []string) {
	r = append(r, msg.Time.Format(time.RFC3339Nano))
	r = append(r, strconv.Itoa(msg.Seq))
	r = append(r, strconv.Itoa(msg.Length))
	r = append(r, msg.Message.Record()...)
	return r
}

func (msg LogMessage) Header() (h []string) {
	h = append(h, "time", "seq", "length")
	if hm, ok := msg.Message.(csv.Headerer); ok {
		h = append(h, hm.Header()...)
	}
	return h
}

// A FilterChain takes a list of filters and applies them iteratively to
// messages sent through the chain.
type FilterChain []MessageFilter

func (fc *FilterChain) Add(filter MessageFilter) {
	*fc = append(*fc, filter)
}

func (fc FilterChain) Match(msg Message) bool {
	if len(fc) == 0 {
		return true
	}

	for _, filter := range fc {
		if !filter.Filter(msg) {
			return false
		}
	}

	return true
}

type MessageFilter interface {
	Filter(Message) bool
}

type UintMap map[uint]bool

func (m UintMap) String() (s string) {
	var values []string
	for k := range m {
		values = append(values, strconv.FormatUint(uint64(k), 10))
	}
	return strings.Join(values, ",")
}

// Set accepts a comma-separated list of ids in decimal, or hexadecimal with
// a 0x prefix.
func (m UintMap) Set(value string) error {
	values := strings.Split(value, ",")

	for _, v := range values {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 32)
		if err != nil {
			return err
		}

		m[uint(n)] = true
	}

	return nil
}

type MeterIDFilter struct {
	UintMap
}

func (m MeterIDFilter) Filter(msg Message) bool {
	return m.UintMap[uint(msg.MeterID())]
}

// UniqueFilter passes a message only when its checksum differs from the
// last message passed for the same meter.
type UniqueFilter map[uint][]byte

func NewUniqueFilter() UniqueFilter {
	return make(UniqueFilter)
}

func (uf UniqueFilter) Filter(msg Message) bool {
	checksum := msg.Checksum()
	mid := uint(msg.MeterID())

	if val, ok := uf[mid]; ok && bytes.Equal(val, checksum) {
		return false
	}

	uf[mid] = make([]byte, len(checksum))
	copy(uf[mid], checksum)
	return true
}

// QualityFilter rejects readings whose preamble quality is below Min.
// Messages without a quality pass through unchanged.
type QualityFilter struct {
	Min int
}

func (qf QualityFilter) Filter(msg Message) bool {
	if r, ok := msg.(Reading); ok {
		return r.Quality >= qf.Min
	}
	return true
}
