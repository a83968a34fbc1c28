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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bemasher/rtltcp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bemasher/ookmeter/capture"
	"github.com/bemasher/ookmeter/decode"
	"github.com/bemasher/ookmeter/parse"
	"github.com/bemasher/ookmeter/store"
)

var sdr rtltcp.SDR

type Receiver struct {
	Source  capture.Source
	Filters parse.FilterChain
	Encoder Encoder
	Log     logrus.FieldLogger

	// Optional reading store and the session readings are recorded under.
	Store   *store.Store
	Session string

	TimeLimit  time.Duration
	DumpFailed bool

	// Drop a reading when the capture before it produced the same packet.
	// Only sources with overlapping captures need this, other sources
	// deliver repeated transmissions as separate readings.
	Dedupe bool

	// In single mode the receiver exits after the first accepted reading,
	// or once every id in Pending has been seen if it is non-empty.
	Single  bool
	Pending parse.UintMap

	power []float64
}

// Run receives captures until the source is exhausted, ctx is cancelled,
// the time limit expires or single mode is satisfied.
func (rcvr *Receiver) Run(ctx context.Context) error {
	if rcvr.TimeLimit != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rcvr.TimeLimit)
		defer cancel()
	}

	start := time.Now()

	// Make maps for tracking messages spanning overlapping captures.
	prev := map[parse.Digest]bool{}
	next := map[parse.Digest]bool{}

	for seq := 0; ; seq++ {
		c, err := rcvr.Source.Next(ctx)
		switch {
		case err == io.EOF:
			rcvr.Log.WithField("elapsed", time.Since(start)).Info("end of input")
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			rcvr.Log.WithField("elapsed", time.Since(start)).Info("time limit reached")
			return nil
		case errors.Is(err, context.Canceled):
			rcvr.Log.WithField("elapsed", time.Since(start)).Info("interrupted")
			return nil
		case err != nil:
			return err
		}

		// Clear next map for this capture.
		for key := range next {
			delete(next, key)
		}

		done, err := rcvr.handle(seq, c, prev, next)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		// Swap next and previous digest maps.
		next, prev = prev, next
	}
}

func (rcvr *Receiver) handle(seq int, c decode.Capture, prev, next map[parse.Digest]bool) (done bool, err error) {
	res, err := c.Decode()
	if err != nil {
		entry := rcvr.Log.WithFields(logrus.Fields{
			"seq":  seq,
			"kind": decode.Kind(err),
		})
		if rcvr.DumpFailed {
			entry = entry.WithField("capture", capture.FormatHex(c))
		}
		entry.WithError(err).Debug("decode failed")
		return false, nil
	}

	msg := parse.NewReading(res)

	// If the filterchain rejects the message, skip it.
	if !rcvr.Filters.Match(msg) {
		return false, nil
	}

	// Mark the message as seen for the next capture and skip it if the
	// previous capture already produced it.
	if rcvr.Dedupe {
		digest := parse.NewDigest(msg)
		next[digest] = true
		if prev[digest] {
			rcvr.Log.WithField("seq", seq).Debug("duplicate reading")
			return false, nil
		}
	}

	rcvr.Log.WithFields(logrus.Fields{
		"seq":     seq,
		"id":      msg.ID,
		"quality": msg.Quality,
		"offsets": []int{res.PreambleEnd, res.SyncEnd, res.End},
	}).Debug("decoded reading")

	logMsg := parse.NewLogMessage(time.Now(), seq, c.N, msg)
	if err := rcvr.Encoder.Encode(logMsg); err != nil {
		return false, errors.Wrap(err, "encode message")
	}
	rcvr.power = append(rcvr.power, msg.PowerKW)

	if rcvr.Store != nil {
		if err := rcvr.Store.RecordReading(rcvr.Session, logMsg); err != nil {
			return false, err
		}
	}

	if !rcvr.Single {
		return false, nil
	}
	if len(rcvr.Pending) == 0 {
		return true, nil
	}

	delete(rcvr.Pending, uint(msg.ID))
	return len(rcvr.Pending) == 0, nil
}

// Summary of the readings accepted so far. The store is authoritative when
// one is attached.
func (rcvr *Receiver) Summary() (store.Summary, error) {
	if rcvr.Store != nil {
		return rcvr.Store.Summary(rcvr.Session)
	}
	return store.Summarize(rcvr.power), nil
}

func (rcvr *Receiver) Close() {
	if err := rcvr.Source.Close(); err != nil {
		rcvr.Log.WithError(err).Warn("closing source")
	}
	if rcvr.Store != nil {
		if err := rcvr.Store.Close(); err != nil {
			rcvr.Log.WithError(err).Warn("closing store")
		}
	}
}

// OpenSource opens the capture source selected on the command line.
func OpenSource(log logrus.FieldLogger) (capture.Source, string, error) {
	selected := 0
	for _, set := range []bool{*inputPath != "", *serialPort != "", *useRTLTCP} {
		if set {
			selected++
		}
	}
	if selected > 1 {
		return nil, "", errors.New("only one of -input, -serial and -rtltcp may be given")
	}

	switch {
	case *serialPort != "":
		hs, err := capture.OpenSerial(*serialPort, *baudRate, log)
		if err != nil {
			return nil, "", err
		}
		return hs, *serialPort, nil
	case *useRTLTCP:
		sampleRate, err := capture.ConnectSDR(&sdr, log)
		if err != nil {
			return nil, "", err
		}

		ss, err := capture.NewSDRSource(&sdr, sampleRate, *dataRate, log)
		if err != nil {
			sdr.Close()
			return nil, "", err
		}
		return ss, sdr.Flags.ServerAddr, nil
	}

	path := *inputPath
	if path == "" {
		path = "-"
	}

	hs, err := capture.OpenHexFile(path, log)
	if err != nil {
		return nil, "", err
	}
	return hs, path, nil
}

func NewReceiver(log *logrus.Logger) (*Receiver, error) {
	src, name, err := OpenSource(log)
	if err != nil {
		return nil, err
	}

	rcvr := &Receiver{
		Source:     src,
		Filters:    NewFilterChain(),
		Log:        log,
		TimeLimit:  *timeLimit,
		DumpFailed: *dumpFailed,
		Dedupe:     capture.Overlapping(src),
		Single:     *single,
		Pending:    meterID.UintMap,
	}

	rcvr.Encoder, err = NewEncoder(*format, os.Stdout, *dumpFailed)
	if err != nil {
		src.Close()
		return nil, err
	}

	if *dbPath != "" {
		rcvr.Store, err = store.Open(*dbPath, log)
		if err != nil {
			src.Close()
			return nil, err
		}

		rcvr.Session, err = rcvr.Store.StartSession(name)
		if err != nil {
			rcvr.Close()
			return nil, err
		}
	}

	return rcvr, nil
}

// Receive runs rcvr, logs a summary of the accepted readings and returns the
// error that ended the run, if any.
func Receive(ctx context.Context, rcvr *Receiver, log logrus.FieldLogger) error {
	runErr := rcvr.Run(ctx)
	if runErr != nil {
		log.Errorf("%+v", runErr)
	}

	summary, err := rcvr.Summary()
	if err != nil {
		log.WithError(err).Warn("summarizing readings")
		return runErr
	}
	log.WithFields(logrus.Fields{
		"count":  summary.Count,
		"mean":   summary.Mean,
		"stddev": summary.StdDev,
		"min":    summary.Min,
		"max":    summary.Max,
	}).Info("summary")

	return runErr
}

var (
	buildTag   = "dev"     // v#.#.#
	buildDate  = "unknown" // date -u '+%Y-%m-%d'
	commitHash = "unknown" // git rev-parse HEAD
)

func main() {
	sdr.RegisterFlags()
	RegisterFlags()
	EnvOverride(flag.CommandLine, logrus.StandardLogger())
	flag.Parse()

	if *version {
		fmt.Println("Build Tag: ", buildTag)
		fmt.Println("Build Date:", buildDate)
		fmt.Println("Commit:    ", commitHash)
		os.Exit(0)
	}

	log, err := NewLogger(*logLevel, os.Stderr)
	if err != nil {
		logrus.Fatalf("%+v", err)
	}

	rcvr, err := NewReceiver(log)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := 0
	if err := Receive(ctx, rcvr, log); err != nil {
		code = 1
	}

	stop()
	rcvr.Close()
	os.Exit(code)
}
