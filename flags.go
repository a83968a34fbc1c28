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
	"encoding/json"
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bemasher/ookmeter/capture"
	"github.com/bemasher/ookmeter/csv"
	"github.com/bemasher/ookmeter/parse"
)

const EnvPrefix = "OOKMETER_"

var inputPath = flag.String("input", "", "hex dump file to read captures from, - for stdin (default when no other source is given)")
var serialPort = flag.String("serial", "", "serial port to read hex dump lines from, ex. /dev/ttyACM0")
var baudRate = flag.Int("baud", 115200, "serial port baud rate")

var useRTLTCP = flag.Bool("rtltcp", false, "receive iq samples from rtl_tcp")
var dataRate = flag.Float64("datarate", capture.DefaultDataRate, "ook bit rate in bits per second")

var timeLimit = flag.Duration("duration", 0, "time to run for, 0 for infinite, ex. 1h5m10s")
var meterID parse.MeterIDFilter

var unique = flag.Bool("unique", false, "suppress duplicate messages from each meter")
var minQuality = flag.Int("minquality", 0, "minimum preamble quality, values below 8 have no effect")

var format = flag.String("format", "plain", "decoded message output format: plain, csv, json, or xml")

var single = flag.Bool("single", false, "one shot execution, if used with -filterid, will wait for exactly one packet from each meter id")

var dbPath = flag.String("db", "", "sqlite database to record readings in, empty to disable")
var logLevel = flag.String("loglevel", "info", "log level: trace, debug, info, warn, error")
var dumpFailed = flag.Bool("dumpfailed", false, "log a hex dump of captures that fail to decode at debug level")

var version = flag.Bool("version", false, "display build date and commit hash")

func RegisterFlags() {
	meterID = parse.MeterIDFilter{UintMap: make(parse.UintMap)}

	flag.Var(meterID, "filterid", "display only messages matching an id in a comma-separated list of ids.")

	ookmeterFlags := map[string]bool{
		"input":      true,
		"serial":     true,
		"baud":       true,
		"rtltcp":     true,
		"datarate":   true,
		"duration":   true,
		"filterid":   true,
		"unique":     true,
		"minquality": true,
		"format":     true,
		"single":     true,
		"db":         true,
		"loglevel":   true,
		"dumpfailed": true,
		"version":    true,
	}

	printDefaults := func(validFlags map[string]bool, inclusion bool) {
		flag.CommandLine.VisitAll(func(f *flag.Flag) {
			if validFlags[f.Name] != inclusion {
				return
			}

			format := "  -%s=%s: %s\n"
			fmt.Fprintf(os.Stderr, format, f.Name, f.Value, f.Usage)
		})
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		printDefaults(ookmeterFlags, true)

		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "rtltcp specific:")
		printDefaults(ookmeterFlags, false)
	}
}

// EnvOverride sets each flag in fs from an environment variable named after
// it, ex. OOKMETER_FORMAT for -format.
func EnvOverride(fs *flag.FlagSet, log logrus.FieldLogger) {
	fs.VisitAll(func(f *flag.Flag) {
		envName := EnvPrefix + strings.ToUpper(f.Name)
		flagValue := os.Getenv(envName)
		if flagValue != "" {
			entry := log.WithFields(logrus.Fields{
				"env":   envName,
				"flag":  f.Name,
				"value": flagValue,
			})

			if err := fs.Set(f.Name, flagValue); err != nil {
				entry.WithError(err).Warn("environment variable failed to override flag")
			} else {
				entry.Info("environment variable overrides flag")
			}
		}
	})
}

// NewLogger builds the receiver's logger at the named level.
func NewLogger(level string, w io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}

	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(lvl)
	log.SetReportCaller(true)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})

	return log, nil
}

// NewFilterChain builds the filter chain from the filter flags that were
// set.
func NewFilterChain() (fc parse.FilterChain) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "filterid":
			fc.Add(meterID)
		case "unique":
			if *unique {
				fc.Add(parse.NewUniqueFilter())
			}
		case "minquality":
			fc.Add(parse.QualityFilter{Min: *minQuality})
		}
	})

	return fc
}

// JSON, XML and CSV all implement this interface so we can simplify log
// output formatting.
type Encoder interface {
	Encode(interface{}) error
}

func NewEncoder(format string, w io.Writer, withSeq bool) (Encoder, error) {
	switch strings.ToLower(format) {
	case "plain":
		return PlainEncoder{w, withSeq}, nil
	case "csv":
		return csv.NewEncoder(w), nil
	case "json":
		return json.NewEncoder(w), nil
	case "xml":
		return xml.NewEncoder(w), nil
	}

	return nil, errors.Errorf("invalid format: %q", format)
}

// PlainEncoder prints messages with their String method. Capture sequence
// numbers are included when failed captures are being dumped so the two can
// be correlated.
type PlainEncoder struct {
	w       io.Writer
	withSeq bool
}

func (pe PlainEncoder) Encode(msg interface{}) (err error) {
	if m, ok := msg.(parse.LogMessage); ok && !pe.withSeq {
		_, err = fmt.Fprintln(pe.w, m.StringNoSeq())
	} else {
		_, err = fmt.Fprintln(pe.w, msg)
	}
	return
}
