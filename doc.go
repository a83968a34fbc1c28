/*
OOKMETER is a receiver for OOK utility power meters operating in the sub-GHz ISM bands.

Each capture is a raw, unaligned receive buffer of up to 128 bytes. The
receiver locates the meter's 1100 preamble and 0xFFFF sync word at any bit
phase, demodulates the pulse-width coded packet, verifies its checksum and
reports instantaneous power in kW.

Command-line Flags:

	-input=""

Reads hex dump lines from a file, - for stdin. Each line holds one capture as
whitespace-separated or contiguous hex bytes with an optional label:

	rx_buf = 33 33 33 33 33 33 33 33 30 00 00 ...

Blank lines and # comments are ignored. Lines longer than 128 bytes are
logged and skipped. Stdin is read when no other source is given.

	-serial="" -baud=115200

Reads hex dump lines from a serial console, for example a transceiver
dumping its receive buffer.

	-rtltcp=false -datarate=4800

Receives IQ samples from an rtl_tcp server and slices them into bits at the
given data rate. The rtltcp flags (-server, -centerfreq, -samplerate and the
gain flags) are applied after connecting. The sample rate defaults to 2.4M.

	-duration=0

Sets time to receive for, 0 for infinite.

	-filterid=

Display only messages matching an id in a comma-separated list of ids. Ids
are the first four packet bytes, decimal or hex with a 0x prefix.

	-unique=false

Suppress repeated packets from each meter.

	-minquality=0

Drop readings whose preamble had fewer repetitions. The decoder already
requires 8.

	-format="plain"

Sets the output format: plain, csv, json or xml. Plain text is formatted
using the following format string:

	{Time:%s Power:{ID:0x%08X PowerKW:%0.6f Mantissa:0x%04X Exponent:%d Quality:%2d Checksum:0x%02X}}

	-single=false

Provides one shot execution. Receiver listens until exactly one message is
received before exiting, or one from each meter given with -filterid.

	-db=""

Records readings in a sqlite database, one session per run. A summary of the
session's readings is logged on exit.

	-loglevel="info" -dumpfailed=false

Sets the log level. With -dumpfailed and -loglevel=debug, captures that fail
to decode are logged as hex dumps that -input reads back.

Every flag may also be set by an environment variable named after it, ex.
OOKMETER_FORMAT=json.
*/
package main
