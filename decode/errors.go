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

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotEnoughData       = errors.New("not enough data")
	ErrPreambleNotFound    = errors.New("preamble not found")
	ErrSyncNotFound        = errors.New("sync word not found")
	ErrInsufficientSymbols = errors.New("insufficient symbols")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
)

// ChecksumError reports the checksum computed over a packet and the value
// the packet carried.
type ChecksumError struct {
	Expected byte
	Actual   byte
}

func (e ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected 0x%02X, actual 0x%02X", e.Expected, e.Actual)
}

func (e ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotEnoughData, "NotEnoughData"},
	{ErrPreambleNotFound, "PreambleNotFound"},
	{ErrSyncNotFound, "SyncNotFound"},
	{ErrInsufficientSymbols, "InsufficientSymbols"},
	{ErrChecksumMismatch, "ChecksumMismatch"},
}

// Kind names the decode failure carried by err, "" for nil and "Unknown"
// for errors not produced by Decode.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}

	return "Unknown"
}
