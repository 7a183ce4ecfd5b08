// Copyright 2026 The pageserver Authors
// This file is part of the pageserver library.
//
// The pageserver library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pageserver library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pageserver library. If not, see <http://www.gnu.org/licenses/>.

// Package lsn defines the monotonic log sequence number used to version
// every page write.
package lsn

import "fmt"

// Lsn is a monotonically increasing log position. Zero is a valid value
// meaning "before the beginning of the log".
type Lsn uint64

// Max is a sentinel meaning "no upper bound" / "latest".
const Max Lsn = ^Lsn(0)

// Invalid is the zero value, used where an Lsn is required but not yet known.
const Invalid Lsn = 0

// alignment blocks are WAL-record aligned to 8 bytes.
const alignment = 8

// Aligned reports whether l sits on an 8-byte boundary.
func (l Lsn) Aligned() bool {
	return l%alignment == 0
}

// Range is a half-open LSN interval [Start, End).
type Range struct {
	Start Lsn
	End   Lsn
}

// Contains reports whether l falls within [r.Start, r.End).
func (r Range) Contains(l Lsn) bool {
	return l >= r.Start && l < r.End
}

func (l Lsn) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xffffffff)
}
