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

// Package value holds the tagged union stored per (Key, LSN) entry: either a
// full page image, or a WAL record that must be replayed against an older
// image (or a chain of records) to reconstruct the page.
package value

import "fmt"

// tagImage/tagWalRecord/tagWillInit are the bits of the one-byte tag that
// prefixes every encoded Value inside a blob payload.
const (
	tagImage     = 0
	tagWalRecord = 1 << 0
	tagWillInit  = 1 << 1
)

// Kind tags which arm of Value is populated.
type Kind uint8

const (
	// KindImage means Bytes is a complete page image.
	KindImage Kind = iota
	// KindWalRecord means Bytes is an opaque WAL record payload.
	KindWalRecord
)

// Value is the on-disk/in-memory payload for one (Key, LSN) entry.
type Value struct {
	Kind Kind
	// Bytes is the image or WAL record payload. The engine never
	// interprets it beyond length and the WillInit bit below.
	Bytes []byte
	// WillInit is only meaningful when Kind == KindWalRecord. When true,
	// replaying this record alone is sufficient to reconstruct the page;
	// the reconstruction chain stops here without needing an older image.
	WillInit bool
}

// Image constructs a Value holding a complete page image.
func Image(b []byte) Value {
	return Value{Kind: KindImage, Bytes: b}
}

// WalRecord constructs a Value holding a WAL record payload.
func WalRecord(b []byte, willInit bool) Value {
	return Value{Kind: KindWalRecord, Bytes: b, WillInit: willInit}
}

// IsImage reports whether v holds a page image.
func (v Value) IsImage() bool {
	return v.Kind == KindImage
}

// Encode serializes v into the bytes written to a blob file: a one-byte
// tag identifying Kind and WillInit, followed by the raw payload.
func Encode(v Value) []byte {
	tag := byte(tagImage)
	if v.Kind == KindWalRecord {
		tag = tagWalRecord
		if v.WillInit {
			tag |= tagWillInit
		}
	}
	out := make([]byte, 1+len(v.Bytes))
	out[0] = tag
	copy(out[1:], v.Bytes)
	return out
}

// Decode parses bytes previously produced by Encode.
func Decode(b []byte) (Value, error) {
	if len(b) == 0 {
		return Value{}, fmt.Errorf("value: decode: empty buffer")
	}
	tag := b[0]
	payload := b[1:]
	if tag&tagWalRecord == 0 {
		return Image(payload), nil
	}
	return WalRecord(payload, tag&tagWillInit != 0), nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindImage:
		return fmt.Sprintf("Image(%d bytes)", len(v.Bytes))
	case KindWalRecord:
		return fmt.Sprintf("WalRecord(%d bytes, will_init=%v)", len(v.Bytes), v.WillInit)
	default:
		return "Value(invalid)"
	}
}
