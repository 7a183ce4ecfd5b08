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

// Package vectored coalesces many per-key, per-LSN blob lookups within a
// single on-disk layer into the smallest set of contiguous reads that
// satisfies a size budget, then executes those reads and slices out the
// individual blobs.
package vectored

import (
	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/lsn"
)

// Flag tells the planner how to treat an observation relative to others
// already bucketed under the same key.
type Flag uint8

const (
	// FlagNone appends the observation to its key's bucket.
	FlagNone Flag = iota
	// FlagReplaceAll discards everything previously bucketed for this key
	// before inserting the observation; used when a newer layer's entry
	// makes all older entries for the key irrelevant to the read.
	FlagReplaceAll
	// FlagIgnore drops the observation entirely.
	FlagIgnore
)

// BlobMeta identifies which (Key, LSN) a planned blob read will satisfy.
type BlobMeta struct {
	Key key.Key
	Lsn lsn.Lsn
}

// BlobRead is one blob's byte range within a VectoredRead.
type BlobRead struct {
	Offset uint64
	End    uint64
	Meta   BlobMeta
}

// VectoredRead is a single contiguous disk read covering one or more blobs.
type VectoredRead struct {
	Start uint64
	End   uint64
	Blobs []BlobRead
}

// Size returns the number of bytes the read spans.
func (r VectoredRead) Size() uint64 {
	return r.End - r.Start
}

type observation struct {
	key   key.Key
	lsn   lsn.Lsn
	start uint64
	flag  Flag
}

type interval struct {
	lsn        lsn.Lsn
	start, end uint64
}

// Planner accumulates observations for a single layer read and coalesces
// them into VectoredReads bounded by maxReadSize.
type Planner struct {
	maxReadSize uint64
	pending     *observation
	order       []key.Key
	buckets     map[key.Key][]interval
}

// NewPlanner returns a planner that will not emit a read larger than
// maxReadSize, except when a single blob itself exceeds that size.
func NewPlanner(maxReadSize uint64) *Planner {
	return &Planner{
		maxReadSize: maxReadSize,
		buckets:     make(map[key.Key][]interval),
	}
}

// Handle records one (Key, LSN, offset) observation. Observations must be
// supplied in key-major, then LSN-major order; behavior is undefined
// otherwise.
func (p *Planner) Handle(k key.Key, l lsn.Lsn, startOffset uint64, flag Flag) {
	if p.pending != nil {
		p.closeInterval(startOffset)
	}
	p.pending = &observation{key: k, lsn: l, start: startOffset, flag: flag}
}

// HandleRangeEnd closes out the final pending observation against the end
// of the readable range and returns the coalesced reads, resetting the
// planner for reuse.
func (p *Planner) HandleRangeEnd(end uint64) []VectoredRead {
	if p.pending != nil {
		p.closeInterval(end)
	}
	reads := p.build()
	p.order = nil
	p.buckets = make(map[key.Key][]interval)
	p.pending = nil
	return reads
}

func (p *Planner) closeInterval(end uint64) {
	obs := p.pending
	p.pending = nil
	switch obs.flag {
	case FlagIgnore:
		return
	case FlagReplaceAll:
		if _, ok := p.buckets[obs.key]; !ok {
			p.order = append(p.order, obs.key)
		}
		p.buckets[obs.key] = []interval{{obs.lsn, obs.start, end}}
	default:
		if _, ok := p.buckets[obs.key]; !ok {
			p.order = append(p.order, obs.key)
		}
		p.buckets[obs.key] = append(p.buckets[obs.key], interval{obs.lsn, obs.start, end})
	}
}

func (p *Planner) build() []VectoredRead {
	var reads []VectoredRead
	var cur *VectoredRead

	emit := func(iv interval, k key.Key) {
		blob := BlobRead{Offset: iv.start, End: iv.end, Meta: BlobMeta{Key: k, Lsn: iv.lsn}}
		if cur != nil && iv.start == cur.End && (iv.end-cur.Start) <= p.maxReadSize {
			cur.End = iv.end
			cur.Blobs = append(cur.Blobs, blob)
			return
		}
		if cur != nil {
			reads = append(reads, *cur)
		}
		cur = &VectoredRead{Start: iv.start, End: iv.end, Blobs: []BlobRead{blob}}
	}

	for _, k := range p.order {
		for _, iv := range p.buckets[k] {
			emit(iv, k)
		}
	}
	if cur != nil {
		reads = append(reads, *cur)
	}
	return reads
}

// StreamingPlanner behaves like Planner but also bounds the number of blobs
// per emitted read, flushing eagerly as soon as either bound is reached.
// Used when the caller wants to start consuming reads before the full key
// range has been scanned.
type StreamingPlanner struct {
	maxReadSize uint64
	maxCount    int
	pending     *observation
	cur         *VectoredRead
	done        []VectoredRead
}

// NewStreamingPlanner returns a streaming planner bounded by both a total
// byte budget and a blob count per read.
func NewStreamingPlanner(maxReadSize uint64, maxCount int) *StreamingPlanner {
	return &StreamingPlanner{maxReadSize: maxReadSize, maxCount: maxCount}
}

// Handle records one observation, possibly emitting a completed read.
func (p *StreamingPlanner) Handle(k key.Key, l lsn.Lsn, startOffset uint64, flag Flag) {
	if p.pending != nil {
		p.closeInterval(startOffset)
	}
	p.pending = &observation{key: k, lsn: l, start: startOffset, flag: flag}
}

func (p *StreamingPlanner) closeInterval(end uint64) {
	obs := p.pending
	p.pending = nil
	if obs.flag == FlagIgnore {
		return
	}
	// FlagReplaceAll has no effect once a read is already streaming out;
	// the streaming planner never holds more than the in-flight read, so
	// there is nothing left to replace.
	blob := BlobRead{Offset: obs.start, End: end, Meta: BlobMeta{Key: obs.key, Lsn: obs.lsn}}

	if p.cur != nil && obs.start == p.cur.End &&
		(end-p.cur.Start) <= p.maxReadSize && len(p.cur.Blobs) < p.maxCount {
		p.cur.End = end
		p.cur.Blobs = append(p.cur.Blobs, blob)
		if len(p.cur.Blobs) == p.maxCount {
			p.done = append(p.done, *p.cur)
			p.cur = nil
		}
		return
	}
	if p.cur != nil {
		p.done = append(p.done, *p.cur)
	}
	p.cur = &VectoredRead{Start: obs.start, End: end, Blobs: []BlobRead{blob}}
}

// Drain returns and clears any reads completed so far.
func (p *StreamingPlanner) Drain() []VectoredRead {
	out := p.done
	p.done = nil
	return out
}

// HandleRangeEnd closes the final pending observation and returns every
// remaining read, including the in-flight one.
func (p *StreamingPlanner) HandleRangeEnd(end uint64) []VectoredRead {
	if p.pending != nil {
		p.closeInterval(end)
	}
	out := p.done
	if p.cur != nil {
		out = append(out, *p.cur)
		p.cur = nil
	}
	p.done = nil
	return out
}
