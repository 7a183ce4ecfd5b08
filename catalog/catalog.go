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

// Package catalog persists the set of historic (L0 delta) layers a
// timeline has installed, so a restarted process can reload its layer map
// without re-deriving it from a directory listing. Backed by an embedded
// pebble instance keyed by layer identity.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/pageserver/pageserver/key"
	"github.com/pageserver/pageserver/layermap"
	"github.com/pageserver/pageserver/lsn"
)

// Catalog durably records which historic layers exist for a timeline.
type Catalog struct {
	db *pebble.DB
}

// Open opens (creating if absent) a pebble instance at dir to back the
// catalog.
func Open(dir string) (*Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying pebble instance.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// record is the JSON-serialized form of a layermap.HistoricLayer, keyed by
// its LayerKey.
type record struct {
	KeyStart   key.Key             `json:"key_start"`
	KeyEnd     key.Key             `json:"key_end"`
	LsnStart   lsn.Lsn             `json:"lsn_start"`
	LsnEnd     lsn.Lsn             `json:"lsn_end"`
	Generation layermap.Generation `json:"generation"`
	Path       string              `json:"path"`
	Size       uint64              `json:"size"`
}

// encodeCatalogKey builds a lexicographically sortable pebble key from a
// LayerKey, ordering entries by start key then start LSN then generation
// so a catalog scan naturally yields them in layer-map iteration order.
func encodeCatalogKey(k layermap.LayerKey) []byte {
	buf := make([]byte, key.Size+8+8)
	copy(buf, k.KeyRange.Start[:])
	binary.BigEndian.PutUint64(buf[key.Size:], uint64(k.LsnRange.Start))
	binary.BigEndian.PutUint64(buf[key.Size+8:], uint64(k.Generation))
	return buf
}

// Put durably records layer as installed. Call this after
// layermap.Manager.FinishFlushL0Layer (or a compaction) succeeds.
func (c *Catalog) Put(layer *layermap.HistoricLayer) error {
	rec := record{
		KeyStart:   layer.Key.KeyRange.Start,
		KeyEnd:     layer.Key.KeyRange.End,
		LsnStart:   layer.Key.LsnRange.Start,
		LsnEnd:     layer.Key.LsnRange.End,
		Generation: layer.Key.Generation,
		Path:       layer.Path,
		Size:       layer.Size,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("catalog: marshal: %w", err)
	}
	if err := c.db.Set(encodeCatalogKey(layer.Key), data, pebble.Sync); err != nil {
		return fmt.Errorf("catalog: put: %w", err)
	}
	return nil
}

// Delete removes a layer's catalog entry, e.g. after compaction retires it.
func (c *Catalog) Delete(k layermap.LayerKey) error {
	if err := c.db.Delete(encodeCatalogKey(k), pebble.Sync); err != nil {
		return fmt.Errorf("catalog: delete: %w", err)
	}
	return nil
}

// LoadAll returns every historic layer currently recorded, for rebuilding
// a layer map at startup.
func (c *Catalog) LoadAll() ([]*layermap.HistoricLayer, error) {
	iter, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("catalog: iter: %w", err)
	}
	defer iter.Close()

	var out []*layermap.HistoricLayer
	for valid := iter.First(); valid; valid = iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("catalog: unmarshal: %w", err)
		}
		out = append(out, &layermap.HistoricLayer{
			Key: layermap.LayerKey{
				KeyRange:   key.Range{Start: rec.KeyStart, End: rec.KeyEnd},
				LsnRange:   lsn.Range{Start: rec.LsnStart, End: rec.LsnEnd},
				Generation: rec.Generation,
			},
			Path: rec.Path,
			Size: rec.Size,
		})
	}
	return out, nil
}
