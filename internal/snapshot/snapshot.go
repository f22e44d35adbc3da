// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/focustree/internal/focus"
	"github.com/AleutianAI/focustree/internal/sfc"
)

var (
	// ErrNotFound is returned when a run or rank snapshot does not exist.
	ErrNotFound = errors.New("snapshot not found")

	// ErrCorrupted is returned when a stored value fails its checksum or
	// cannot be decoded.
	ErrCorrupted = errors.New("snapshot corrupted")
)

// RunInfo describes one converge run.
type RunInfo struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	NumRanks   int
	Particles  int
	BucketSize uint32
	Theta      float64
	Rounds     int
	Box        sfc.Box
}

// Snapshot is the converged state of one rank.
type Snapshot struct {
	RunID      uuid.UUID
	Rank       int
	CreatedAt  time.Time
	Box        sfc.Box
	FocusStart sfc.Key
	FocusEnd   sfc.Key
	Peers      []int
	Leaves     []sfc.Key
	Counts     []uint32
	Depth      int
}

// NumLeaves returns the number of leaves of the snapshot tree.
func (s *Snapshot) NumLeaves() int {
	if len(s.Leaves) == 0 {
		return 0
	}
	return len(s.Leaves) - 1
}

// Capture copies the current state of f.
func Capture(runID uuid.UUID, f *focus.FocusedOctree) Snapshot {
	start, end := f.FocusRange()
	return Snapshot{
		RunID:      runID,
		Rank:       f.Rank(),
		CreatedAt:  time.Now().UTC(),
		Box:        f.Box(),
		FocusStart: start,
		FocusEnd:   end,
		Peers:      slices.Clone(f.Peers()),
		Leaves:     slices.Clone(f.TreeLeaves()),
		Counts:     slices.Clone(f.LeafCounts()),
		Depth:      f.Depth(),
	}
}

func runKey(id uuid.UUID) []byte {
	return []byte("run:" + id.String())
}

func snapPrefix(id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("snap:%s:", id))
}

func snapKey(id uuid.UUID, rank int) []byte {
	return []byte(fmt.Sprintf("snap:%s:%06d", id, rank))
}

// encode gob-encodes v behind a 4-byte big-endian CRC32 of the payload.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 4))
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(out[4:]))
	return out, nil
}

func decode(data []byte, v any) error {
	if len(data) < 4 {
		return fmt.Errorf("value of %d bytes: %w", len(data), ErrCorrupted)
	}
	if want, got := binary.BigEndian.Uint32(data[:4]), crc32.ChecksumIEEE(data[4:]); want != got {
		return fmt.Errorf("checksum %08x, expected %08x: %w", got, want, ErrCorrupted)
	}
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(v); err != nil {
		return fmt.Errorf("decode: %v: %w", err, ErrCorrupted)
	}
	return nil
}

func getValue(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return decode(val, v)
	})
}

// SaveRun stores the description of a run.
func (s *Store) SaveRun(info RunInfo) error {
	data, err := encode(info)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", info.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(info.ID), data)
	})
}

// Save stores the snapshot of one rank, replacing an earlier one.
func (s *Store) Save(snap Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s/%d: %w", snap.RunID, snap.Rank, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(snap.RunID, snap.Rank), data)
	})
}

// Load returns the snapshot of one rank.
func (s *Store) Load(runID uuid.UUID, rank int) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, snapKey(runID, rank), &snap)
	})
	return snap, err
}

// LoadRun returns a run and the snapshots of its ranks in rank order.
// Ranks that never saved a snapshot are absent.
func (s *Store) LoadRun(runID uuid.UUID) (RunInfo, []Snapshot, error) {
	var info RunInfo
	var snaps []Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		if err := getValue(txn, runKey(runID), &info); err != nil {
			return err
		}
		prefix := snapPrefix(runID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error { return decode(val, &snap) }); err != nil {
				return fmt.Errorf("%s: %w", it.Item().Key(), err)
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	return info, snaps, err
}

// ListRuns returns all stored runs, newest first.
func (s *Store) ListRuns() ([]RunInfo, error) {
	var runs []RunInfo
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("run:")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info RunInfo
			if err := it.Item().Value(func(val []byte) error { return decode(val, &info) }); err != nil {
				return fmt.Errorf("%s: %w", it.Item().Key(), err)
			}
			runs = append(runs, info)
		}
		return nil
	})
	slices.SortFunc(runs, func(a, b RunInfo) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return runs, err
}

// DeleteRun removes a run and all its snapshots.
func (s *Store) DeleteRun(runID uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(runID)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		} else if err != nil {
			return err
		}
		var keys [][]byte
		prefix := snapPrefix(runID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(runKey(runID))
	})
}
