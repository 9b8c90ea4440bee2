// Package seeddb implements the process-wide title-id → seed registry
// (spec §3, §4.2, §6) and its little-endian on-disk format.
//
// The registry generalizes the teacher's style of small, explicitly
// constructed state holders (e.g. internal/cache.Cache) to a
// mutex-guarded map with an explicit constructor and an optional
// process-level default instance, per spec §9's "replace module-level
// mutable state with an explicit object the caller can also construct
// privately."
package seeddb

import (
	"encoding/binary"
	"sync"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
)

// Seed is a 16-byte NCCH seed value.
type Seed [16]byte

const (
	fileHeaderSize  = 0x10
	fileEntrySize   = 0x20 // 8-byte title id + 16-byte seed + 8-byte pad
	fileEntryTitle  = 0x00
	fileEntrySeed   = 0x08
)

// DB is a process-wide (or privately constructed) title-id → seed
// registry. Only one seed per title id is kept; the last write wins
// (spec §3).
type DB struct {
	mu    sync.Mutex
	seeds map[uint64]Seed
}

// New returns an empty, independently constructed registry.
func New() *DB {
	return &DB{seeds: make(map[uint64]Seed)}
}

var (
	defaultOnce sync.Once
	defaultDB   *DB
)

// Default returns the process-level singleton registry, initialised on
// first use (spec §9).
func Default() *DB {
	defaultOnce.Do(func() { defaultDB = New() })
	return defaultDB
}

// AddSeed registers (or overwrites) the seed for titleID.
func (d *DB) AddSeed(titleID uint64, seed Seed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeds[titleID] = seed
}

// Lookup returns the seed registered for titleID, if any.
func (d *DB) Lookup(titleID uint64) (Seed, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.seeds[titleID]
	return s, ok
}

// Len reports how many entries are registered.
func (d *DB) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seeds)
}

// Parse loads a seeddb.bin blob: u32_le count, 0xC zero-pad, then count ×
// (u64_le title_id, 16-byte seed, 8-byte pad) (spec §6).
func Parse(data []byte) (*DB, error) {
	if len(data) < fileHeaderSize {
		return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "seeddb.bin shorter than header", 0)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	db := New()
	off := fileHeaderSize
	for i := uint32(0); i < count; i++ {
		if off+fileEntrySize > len(data) {
			return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "seeddb.bin truncated entry table", int64(off))
		}
		entry := data[off : off+fileEntrySize]
		titleID := binary.LittleEndian.Uint64(entry[fileEntryTitle:])
		var seed Seed
		copy(seed[:], entry[fileEntrySeed:fileEntrySeed+16])
		db.AddSeed(titleID, seed)
		off += fileEntrySize
	}
	return db, nil
}

// Bytes re-serializes the registry to the seeddb.bin format. Entries are
// emitted in ascending title-id order for a deterministic round trip.
func (d *DB) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]uint64, 0, len(d.seeds))
	for id := range d.seeds {
		ids = append(ids, id)
	}
	sortUint64s(ids)

	out := make([]byte, fileHeaderSize+len(ids)*fileEntrySize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(ids)))

	off := fileHeaderSize
	for _, id := range ids {
		entry := out[off : off+fileEntrySize]
		binary.LittleEndian.PutUint64(entry[fileEntryTitle:], id)
		seed := d.seeds[id]
		copy(entry[fileEntrySeed:fileEntrySeed+16], seed[:])
		off += fileEntrySize
	}
	return out
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
