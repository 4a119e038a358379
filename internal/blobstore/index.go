package blobstore

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/cxdb/internal/blake3hash"
)

// indexEntryLen is the fixed stride of blobs.idx, per spec §4.A:
// hash(32) + pack_offset(8) + raw_len(4) + stored_len(4) + codec(2) + reserved(2).
const indexEntryLen = blake3hash.Size + 8 + 4 + 4 + 2 + 2

// indexEntry mirrors one blobs.idx record, kept in memory for O(1) lookup.
type indexEntry struct {
	offset    uint64
	rawLen    uint32
	storedLen uint32
	codec     Codec
}

func encodeIndexEntry(h blake3hash.Hash, e indexEntry) []byte {
	buf := make([]byte, indexEntryLen)
	copy(buf[0:blake3hash.Size], h[:])
	o := blake3hash.Size
	binary.LittleEndian.PutUint64(buf[o:o+8], e.offset)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:o+4], e.rawLen)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], e.storedLen)
	o += 4
	binary.LittleEndian.PutUint16(buf[o:o+2], uint16(e.codec))
	// reserved u16 left zero
	return buf
}

func decodeIndexEntry(buf []byte) (blake3hash.Hash, indexEntry, error) {
	var h blake3hash.Hash
	if len(buf) != indexEntryLen {
		return h, indexEntry{}, fmt.Errorf("blob index entry wrong size: got %d, want %d", len(buf), indexEntryLen)
	}
	copy(h[:], buf[0:blake3hash.Size])
	o := blake3hash.Size
	e := indexEntry{
		offset: binary.LittleEndian.Uint64(buf[o : o+8]),
	}
	o += 8
	e.rawLen = binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	e.storedLen = binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	e.codec = Codec(binary.LittleEndian.Uint16(buf[o : o+2]))
	return h, e, nil
}

// shardCount is the number of index shards, keyed on the high byte of H
// (spec §4.A "Concurrency": "sharded map with 16 shards keyed by the high
// byte of H").
const shardCount = 16

// indexShardStats tracks per-shard operation counts, adapted from the
// teacher's shard.OperationStats: atomics so reads never contend with the
// shard's own RWMutex.
type indexShardStats struct {
	gets uint64
	puts uint64
	hits uint64
}

// indexShard is one of the 16 partitions of the in-memory blob index.
// Adapted from the teacher's Shard type (internal/shard/shard.go): there, a
// shard owns a slice of key space behind a mutex and a pluggable Store;
// here, a shard owns a slice of hash space (by H[0]%16) behind a mutex and a
// plain map, since the blob index has no need for a pluggable backend.
type indexShard struct {
	mu      sync.RWMutex
	entries map[blake3hash.Hash]indexEntry
	stats   indexShardStats
}

func newIndexShard() *indexShard {
	return &indexShard{entries: make(map[blake3hash.Hash]indexEntry)}
}

func (s *indexShard) get(h blake3hash.Hash) (indexEntry, bool) {
	s.mu.RLock()
	e, ok := s.entries[h]
	s.mu.RUnlock()
	atomic.AddUint64(&s.stats.gets, 1)
	return e, ok
}

// put inserts e under h. Callers hold the shard's write lock across the
// pack append that precedes this call (spec §4.A: "put ... holds it across
// the pack append to guarantee at most one on-disk copy per hash"), so this
// method assumes the lock is already held and does not acquire it itself.
func (s *indexShard) put(h blake3hash.Hash, e indexEntry) {
	s.entries[h] = e
	atomic.AddUint64(&s.stats.puts, 1)
}

func (s *indexShard) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// shardedIndex is the full 16-way in-memory blob index.
type shardedIndex struct {
	shards [shardCount]*indexShard
}

func newShardedIndex() *shardedIndex {
	idx := &shardedIndex{}
	for i := range idx.shards {
		idx.shards[i] = newIndexShard()
	}
	return idx
}

// shardFor returns the shard owning h, keyed by its high byte.
func (idx *shardedIndex) shardFor(h blake3hash.Hash) *indexShard {
	return idx.shards[h[0]%shardCount]
}

func (idx *shardedIndex) get(h blake3hash.Hash) (indexEntry, bool) {
	return idx.shardFor(h).get(h)
}

func (idx *shardedIndex) contains(h blake3hash.Hash) bool {
	_, ok := idx.shardFor(h).get(h)
	return ok
}

// count sums entries across all shards; used for Stats() only, so a plain
// read lock per shard is fine (no need for a running atomic total).
func (idx *shardedIndex) count() int {
	n := 0
	for _, s := range idx.shards {
		n += s.len()
	}
	return n
}
