// Package blobstore implements CXDB's content-addressed Blob Store (spec
// §4.A): an append-only, crash-safe pack file with an in-memory hash index
// and shard-locked deduplication.
//
// Grounded on the teacher's internal/storage package for its error-sentinel
// and Store-interface shape, and internal/shard for the 16-way hash
// partitioning and per-shard statistics (see index.go). The on-disk record
// format, CRC placement, and recovery-by-truncation strategy follow the
// same lineage as etcd's mvcc/backend and dolt's go/store/nbs: an
// append-only log whose tail is allowed to be torn and is simply discarded
// on reopen.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/dreamware/cxdb/internal/blake3hash"
	"github.com/dreamware/cxdb/internal/cxerr"
)

// PutResult distinguishes a fresh write from a deduplicated one (spec §4.A
// "put(H, bytes) -> {Stored, AlreadyPresent}").
type PutResult int

const (
	Stored PutResult = iota
	AlreadyPresent
)

// minCompressibleSize is the threshold below which blobs are always stored
// raw, per spec §4.A: "if |bytes| < 128, NONE".
const minCompressibleSize = 128

// Store is a single Blob Store instance, owning blobs.pack and blobs.idx
// exclusively (spec §3 "Ownership").
type Store struct {
	dir string
	log *zap.SugaredLogger

	index *shardedIndex

	// packMu serializes the actual byte-range assignment and write to
	// blobs.pack across all shards: the shard lock (held by Put across the
	// append) prevents two writers for the *same* hash, but different
	// hashes in different shards must still not race for file offsets.
	packMu   sync.Mutex
	packFile *os.File
	packSize int64

	idxMu   sync.Mutex
	idxFile *os.File

	encoder *zstd.Encoder
	level   zstd.EncoderLevel

	// MaxRawLen ceilings Blob.raw_len (spec §3, default 10 MiB). Zero means
	// unlimited; set by the caller after Open since it's a deployment
	// config value, not part of the on-disk format.
	MaxRawLen int64
}

// Open opens (creating if necessary) a Blob Store rooted at dir, running
// crash recovery over blobs.idx/blobs.pack per spec §4.A.
func Open(dir string, compressionLevel int, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %w", dir, err)
	}

	packPath := filepath.Join(dir, "blobs.pack")
	idxPath := filepath.Join(dir, "blobs.idx")

	packFile, err := os.OpenFile(packPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open pack: %w", err)
	}
	idxFile, err := os.OpenFile(idxPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		packFile.Close()
		return nil, fmt.Errorf("blobstore: open index: %w", err)
	}

	level := zstd.EncoderLevelFromZstd(compressionLevel)
	if level < zstd.SpeedFastest {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		packFile.Close()
		idxFile.Close()
		return nil, fmt.Errorf("blobstore: init zstd encoder: %w", err)
	}

	s := &Store{
		dir:      dir,
		log:      log,
		index:    newShardedIndex(),
		packFile: packFile,
		idxFile:  idxFile,
		encoder:  enc,
		level:    level,
	}

	if err := s.recover(); err != nil {
		packFile.Close()
		idxFile.Close()
		return nil, err
	}

	return s, nil
}

// Close flushes and releases the store's file handles.
func (s *Store) Close() error {
	err1 := s.packFile.Close()
	err2 := s.idxFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Put stores bytes under hash h, deduplicating on the in-memory index and
// then, on a cold path, re-checking under the shard lock before writing
// (spec §4.A "double-checked locking").
func (s *Store) Put(h blake3hash.Hash, data []byte) (PutResult, error) {
	if !blake3hash.Verify(h, data) {
		return 0, fmt.Errorf("%w: hash mismatch for declared %s", cxerr.ErrConflict, h)
	}
	if s.MaxRawLen > 0 && int64(len(data)) > s.MaxRawLen {
		return 0, fmt.Errorf("%w: payload %d bytes exceeds max_blob_size %d", cxerr.ErrUnprocessable, len(data), s.MaxRawLen)
	}

	if _, ok := s.index.get(h); ok {
		return AlreadyPresent, nil
	}

	shard := s.index.shardFor(h)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.entries[h]; ok {
		return AlreadyPresent, nil
	}

	codec, stored := s.compress(data)
	rec := record{
		codec:      codec,
		rawLen:     uint32(len(data)),
		storedLen:  uint32(len(stored)),
		hash:       h,
		storedData: stored,
	}
	encoded := rec.encode()

	offset, err := s.appendPack(encoded)
	if err != nil {
		return 0, fmt.Errorf("blobstore: append pack: %w", err)
	}

	entry := indexEntry{offset: uint64(offset), rawLen: rec.rawLen, storedLen: rec.storedLen, codec: codec}
	if err := s.appendIndex(h, entry); err != nil {
		return 0, fmt.Errorf("blobstore: append index: %w", err)
	}

	shard.put(h, entry)
	return Stored, nil
}

// compress chooses the storage codec per spec §4.A: blobs under 128 bytes,
// or whose zstd output isn't smaller than the input, are stored raw.
func (s *Store) compress(data []byte) (Codec, []byte) {
	if len(data) < minCompressibleSize {
		return CodecNone, data
	}
	compressed := s.encoder.EncodeAll(data, nil)
	if len(compressed) < len(data) {
		return CodecZstd, compressed
	}
	return CodecNone, data
}

// appendPack writes encoded at the current end of blobs.pack and returns
// the offset it was written at. The write is flushed before returning
// (spec §4.A "flush the pack write").
func (s *Store) appendPack(encoded []byte) (int64, error) {
	s.packMu.Lock()
	defer s.packMu.Unlock()

	offset := s.packSize
	if _, err := s.packFile.WriteAt(encoded, offset); err != nil {
		return 0, err
	}
	if err := s.packFile.Sync(); err != nil {
		return 0, err
	}
	s.packSize += int64(len(encoded))
	return offset, nil
}

func (s *Store) appendIndex(h blake3hash.Hash, e indexEntry) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	buf := encodeIndexEntry(h, e)
	if _, err := s.idxFile.Write(buf); err != nil {
		return err
	}
	return s.idxFile.Sync()
}

// Get retrieves and decompresses the blob stored under h.
func (s *Store) Get(h blake3hash.Hash) ([]byte, error) {
	entry, ok := s.index.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", cxerr.ErrNotFound, h)
	}

	full, err := s.readRecordAt(int64(entry.offset), entry.storedLen)
	if err != nil {
		return nil, fmt.Errorf("%w: reading blob %s: %v", cxerr.ErrCorruption, h, err)
	}

	if !verifyCRC(full) {
		return nil, fmt.Errorf("%w: CRC mismatch for blob %s", cxerr.ErrCorruption, h)
	}

	codec, rawLen, storedLen, gotHash, err := decodeRecordHeader(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cxerr.ErrCorruption, err)
	}
	if gotHash != h {
		return nil, fmt.Errorf("%w: index/pack hash mismatch for blob %s", cxerr.ErrCorruption, h)
	}

	stored := full[recordHeaderLen : recordHeaderLen+int(storedLen)]

	data, err := decompress(codec, stored, rawLen)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing blob %s: %v", cxerr.ErrCorruption, h, err)
	}

	if !blake3hash.Verify(h, data) {
		return nil, fmt.Errorf("%w: content hash mismatch for blob %s", cxerr.ErrCorruption, h)
	}

	return data, nil
}

// readRecordAt reads the full record (header + stored bytes + CRC trailer)
// starting at offset, given the already-known stored length.
func (s *Store) readRecordAt(offset int64, storedLen uint32) ([]byte, error) {
	total := recordHeaderLen + int(storedLen) + crcTrailerLen
	buf := make([]byte, total)
	if _, err := s.packFile.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

func decompress(codec Codec, stored []byte, rawLen uint32) ([]byte, error) {
	switch codec {
	case CodecNone:
		out := make([]byte, len(stored))
		copy(out, stored)
		return out, nil
	case CodecZstd:
		d, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer d.Close()
		out, err := d.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}

// Sync flushes the pack and index files to stable storage. Every Put
// already syncs both before returning (spec §4.A "flush the pack write");
// this is additional defense-in-depth for a periodic durability sweep.
func (s *Store) Sync() error {
	s.packMu.Lock()
	err := s.packFile.Sync()
	s.packMu.Unlock()
	if err != nil {
		return err
	}
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	return s.idxFile.Sync()
}

// Contains reports whether h is present, using the in-memory index only
// (spec §4.A "contains(H) -> bool. Index lookup only.").
func (s *Store) Contains(h blake3hash.Hash) bool {
	return s.index.contains(h)
}

// Stats summarizes the store for the informational status surface.
type Stats struct {
	BlobCount int
	PackBytes int64
}

func (s *Store) Stats() Stats {
	s.packMu.Lock()
	sz := s.packSize
	s.packMu.Unlock()
	return Stats{BlobCount: s.index.count(), PackBytes: sz}
}

// VerifyAll re-reads and re-verifies every indexed blob. It is not on the
// wire protocol, and the server does not call it at startup.
func (s *Store) VerifyAll() error {
	for _, shard := range s.index.shards {
		shard.mu.RLock()
		hashes := make([]blake3hash.Hash, 0, len(shard.entries))
		for h := range shard.entries {
			hashes = append(hashes, h)
		}
		shard.mu.RUnlock()

		for _, h := range hashes {
			if _, err := s.Get(h); err != nil {
				return fmt.Errorf("blobstore: verify %s: %w", h, err)
			}
		}
	}
	return nil
}

// recover scans blobs.idx and blobs.pack on open, per spec §4.A "Crash
// recovery": any index entry whose implied pack record is truncated or
// fails its header/CRC checks marks the cutoff; both files are truncated to
// the last valid position and surviving entries are loaded into memory.
func (s *Store) recover() error {
	info, err := s.idxFile.Stat()
	if err != nil {
		return fmt.Errorf("blobstore: stat index: %w", err)
	}

	validIdxBytes := int64(0)
	packCutoff := int64(0)
	entryBuf := make([]byte, indexEntryLen)

	for off := int64(0); off+indexEntryLen <= info.Size(); off += indexEntryLen {
		if _, err := s.idxFile.ReadAt(entryBuf, off); err != nil {
			break
		}
		h, entry, err := decodeIndexEntry(entryBuf)
		if err != nil {
			break
		}

		full, err := s.readRecordAt(int64(entry.offset), entry.storedLen)
		if err != nil {
			s.log.Warnw("blobstore recovery: truncated pack record, stopping", "offset", entry.offset)
			break
		}
		if !verifyCRC(full) {
			s.log.Warnw("blobstore recovery: bad CRC, stopping", "offset", entry.offset)
			break
		}
		codec, rawLen, storedLen, gotHash, err := decodeRecordHeader(full)
		if err != nil || gotHash != h || codec != entry.codec || rawLen != entry.rawLen || storedLen != entry.storedLen {
			s.log.Warnw("blobstore recovery: header mismatch, stopping", "offset", entry.offset)
			break
		}

		s.index.shardFor(h).entries[h] = entry
		validIdxBytes = off + indexEntryLen
		packCutoff = int64(entry.offset) + int64(len(full))
	}

	if validIdxBytes < info.Size() {
		s.log.Warnw("blobstore: truncating corrupt index tail", "from", validIdxBytes, "was", info.Size())
		if err := s.idxFile.Truncate(validIdxBytes); err != nil {
			return fmt.Errorf("blobstore: truncate index: %w", err)
		}
	}

	packInfo, err := s.packFile.Stat()
	if err != nil {
		return fmt.Errorf("blobstore: stat pack: %w", err)
	}
	if packCutoff < packInfo.Size() {
		s.log.Warnw("blobstore: truncating torn pack tail", "from", packCutoff, "was", packInfo.Size())
		if err := s.packFile.Truncate(packCutoff); err != nil {
			return fmt.Errorf("blobstore: truncate pack: %w", err)
		}
	}
	s.packSize = packCutoff

	if _, err := s.idxFile.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := s.packFile.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	return nil
}
