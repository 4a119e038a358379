// Package turnstore implements CXDB's append-only Turn Store (spec §4.B): a
// DAG of fixed-size turn records with per-context head pointers, CRC
// recovery, and monotonic turn/context ID allocation.
//
// Grounded on the teacher's internal/coordinator package for its registry
// and periodic-monitor shapes (see registry.go, types.go) and on
// internal/storage for the sentinel-error convention this package's errors
// follow via cxerr. The fixed-stride record layout and truncate-on-bad-CRC
// recovery strategy are the same lineage as internal/blobstore's pack file.
package turnstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/cxdb/internal/blake3hash"
	"github.com/dreamware/cxdb/internal/cxerr"
)

// IdempotencyTTL is the minimum retention window for idempotency keys per
// spec §3 ("retained for at least 24 hours").
const IdempotencyTTL = 24 * time.Hour

// Store is a single Turn Store instance, owning turns.log, turns.idx,
// turns.meta, heads.tbl and attach.tbl exclusively (spec §3 "Ownership").
type Store struct {
	dir string
	log *zap.SugaredLogger

	blobs BlobChecker

	nextTurnID    uint64 // atomic, spec §4.B "Turn-ID allocation"
	nextContextID uint64 // atomic

	// fileMu serializes the append sequence across turns.log/turns.meta/
	// heads.tbl so that file offsets are strictly increasing and the three
	// files are always written in the same order (spec §5 "File-level
	// writer mutex serializes the log appends across contexts").
	fileMu     sync.Mutex
	logFile    *os.File
	logSize    int64
	metaFile   *os.File
	headsFile  *os.File
	attachFile *os.File
	idxFile    *os.File

	// turnsMu guards the in-memory turn_id -> offset index and the decoded
	// record/meta caches used to resolve parents without re-reading disk.
	turnsMu  sync.RWMutex
	offsets  map[uint64]int64
	records  map[uint64]turnRecord
	metas    map[uint64]turnMeta

	registry *ContextRegistry
}

// Open opens (creating if necessary) a Turn Store rooted at dir, running
// crash recovery per spec §4.B.
func Open(dir string, blobs BlobChecker, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("turnstore: mkdir %s: %w", dir, err)
	}

	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_RDWR, 0o644)
	}

	logFile, err := open("turns.log")
	if err != nil {
		return nil, fmt.Errorf("turnstore: open log: %w", err)
	}
	idxFile, err := open("turns.idx")
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("turnstore: open index: %w", err)
	}
	metaFile, err := open("turns.meta")
	if err != nil {
		logFile.Close()
		idxFile.Close()
		return nil, fmt.Errorf("turnstore: open meta: %w", err)
	}
	headsFile, err := open("heads.tbl")
	if err != nil {
		logFile.Close()
		idxFile.Close()
		metaFile.Close()
		return nil, fmt.Errorf("turnstore: open heads: %w", err)
	}
	attachFile, err := open("attach.tbl")
	if err != nil {
		logFile.Close()
		idxFile.Close()
		metaFile.Close()
		headsFile.Close()
		return nil, fmt.Errorf("turnstore: open attach: %w", err)
	}

	s := &Store{
		dir:        dir,
		log:        log,
		blobs:      blobs,
		logFile:    logFile,
		idxFile:    idxFile,
		metaFile:   metaFile,
		headsFile:  headsFile,
		attachFile: attachFile,
		offsets:    make(map[uint64]int64),
		records:    make(map[uint64]turnRecord),
		metas:      make(map[uint64]turnMeta),
		registry:   newContextRegistry(),
	}

	if err := s.recoverTurns(); err != nil {
		s.closeFiles()
		return nil, err
	}
	if err := s.recoverMeta(); err != nil {
		s.closeFiles()
		return nil, err
	}
	maxContextID, err := s.recoverHeads()
	if err != nil {
		s.closeFiles()
		return nil, err
	}
	if err := s.recoverAttach(); err != nil {
		s.closeFiles()
		return nil, err
	}

	var maxTurnID uint64
	for id := range s.offsets {
		if id > maxTurnID {
			maxTurnID = id
		}
	}
	s.nextTurnID = maxTurnID + 1
	s.nextContextID = maxContextID + 1

	return s, nil
}

func (s *Store) closeFiles() {
	s.logFile.Close()
	s.idxFile.Close()
	s.metaFile.Close()
	s.headsFile.Close()
	s.attachFile.Close()
}

// Close flushes and releases the store's file handles.
func (s *Store) Close() error {
	s.closeFiles()
	return nil
}

// Context is the response shape of CreateContext/Fork (spec §6 CTX_CREATE/
// CTX_FORK response payload).
type Context struct {
	ContextID uint64
	HeadTurn  uint64
	HeadDepth uint32
}

// CreateContext allocates a new context, empty or forked from baseTurnID
// (spec §4.B "create_context(base_turn_id) -> Context"; CTX_FORK is the
// same operation with base != 0).
func (s *Store) CreateContext(baseTurnID uint64) (Context, error) {
	contextID := atomic.AddUint64(&s.nextContextID, 1) - 1

	var headTurn uint64
	var headDepth uint32
	if baseTurnID != 0 {
		s.turnsMu.RLock()
		base, ok := s.records[baseTurnID]
		s.turnsMu.RUnlock()
		if !ok {
			return Context{}, fmt.Errorf("%w: base turn %d", cxerr.ErrNotFound, baseTurnID)
		}
		headTurn = base.turnID
		headDepth = base.depth
	}

	if err := s.appendHead(contextID, headTurn, headDepth); err != nil {
		return Context{}, fmt.Errorf("turnstore: append head: %w", err)
	}

	s.registry.set(contextID, newContextState(headTurn, headDepth))

	return Context{ContextID: contextID, HeadTurn: headTurn, HeadDepth: headDepth}, nil
}

// AppendParams bundles AppendTurn's request fields (spec §6 APPEND_TURN
// request payload, minus context_id which is passed separately).
type AppendParams struct {
	ParentTurnID    uint64
	PayloadHash     blake3hash.Hash
	DeclaredTypeID  string
	TypeVersion     uint32
	Encoding        uint32
	Compression     uint32
	UncompressedLen uint32
	IdempotencyKey  string
}

// AppendTurn appends a new Turn to contextID's branch (spec §4.B
// "append_turn"). The open question on mid-chain appends (§9 open question
// 1) is resolved per the spec's own recommendation: parentTurnID must equal
// either 0 (use current head) or the context's current head turn_id;
// anything else is a Conflict, never a silent branch.
func (s *Store) AppendTurn(contextID uint64, p AppendParams) (Turn, error) {
	cs, ok := s.registry.get(contextID)
	if !ok {
		return Turn{}, fmt.Errorf("%w: context %d", cxerr.ErrNotFound, contextID)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if p.IdempotencyKey != "" {
		if entry, ok := cs.idempotency[p.IdempotencyKey]; ok {
			if !time.Now().Before(entry.expiresAt) {
				delete(cs.idempotency, p.IdempotencyKey)
			} else if t, ok := s.lookupTurn(contextID, entry.turnID); ok {
				return t, nil
			}
		}
	}

	resolvedParent := p.ParentTurnID
	if resolvedParent == 0 {
		resolvedParent = cs.headTurnID
	} else if resolvedParent != cs.headTurnID {
		return Turn{}, fmt.Errorf("%w: parent %d is not context %d's head (%d)", cxerr.ErrConflict, resolvedParent, contextID, cs.headTurnID)
	}

	var depth uint32 = 1
	if resolvedParent != 0 {
		s.turnsMu.RLock()
		parent, ok := s.records[resolvedParent]
		s.turnsMu.RUnlock()
		if !ok {
			return Turn{}, fmt.Errorf("%w: parent turn %d", cxerr.ErrConflict, resolvedParent)
		}
		depth = parent.depth + 1
	}

	if s.blobs != nil && !s.blobs.Contains(p.PayloadHash) {
		return Turn{}, fmt.Errorf("%w: payload %s not in blob store", cxerr.ErrFailedDependency, p.PayloadHash)
	}

	turnID := atomic.AddUint64(&s.nextTurnID, 1) - 1
	createdAt := uint64(time.Now().UnixMilli())

	rec := turnRecord{
		turnID:        turnID,
		parentTurnID:  resolvedParent,
		depth:         depth,
		payloadHash:   p.PayloadHash,
		createdAtUnix: createdAt,
	}
	meta := turnMeta{
		turnID:          turnID,
		declaredTypeID:  p.DeclaredTypeID,
		typeVersion:     p.TypeVersion,
		encoding:        p.Encoding,
		compression:     p.Compression,
		uncompressedLen: p.UncompressedLen,
	}

	if err := s.appendTurnFiles(rec, meta, contextID, turnID, depth, createdAt); err != nil {
		return Turn{}, fmt.Errorf("turnstore: append: %w", err)
	}

	cs.headTurnID = turnID
	cs.headDepth = depth
	if p.IdempotencyKey != "" {
		cs.idempotency[p.IdempotencyKey] = idempotencyEntry{turnID: turnID, expiresAt: time.Now().Add(IdempotencyTTL)}
	}

	return Turn{
		TurnID:              turnID,
		ContextID:           contextID,
		ParentTurnID:        resolvedParent,
		Depth:               depth,
		PayloadHash:         p.PayloadHash,
		CreatedAtUnix:       createdAt,
		DeclaredTypeID:      p.DeclaredTypeID,
		DeclaredTypeVersion: p.TypeVersion,
		Encoding:            p.Encoding,
		Compression:         p.Compression,
		UncompressedLen:     p.UncompressedLen,
	}, nil
}

// appendTurnFiles writes the turn record, its metadata record, and (since
// AppendTurn only ever appends at the current head) the heads record, in
// that file order, flushing each in turn (spec §4.B step 6). fileMu is held
// across all three so that offsets stay strictly increasing across
// concurrently-appending contexts.
func (s *Store) appendTurnFiles(rec turnRecord, meta turnMeta, contextID, turnID uint64, depth uint32, createdAt uint64) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	offset := s.logSize
	encoded := rec.encode()
	if _, err := s.logFile.WriteAt(encoded, offset); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	if err := s.logFile.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}
	s.logSize += int64(len(encoded))

	idxEntry := encodeTurnIdxEntry(turnID, offset)
	if _, err := s.idxFile.Write(idxEntry); err != nil {
		return fmt.Errorf("write idx: %w", err)
	}
	if err := s.idxFile.Sync(); err != nil {
		return fmt.Errorf("sync idx: %w", err)
	}

	metaEncoded := meta.encode()
	if _, err := s.metaFile.Write(metaEncoded); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if err := s.metaFile.Sync(); err != nil {
		return fmt.Errorf("sync meta: %w", err)
	}

	if err := s.appendHeadLocked(contextID, turnID, depth, createdAt); err != nil {
		return fmt.Errorf("write heads: %w", err)
	}

	s.turnsMu.Lock()
	s.offsets[turnID] = offset
	s.records[turnID] = rec
	s.metas[turnID] = meta
	s.turnsMu.Unlock()

	return nil
}

// appendHead writes one heads.tbl record, acquiring fileMu itself; used by
// CreateContext which doesn't already hold it.
func (s *Store) appendHead(contextID, headTurnID uint64, headDepth uint32) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return s.appendHeadLocked(contextID, headTurnID, headDepth, uint64(time.Now().UnixMilli()))
}

func (s *Store) appendHeadLocked(contextID, headTurnID uint64, headDepth uint32, createdAt uint64) error {
	buf := encodeHeadRecord(contextID, headTurnID, headDepth, createdAt)
	if _, err := s.headsFile.Write(buf); err != nil {
		return err
	}
	return s.headsFile.Sync()
}

// GetHead returns contextID's current head (spec §4.B "get_head").
func (s *Store) GetHead(contextID uint64) (headTurnID uint64, headDepth uint32, err error) {
	cs, ok := s.registry.get(contextID)
	if !ok {
		return 0, 0, fmt.Errorf("%w: context %d", cxerr.ErrNotFound, contextID)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.headTurnID, cs.headDepth, nil
}

// GetLast walks contextID's head back up to limit hops and returns the
// turns oldest-first (spec §4.B "get_last"). When includePayload is set,
// each turn's uncompressed payload is fetched from the Blob Store.
func (s *Store) GetLast(contextID uint64, limit uint32, includePayload bool) ([]Turn, error) {
	cs, ok := s.registry.get(contextID)
	if !ok {
		return nil, fmt.Errorf("%w: context %d", cxerr.ErrNotFound, contextID)
	}
	cs.mu.Lock()
	head := cs.headTurnID
	cs.mu.Unlock()

	turns := make([]Turn, 0, limit)
	cur := head
	for cur != 0 && uint32(len(turns)) < limit {
		t, ok := s.lookupTurn(contextID, cur)
		if !ok {
			break
		}
		turns = append(turns, t)
		cur = t.ParentTurnID
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	if includePayload {
		getter, ok := s.blobs.(BlobGetter)
		if ok {
			for i := range turns {
				data, err := getter.Get(turns[i].PayloadHash)
				if err != nil {
					return nil, fmt.Errorf("turnstore: fetch payload for turn %d: %w", turns[i].TurnID, err)
				}
				turns[i].Payload = data
			}
		}
	}

	return turns, nil
}

// WalkToRoot returns the parent chain from turnID to the root, oldest-last
// (i.e. turnID first, root last), per spec §4.B "walk_to_root".
func (s *Store) WalkToRoot(turnID uint64) ([]Turn, error) {
	var chain []Turn
	cur := turnID
	for cur != 0 {
		s.turnsMu.RLock()
		rec, ok := s.records[cur]
		meta := s.metas[cur]
		s.turnsMu.RUnlock()
		if !ok {
			if len(chain) == 0 {
				return nil, fmt.Errorf("%w: turn %d", cxerr.ErrNotFound, turnID)
			}
			break
		}
		chain = append(chain, turnFromRecord(rec, meta, 0))
		cur = rec.parentTurnID
	}
	return chain, nil
}

// lookupTurn resolves a turn_id to its full decoded Turn view.
func (s *Store) lookupTurn(contextID, turnID uint64) (Turn, bool) {
	s.turnsMu.RLock()
	rec, ok := s.records[turnID]
	meta := s.metas[turnID]
	s.turnsMu.RUnlock()
	if !ok {
		return Turn{}, false
	}
	return turnFromRecord(rec, meta, contextID), true
}

func turnFromRecord(rec turnRecord, meta turnMeta, contextID uint64) Turn {
	return Turn{
		TurnID:              rec.turnID,
		ContextID:           contextID,
		ParentTurnID:        rec.parentTurnID,
		Depth:               rec.depth,
		PayloadHash:         rec.payloadHash,
		CreatedAtUnix:       rec.createdAtUnix,
		DeclaredTypeID:      meta.declaredTypeID,
		DeclaredTypeVersion: meta.typeVersion,
		Encoding:            meta.encoding,
		Compression:         meta.compression,
		UncompressedLen:     meta.uncompressedLen,
	}
}

// AttachFS records an fs_root_hash against turnID in the append-only
// attach.tbl side table, per spec §9 open question 4: stubbed without
// validating the referenced merkle tree exists.
func (s *Store) AttachFS(turnID uint64, fsRootHash blake3hash.Hash) error {
	s.turnsMu.RLock()
	_, ok := s.records[turnID]
	s.turnsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: turn %d", cxerr.ErrNotFound, turnID)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	buf := encodeAttachRecord(turnID, fsRootHash, uint64(time.Now().UnixMilli()))
	if _, err := s.attachFile.Write(buf); err != nil {
		return fmt.Errorf("turnstore: write attach: %w", err)
	}
	return s.attachFile.Sync()
}

// PruneIdempotency drops expired idempotency entries across all known
// contexts. Invoked periodically by an internal/durability Monitor
// background sweep; never on the request hot path.
func (s *Store) PruneIdempotency() {
	now := time.Now()
	for _, cs := range s.registry.snapshot() {
		cs.mu.Lock()
		for k, e := range cs.idempotency {
			if now.After(e.expiresAt) {
				delete(cs.idempotency, k)
			}
		}
		cs.mu.Unlock()
	}
}

// Sync flushes the turn log, metadata, heads and attach files to stable
// storage. AppendTurn already syncs on every write (spec §9 open question
// 3's conservative fsync choice); this is additional defense-in-depth for an
// internal/durability Monitor sweep.
func (s *Store) Sync() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if err := s.logFile.Sync(); err != nil {
		return err
	}
	if err := s.metaFile.Sync(); err != nil {
		return err
	}
	if err := s.headsFile.Sync(); err != nil {
		return err
	}
	return s.attachFile.Sync()
}

// Stats summarizes the store for the informational status surface.
type Stats struct {
	TurnCount    int
	ContextCount int
}

func (s *Store) Stats() Stats {
	s.turnsMu.RLock()
	turnCount := len(s.offsets)
	s.turnsMu.RUnlock()
	return Stats{TurnCount: turnCount, ContextCount: s.registry.count()}
}

// recoverTurns scans turns.log sequentially, truncating at the first bad
// CRC and rebuilding turns.idx from survivors (spec §4.B crash recovery 1).
func (s *Store) recoverTurns() error {
	info, err := s.logFile.Stat()
	if err != nil {
		return fmt.Errorf("turnstore: stat log: %w", err)
	}

	buf := make([]byte, turnRecordLen)
	var validBytes int64
	for off := int64(0); off+turnRecordLen <= info.Size(); off += turnRecordLen {
		if _, err := s.logFile.ReadAt(buf, off); err != nil {
			break
		}
		rec, ok := decodeTurnRecord(buf)
		if !ok {
			s.log.Warnw("turnstore recovery: bad CRC in turns.log, truncating", "offset", off)
			break
		}
		s.offsets[rec.turnID] = off
		s.records[rec.turnID] = rec
		validBytes = off + turnRecordLen
	}

	if validBytes < info.Size() {
		s.log.Warnw("turnstore: truncating torn turns.log tail", "from", validBytes, "was", info.Size())
		if err := s.logFile.Truncate(validBytes); err != nil {
			return fmt.Errorf("turnstore: truncate log: %w", err)
		}
	}
	s.logSize = validBytes

	if err := s.rewriteIdx(); err != nil {
		return err
	}

	if _, err := s.logFile.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// rewriteIdx regenerates turns.idx from the recovered in-memory offsets map
// (spec §4.B recovery step 1: "Rewrite turns.idx"; it is an
// atomically-rewritable file per spec §6).
func (s *Store) rewriteIdx() error {
	if err := s.idxFile.Truncate(0); err != nil {
		return fmt.Errorf("turnstore: truncate idx: %w", err)
	}
	if _, err := s.idxFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for id, off := range s.offsets {
		if _, err := s.idxFile.Write(encodeTurnIdxEntry(id, off)); err != nil {
			return fmt.Errorf("turnstore: write idx: %w", err)
		}
	}
	_, err := s.idxFile.Seek(0, io.SeekEnd)
	return err
}

// recoverMeta scans turns.meta, skipping any record whose turn_id didn't
// survive the log recovery (spec §4.B recovery step 2).
func (s *Store) recoverMeta() error {
	info, err := s.metaFile.Stat()
	if err != nil {
		return fmt.Errorf("turnstore: stat meta: %w", err)
	}
	buf := make([]byte, info.Size())
	if _, err := s.metaFile.ReadAt(buf, 0); err != nil && err != io.EOF {
		return fmt.Errorf("turnstore: read meta: %w", err)
	}

	var cursor int
	var validBytes int
	for cursor < len(buf) {
		m, n, err := decodeTurnMeta(buf[cursor:])
		if err != nil {
			s.log.Warnw("turnstore recovery: truncated turns.meta, stopping", "offset", cursor)
			break
		}
		if _, ok := s.offsets[m.turnID]; ok {
			s.metas[m.turnID] = m
			cursor += n
			validBytes = cursor
		} else {
			// Turn didn't survive log recovery: skip this record but keep
			// scanning, since meta records for surviving turns may follow
			// (recovery truncates turns.log, not turns.meta, independently).
			cursor += n
			validBytes = cursor
		}
	}

	if validBytes < len(buf) {
		if err := s.metaFile.Truncate(int64(validBytes)); err != nil {
			return fmt.Errorf("turnstore: truncate meta: %w", err)
		}
	}
	if _, err := s.metaFile.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// recoverHeads scans heads.tbl with CRC checks, last-valid-record-wins per
// context_id, discarding any head pointing at a turn_id that didn't survive
// recovery (spec §4.B recovery step 3, "fail-open"): such a context reverts
// to its previous valid head record, or is left unknown if it has none.
// Returns the maximum observed context_id.
func (s *Store) recoverHeads() (uint64, error) {
	info, err := s.headsFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("turnstore: stat heads: %w", err)
	}

	type headState struct {
		turnID uint64
		depth  uint32
		valid  bool
	}
	heads := make(map[uint64]headState)

	buf := make([]byte, headRecordLen)
	var maxContextID uint64
	var validBytes int64
	for off := int64(0); off+headRecordLen <= info.Size(); off += headRecordLen {
		if _, err := s.headsFile.ReadAt(buf, off); err != nil {
			break
		}
		rec, ok := decodeHeadRecord(buf)
		if !ok {
			s.log.Warnw("turnstore recovery: bad CRC in heads.tbl, truncating", "offset", off)
			break
		}
		if rec.contextID > maxContextID {
			maxContextID = rec.contextID
		}
		_, known := s.offsets[rec.headTurnID]
		valid := rec.headTurnID == 0 || known
		// A head at a lost turn never replaces an earlier valid head, so the
		// context falls back to its last valid record.
		if _, seen := heads[rec.contextID]; valid || !seen {
			heads[rec.contextID] = headState{turnID: rec.headTurnID, depth: rec.headDepth, valid: valid}
		}
		validBytes = off + headRecordLen
	}

	if validBytes < info.Size() {
		s.log.Warnw("turnstore: truncating torn heads.tbl tail", "from", validBytes, "was", info.Size())
		if err := s.headsFile.Truncate(validBytes); err != nil {
			return 0, fmt.Errorf("turnstore: truncate heads: %w", err)
		}
	}
	if _, err := s.headsFile.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}

	for contextID, hs := range heads {
		if !hs.valid {
			s.log.Warnw("turnstore recovery: head points at missing turn, context reverts to unknown", "context_id", contextID, "turn_id", hs.turnID)
			continue
		}
		s.registry.set(contextID, newContextState(hs.turnID, hs.depth))
	}

	return maxContextID, nil
}

// recoverAttach scans attach.tbl with CRC checks, truncating at the first
// bad record. attach.tbl is a side table (spec §9 open question 4); its
// records aren't loaded into memory since ATTACH_FS has no read path on the
// wire protocol, only GetLast/GetBlob-style reads of the primary data.
func (s *Store) recoverAttach() error {
	info, err := s.attachFile.Stat()
	if err != nil {
		return fmt.Errorf("turnstore: stat attach: %w", err)
	}
	buf := make([]byte, attachRecordLen)
	var validBytes int64
	for off := int64(0); off+attachRecordLen <= info.Size(); off += attachRecordLen {
		if _, err := s.attachFile.ReadAt(buf, off); err != nil {
			break
		}
		if _, ok := decodeAttachRecord(buf); !ok {
			s.log.Warnw("turnstore recovery: bad CRC in attach.tbl, truncating", "offset", off)
			break
		}
		validBytes = off + attachRecordLen
	}
	if validBytes < info.Size() {
		if err := s.attachFile.Truncate(validBytes); err != nil {
			return fmt.Errorf("turnstore: truncate attach: %w", err)
		}
	}
	_, err = s.attachFile.Seek(0, io.SeekEnd)
	return err
}
