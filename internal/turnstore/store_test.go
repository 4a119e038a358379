package turnstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dreamware/cxdb/internal/blake3hash"
	"github.com/dreamware/cxdb/internal/cxerr"
)

// fakeBlobs is a minimal BlobGetter double: content is pre-seeded by hash so
// tests don't need a real blobstore.Store just to satisfy AppendTurn's
// dependency check (spec §4.B step 3).
type fakeBlobs struct {
	data map[blake3hash.Hash][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{data: make(map[blake3hash.Hash][]byte)} }

func (f *fakeBlobs) Contains(h blake3hash.Hash) bool { _, ok := f.data[h]; return ok }

func (f *fakeBlobs) Get(h blake3hash.Hash) ([]byte, error) {
	b, ok := f.data[h]
	if !ok {
		return nil, cxerr.ErrNotFound
	}
	return b, nil
}

func (f *fakeBlobs) put(data []byte) blake3hash.Hash {
	h := blake3hash.Sum(data)
	f.data[h] = data
	return h
}

func openTestStore(t *testing.T) (*Store, *fakeBlobs) {
	t.Helper()
	blobs := newFakeBlobs()
	dir := t.TempDir()
	s, err := Open(dir, blobs, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, blobs
}

func TestCreateContextAndAppendTurn(t *testing.T) {
	s, blobs := openTestStore(t)

	ctx, err := s.CreateContext(0)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if ctx.ContextID != 1 || ctx.HeadTurn != 0 || ctx.HeadDepth != 0 {
		t.Fatalf("unexpected fresh context: %+v", ctx)
	}

	h := blobs.put([]byte("hello"))
	turn, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h, DeclaredTypeID: "t", TypeVersion: 1})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if turn.TurnID != 1 || turn.Depth != 1 || turn.ParentTurnID != 0 {
		t.Fatalf("unexpected first turn: %+v", turn)
	}

	headTurn, headDepth, err := s.GetHead(ctx.ContextID)
	if err != nil {
		t.Fatalf("GetHead: %v", err)
	}
	if headTurn != 1 || headDepth != 1 {
		t.Fatalf("GetHead: want (1,1), got (%d,%d)", headTurn, headDepth)
	}
}

func TestAppendTurnRejectsStaleParent(t *testing.T) {
	s, blobs := openTestStore(t)
	ctx, _ := s.CreateContext(0)

	h1 := blobs.put([]byte("one"))
	_, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h1})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	h2 := blobs.put([]byte("two"))
	_, err = s.AppendTurn(ctx.ContextID, AppendParams{ParentTurnID: 99, PayloadHash: h2})
	if !errors.Is(err, cxerr.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale parent, got %v", err)
	}
}

func TestAppendTurnRejectsMissingBlob(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, _ := s.CreateContext(0)

	missing := blake3hash.Sum([]byte("never stored"))
	_, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: missing})
	if !errors.Is(err, cxerr.ErrFailedDependency) {
		t.Fatalf("expected ErrFailedDependency, got %v", err)
	}
}

func TestAppendTurnIdempotentRetryReturnsSameTurn(t *testing.T) {
	s, blobs := openTestStore(t)
	ctx, _ := s.CreateContext(0)
	h := blobs.put([]byte("retry me"))

	first, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	second, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if first.TurnID != second.TurnID {
		t.Fatalf("idempotent retry returned different turns: %d vs %d", first.TurnID, second.TurnID)
	}

	turns, err := s.GetLast(ctx.ContextID, 10, false)
	if err != nil {
		t.Fatalf("GetLast: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected exactly one turn after idempotent retry, got %d", len(turns))
	}
}

func TestCreateContextForkFromExistingTurn(t *testing.T) {
	s, blobs := openTestStore(t)
	base, _ := s.CreateContext(0)

	h1 := blobs.put([]byte("base turn"))
	baseTurn, err := s.AppendTurn(base.ContextID, AppendParams{PayloadHash: h1})
	if err != nil {
		t.Fatalf("base append: %v", err)
	}

	forked, err := s.CreateContext(baseTurn.TurnID)
	if err != nil {
		t.Fatalf("CreateContext fork: %v", err)
	}
	if forked.HeadTurn != baseTurn.TurnID || forked.HeadDepth != baseTurn.Depth {
		t.Fatalf("fork head mismatch: %+v vs base %+v", forked, baseTurn)
	}

	h2 := blobs.put([]byte("forked turn"))
	forkedTurn, err := s.AppendTurn(forked.ContextID, AppendParams{PayloadHash: h2})
	if err != nil {
		t.Fatalf("forked append: %v", err)
	}
	if forkedTurn.ParentTurnID != baseTurn.TurnID || forkedTurn.Depth != baseTurn.Depth+1 {
		t.Fatalf("unexpected forked turn: %+v", forkedTurn)
	}

	baseTurns, err := s.GetLast(base.ContextID, 10, false)
	if err != nil {
		t.Fatalf("GetLast base: %v", err)
	}
	if len(baseTurns) != 1 {
		t.Fatalf("fork must not mutate the original context's history: got %d turns", len(baseTurns))
	}
}

func TestGetLastReturnsChronologicalOrder(t *testing.T) {
	s, blobs := openTestStore(t)
	ctx, _ := s.CreateContext(0)

	var hashes []blake3hash.Hash
	for i := 0; i < 5; i++ {
		h := blobs.put([]byte{byte(i)})
		hashes = append(hashes, h)
		if _, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	turns, err := s.GetLast(ctx.ContextID, 3, false)
	if err != nil {
		t.Fatalf("GetLast: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("want 3 turns, got %d", len(turns))
	}
	// limit=3 over 5 turns must return the three most recent, oldest first.
	if turns[0].TurnID != 3 || turns[1].TurnID != 4 || turns[2].TurnID != 5 {
		t.Fatalf("unexpected order: %+v", turns)
	}
}

func TestAttachFSRecordsSideTable(t *testing.T) {
	s, blobs := openTestStore(t)
	ctx, _ := s.CreateContext(0)
	h := blobs.put([]byte("has an fs root"))
	turn, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	fsRoot := blake3hash.Sum([]byte("merkle root"))
	if err := s.AttachFS(turn.TurnID, fsRoot); err != nil {
		t.Fatalf("AttachFS: %v", err)
	}

	if err := s.AttachFS(999, fsRoot); !errors.Is(err, cxerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound attaching to unknown turn, got %v", err)
	}
}

func TestPruneIdempotencyDropsExpiredOnly(t *testing.T) {
	s, blobs := openTestStore(t)
	ctx, _ := s.CreateContext(0)
	h := blobs.put([]byte("keyed"))
	if _, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h, IdempotencyKey: "k"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	cs, ok := s.registry.get(ctx.ContextID)
	if !ok {
		t.Fatalf("context %d missing from registry", ctx.ContextID)
	}
	if _, ok := cs.idempotency["k"]; !ok {
		t.Fatal("expected idempotency entry to be recorded")
	}

	// A fresh, non-expired entry must survive a prune sweep.
	s.PruneIdempotency()
	if _, ok := cs.idempotency["k"]; !ok {
		t.Fatal("PruneIdempotency dropped a non-expired entry")
	}
}

// TestRecoverTruncatesTornTail mirrors blobstore's same-named test: corrupt
// the tail of turns.log after a clean close, then reopen and confirm
// recovery discards the torn record while keeping the head consistent with
// the surviving turn (spec §4.B crash recovery, spec §8 scenario S6).
func TestRecoverTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	blobs := newFakeBlobs()
	s, err := Open(dir, blobs, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, err := s.CreateContext(0)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	h1 := blobs.put([]byte("survives"))
	if _, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h1}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	h2 := blobs.put([]byte("torn"))
	if _, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h2}); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	logPath := filepath.Join(dir, "turns.log")
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat log: %v", err)
	}
	if err := os.Truncate(logPath, info.Size()-10); err != nil {
		t.Fatalf("truncate log: %v", err)
	}

	s2, err := Open(dir, blobs, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	headTurn, headDepth, err := s2.GetHead(ctx.ContextID)
	if err != nil {
		t.Fatalf("GetHead after recovery: %v", err)
	}
	if headTurn != 1 || headDepth != 1 {
		t.Fatalf("expected head to revert to surviving turn 1, got turn=%d depth=%d", headTurn, headDepth)
	}

	next, err := s2.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: blobs.put([]byte("after recovery"))})
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if next.TurnID != 2 {
		t.Fatalf("expected turn_id to be reused as 2 after truncation, got %d", next.TurnID)
	}
}

func TestRecoverHeadsDiscardsPointerToMissingTurn(t *testing.T) {
	dir := t.TempDir()
	blobs := newFakeBlobs()
	s, err := Open(dir, blobs, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, err := s.CreateContext(0)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	h := blobs.put([]byte("one turn"))
	if _, err := s.AppendTurn(ctx.ContextID, AppendParams{PayloadHash: h}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Truncate turns.log entirely away (as if the single turn record never
	// made it to disk) while leaving heads.tbl pointing at turn 1.
	if err := os.Truncate(filepath.Join(dir, "turns.log"), 0); err != nil {
		t.Fatalf("truncate log: %v", err)
	}

	s2, err := Open(dir, blobs, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	// The context's earlier heads.tbl record (the empty head written by
	// CreateContext) is still valid, so the context reverts to it.
	headTurn, headDepth, err := s2.GetHead(ctx.ContextID)
	if err != nil {
		t.Fatalf("expected context to revert to its prior empty head after its head's turn vanished, got %v", err)
	}
	if headTurn != 0 || headDepth != 0 {
		t.Fatalf("expected head to revert to the empty head, got turn=%d depth=%d", headTurn, headDepth)
	}
}
