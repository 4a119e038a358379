package turnstore

import (
	"sync"
	"time"

	"github.com/dreamware/cxdb/internal/blake3hash"
)

// Turn is the decoded, fully-resolved view of one turns.log entry, as
// returned by GetLast/WalkToRoot (spec §4.B). ContextID is the context the
// turn was appended through, not a field of the on-disk turn record itself
// (a Turn belongs to the DAG, not to any one context).
type Turn struct {
	TurnID              uint64
	ContextID           uint64
	ParentTurnID        uint64
	Depth               uint32
	PayloadHash         blake3hash.Hash
	CreatedAtUnix       uint64
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
	Payload             []byte // populated only when GetLast's includePayload is set
}

// BlobChecker is the narrow view of the Blob Store that AppendTurn needs to
// satisfy spec §4.B step 3 ("Verify the Blob Store contains payload_hash").
// Defined here rather than imported from blobstore so turnstore has no
// compile-time dependency on the blob store's concrete type, mirroring the
// teacher's preference for small consumer-side interfaces over importing a
// whole package for one method.
type BlobChecker interface {
	Contains(h blake3hash.Hash) bool
}

// BlobGetter additionally fetches blob bytes, used by GetLast when the
// caller asks for include_payload (spec §4.B "when include_payload is set,
// inline the Blob Store get for each").
type BlobGetter interface {
	BlobChecker
	Get(h blake3hash.Hash) ([]byte, error)
}

// contextState is the live, in-memory state of one conversation context
// (spec §4.B "Context"). Adapted from the teacher's shard registry entry
// (internal/coordinator/shard_registry.go ShardInfo): there an entry tracks
// which node owns a shard and its health; here an entry tracks a context's
// current head and serializes appends to it.
type contextState struct {
	mu sync.Mutex // serializes append_turn for this context only

	headTurnID uint64
	headDepth  uint32

	// idempotency maps a client-supplied idempotency key to the turn_id it
	// previously produced, so a retried append_turn is answered from cache
	// instead of re-applied (spec §9 open question 2). Entries are pruned
	// lazily on lookup and swept periodically by PruneIdempotency from an
	// internal/durability Monitor.
	idempotency map[string]idempotencyEntry
}

type idempotencyEntry struct {
	turnID    uint64
	expiresAt time.Time
}

func newContextState(headTurnID uint64, headDepth uint32) *contextState {
	return &contextState{
		headTurnID:  headTurnID,
		headDepth:   headDepth,
		idempotency: make(map[string]idempotencyEntry),
	}
}
