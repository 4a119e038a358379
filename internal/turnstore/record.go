package turnstore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dreamware/cxdb/internal/blake3hash"
)

// turnRecordLen is the fixed stride of turns.log (spec §4.B "Turn record
// (104 bytes, little-endian)").
//
// The field list in spec §4.B sums to 76 bytes before the CRC, but the spec
// also states the CRC covers "the preceding 100 bytes" and that the whole
// record is 104 bytes — an internal inconsistency in the source spec. This
// is resolved (see DESIGN.md) by inserting a 24-byte reserved pad between
// created_at_unix_ms and crc32, satisfying both numbers: 76 + 24 pad = 100
// bytes covered by the CRC, + 4-byte crc32 = 104 total.
const turnRecordLen = 104

const (
	offTurnID      = 0
	offParentID    = 8
	offDepth       = 16
	offCodec       = 20
	offTypeTag     = 24
	offPayloadHash = 32
	offFlags       = 64
	offCreatedAt   = 68
	offReserved    = 76 // 24 bytes, zero-filled
	offCRC         = 100
)

// turnRecord is the decoded form of one turns.log slot.
type turnRecord struct {
	turnID        uint64
	parentTurnID  uint64
	depth         uint32
	payloadHash   blake3hash.Hash
	createdAtUnix uint64
}

func (r turnRecord) encode() []byte {
	buf := make([]byte, turnRecordLen)
	binary.LittleEndian.PutUint64(buf[offTurnID:], r.turnID)
	binary.LittleEndian.PutUint64(buf[offParentID:], r.parentTurnID)
	binary.LittleEndian.PutUint32(buf[offDepth:], r.depth)
	// codec, type_tag, flags are reserved and written as zero.
	copy(buf[offPayloadHash:offPayloadHash+blake3hash.Size], r.payloadHash[:])
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], r.createdAtUnix)
	// offReserved..offCRC left zero.
	crc := crc32.ChecksumIEEE(buf[:offCRC])
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
	return buf
}

func decodeTurnRecord(buf []byte) (turnRecord, bool) {
	var r turnRecord
	if len(buf) != turnRecordLen {
		return r, false
	}
	want := binary.LittleEndian.Uint32(buf[offCRC:])
	got := crc32.ChecksumIEEE(buf[:offCRC])
	if want != got {
		return r, false
	}
	r.turnID = binary.LittleEndian.Uint64(buf[offTurnID:])
	r.parentTurnID = binary.LittleEndian.Uint64(buf[offParentID:])
	r.depth = binary.LittleEndian.Uint32(buf[offDepth:])
	copy(r.payloadHash[:], buf[offPayloadHash:offPayloadHash+blake3hash.Size])
	r.createdAtUnix = binary.LittleEndian.Uint64(buf[offCreatedAt:])
	return r, true
}

// turnIdxEntryLen is the fixed stride of turns.idx: turn_id(8) + offset(8).
const turnIdxEntryLen = 16

func encodeTurnIdxEntry(turnID uint64, offset int64) []byte {
	buf := make([]byte, turnIdxEntryLen)
	binary.LittleEndian.PutUint64(buf[0:8], turnID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(offset))
	return buf
}

func decodeTurnIdxEntry(buf []byte) (turnID uint64, offset int64) {
	turnID = binary.LittleEndian.Uint64(buf[0:8])
	offset = int64(binary.LittleEndian.Uint64(buf[8:16]))
	return
}

// headRecordLen is the fixed stride of heads.tbl: context_id(8) +
// head_turn_id(8) + head_depth(4) + flags(4) + created_at_unix_ms(8) + crc32(4).
const headRecordLen = 8 + 8 + 4 + 4 + 8 + 4

func encodeHeadRecord(contextID, headTurnID uint64, headDepth uint32, createdAtUnix uint64) []byte {
	buf := make([]byte, headRecordLen)
	binary.LittleEndian.PutUint64(buf[0:8], contextID)
	binary.LittleEndian.PutUint64(buf[8:16], headTurnID)
	binary.LittleEndian.PutUint32(buf[16:20], headDepth)
	// flags (buf[20:24]) reserved, zero.
	binary.LittleEndian.PutUint64(buf[24:32], createdAtUnix)
	crc := crc32.ChecksumIEEE(buf[:32])
	binary.LittleEndian.PutUint32(buf[32:36], crc)
	return buf
}

type headRecord struct {
	contextID  uint64
	headTurnID uint64
	headDepth  uint32
}

func decodeHeadRecord(buf []byte) (headRecord, bool) {
	var r headRecord
	if len(buf) != headRecordLen {
		return r, false
	}
	want := binary.LittleEndian.Uint32(buf[32:36])
	got := crc32.ChecksumIEEE(buf[:32])
	if want != got {
		return r, false
	}
	r.contextID = binary.LittleEndian.Uint64(buf[0:8])
	r.headTurnID = binary.LittleEndian.Uint64(buf[8:16])
	r.headDepth = binary.LittleEndian.Uint32(buf[16:20])
	return r, true
}

// attachRecordLen is the fixed stride of attach.tbl, CXDB's side table for
// ATTACH_FS (spec §9 open question 4: "record fs_root_hash in a side table
// keyed by turn_id without validating tree existence"):
// turn_id(8) + fs_root_hash(32) + created_at_unix_ms(8) + crc32(4).
const attachRecordLen = 8 + blake3hash.Size + 8 + 4

func encodeAttachRecord(turnID uint64, fsRootHash blake3hash.Hash, createdAtUnix uint64) []byte {
	buf := make([]byte, attachRecordLen)
	binary.LittleEndian.PutUint64(buf[0:8], turnID)
	copy(buf[8:8+blake3hash.Size], fsRootHash[:])
	binary.LittleEndian.PutUint64(buf[8+blake3hash.Size:16+blake3hash.Size], createdAtUnix)
	crc := crc32.ChecksumIEEE(buf[:attachRecordLen-4])
	binary.LittleEndian.PutUint32(buf[attachRecordLen-4:], crc)
	return buf
}

type attachRecord struct {
	turnID     uint64
	fsRootHash blake3hash.Hash
}

func decodeAttachRecord(buf []byte) (attachRecord, bool) {
	var r attachRecord
	if len(buf) != attachRecordLen {
		return r, false
	}
	want := binary.LittleEndian.Uint32(buf[attachRecordLen-4:])
	got := crc32.ChecksumIEEE(buf[:attachRecordLen-4])
	if want != got {
		return r, false
	}
	r.turnID = binary.LittleEndian.Uint64(buf[0:8])
	copy(r.fsRootHash[:], buf[8:8+blake3hash.Size])
	return r, true
}
