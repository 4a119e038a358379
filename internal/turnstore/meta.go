package turnstore

import (
	"encoding/binary"
	"fmt"
)

// turnMeta is the decoded form of one turns.meta record (spec §4.B):
// informational fields that are not authoritative over the blob record but
// round-trip through GET_LAST responses.
type turnMeta struct {
	turnID          uint64
	declaredTypeID  string
	typeVersion     uint32
	encoding        uint32
	compression     uint32
	uncompressedLen uint32
}

// encode serializes m as the variable-length turns.meta record:
// turn_id u64, declared_type_id_len u32, declared_type_id bytes,
// declared_type_version u32, encoding u32, compression u32, uncompressed_len u32.
func (m turnMeta) encode() []byte {
	idBytes := []byte(m.declaredTypeID)
	buf := make([]byte, 8+4+len(idBytes)+4+4+4+4)
	o := 0
	binary.LittleEndian.PutUint64(buf[o:], m.turnID)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], uint32(len(idBytes)))
	o += 4
	copy(buf[o:], idBytes)
	o += len(idBytes)
	binary.LittleEndian.PutUint32(buf[o:], m.typeVersion)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], m.encoding)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], m.compression)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], m.uncompressedLen)
	return buf
}

// decodeTurnMeta reads one record starting at buf[0], returning the record
// and the number of bytes it consumed so the caller can advance a cursor.
func decodeTurnMeta(buf []byte) (turnMeta, int, error) {
	var m turnMeta
	if len(buf) < 8+4 {
		return m, 0, fmt.Errorf("turns.meta record truncated (header)")
	}
	o := 0
	m.turnID = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	idLen := int(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	if idLen < 0 || len(buf) < o+idLen+4+4+4+4 {
		return m, 0, fmt.Errorf("turns.meta record truncated (body)")
	}
	m.declaredTypeID = string(buf[o : o+idLen])
	o += idLen
	m.typeVersion = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	m.encoding = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	m.compression = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	m.uncompressedLen = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	return m, o, nil
}
