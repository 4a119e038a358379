package blobstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dreamware/cxdb/internal/blake3hash"
)

// Codec identifies how a blob's stored_bytes relate to its raw bytes
// (spec §4.A blob record layout).
type Codec uint16

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
)

// blobMagic is 0x42534C42 ("BSLB" in its hex digits), per spec §4.A. It is
// written little-endian, so the on-disk bytes are "BLSB".
const blobMagic uint32 = 0x42534C42

const blobRecordVersion uint16 = 1

// recordHeaderLen is the fixed portion of a blob record before
// stored_bytes: magic(4) + version(2) + codec(2) + raw_len(4) + stored_len(4) + hash(32).
const recordHeaderLen = 4 + 2 + 2 + 4 + 4 + blake3hash.Size

// crcTrailerLen is the CRC-32 trailer following stored_bytes.
const crcTrailerLen = 4

// record is one decoded blobs.pack entry.
type record struct {
	codec      Codec
	rawLen     uint32
	storedLen  uint32
	hash       blake3hash.Hash
	storedData []byte
}

// encode serializes r into its on-disk representation, including the
// trailing CRC-32 computed over magic..stored_bytes inclusive.
func (r record) encode() []byte {
	total := recordHeaderLen + int(r.storedLen) + crcTrailerLen
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], blobMagic)
	binary.LittleEndian.PutUint16(buf[4:6], blobRecordVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(r.codec))
	binary.LittleEndian.PutUint32(buf[8:12], r.rawLen)
	binary.LittleEndian.PutUint32(buf[12:16], r.storedLen)
	copy(buf[16:16+blake3hash.Size], r.hash[:])
	copy(buf[recordHeaderLen:recordHeaderLen+int(r.storedLen)], r.storedData)

	crc := crc32.ChecksumIEEE(buf[:recordHeaderLen+int(r.storedLen)])
	binary.LittleEndian.PutUint32(buf[recordHeaderLen+int(r.storedLen):], crc)

	return buf
}

// decodeRecordHeader parses the fixed header of a blob record starting at
// buf[0]. buf must contain at least the fixed header. Store.readRecordAt
// reads a whole record (header, stored bytes and CRC trailer) in a single
// read, sized from the stored length already known from the index entry.
func decodeRecordHeader(buf []byte) (codec Codec, rawLen, storedLen uint32, hash blake3hash.Hash, err error) {
	if len(buf) < recordHeaderLen {
		return 0, 0, 0, hash, fmt.Errorf("blob record header truncated: got %d bytes, want %d", len(buf), recordHeaderLen)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != blobMagic {
		return 0, 0, 0, hash, fmt.Errorf("blob record bad magic: %#x", magic)
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != blobRecordVersion {
		return 0, 0, 0, hash, fmt.Errorf("blob record unsupported version: %d", version)
	}
	codec = Codec(binary.LittleEndian.Uint16(buf[6:8]))
	rawLen = binary.LittleEndian.Uint32(buf[8:12])
	storedLen = binary.LittleEndian.Uint32(buf[12:16])
	copy(hash[:], buf[16:16+blake3hash.Size])
	return codec, rawLen, storedLen, hash, nil
}

// verifyCRC checks the trailing CRC-32 of a full record buffer (header +
// stored bytes + trailer).
func verifyCRC(full []byte) bool {
	if len(full) < recordHeaderLen+crcTrailerLen {
		return false
	}
	body := full[:len(full)-crcTrailerLen]
	want := binary.LittleEndian.Uint32(full[len(full)-crcTrailerLen:])
	return crc32.ChecksumIEEE(body) == want
}
