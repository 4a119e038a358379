package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dreamware/cxdb/internal/blake3hash"
	"github.com/dreamware/cxdb/internal/cxerr"
)

// reader is a bounds-checked little-endian cursor over a received payload.
// Unlike the reference client (which trusts a server response and ignores
// read errors), the server side of this protocol must treat every field as
// untrusted network input, so every read here can fail with ErrBadRequest.
type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("%w: payload truncated (need %d more bytes at offset %d of %d)", cxerr.ErrBadRequest, n, r.off, len(r.buf))
	}
	return nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytesN(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", cxerr.ErrBadRequest)
	}
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out, nil
}

func (r *reader) hash() (blake3hash.Hash, error) {
	var h blake3hash.Hash
	b, err := r.bytesN(blake3hash.Size)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// lenPrefixed reads a u32 length followed by that many bytes, as used for
// client_tag, type_id, payload, and idempotency_key (spec §6).
func (r *reader) lenPrefixed() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.bytesN(int(n))
}

func (r *reader) str() (string, error) {
	b, err := r.lenPrefixed()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

// writer accumulates an outgoing payload. Its Write calls never fail
// (bytes.Buffer never returns an error), so callers don't need to check.
type writer struct{ buf bytes.Buffer }

func (w *writer) u32(v uint32)  { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) u64(v uint64)  { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) raw(b []byte)  { w.buf.Write(b) }
func (w *writer) hash(h blake3hash.Hash) { w.buf.Write(h[:]) }
func (w *writer) lenPrefixed(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}
func (w *writer) str(s string) { w.lenPrefixed([]byte(s)) }
func (w *writer) bytes() []byte { return w.buf.Bytes() }

// --- HELLO ---

type HelloRequest struct {
	ProtocolVersion uint32
	ClientTag       string
}

func (m HelloRequest) Encode() []byte {
	var w writer
	w.u32(m.ProtocolVersion)
	w.str(m.ClientTag)
	return w.bytes()
}

func DecodeHelloRequest(payload []byte) (HelloRequest, error) {
	r := newReader(payload)
	var m HelloRequest
	var err error
	if m.ProtocolVersion, err = r.u32(); err != nil {
		return m, err
	}
	if m.ClientTag, err = r.str(); err != nil {
		return m, err
	}
	return m, nil
}

type HelloResponse struct {
	ProtocolVersion uint32
	SessionID       uint64
	ServerTag       string
}

func (m HelloResponse) Encode() []byte {
	var w writer
	w.u32(m.ProtocolVersion)
	w.u64(m.SessionID)
	w.str(m.ServerTag)
	return w.bytes()
}

func DecodeHelloResponse(payload []byte) (HelloResponse, error) {
	r := newReader(payload)
	var m HelloResponse
	var err error
	if m.ProtocolVersion, err = r.u32(); err != nil {
		return m, err
	}
	if m.SessionID, err = r.u64(); err != nil {
		return m, err
	}
	if m.ServerTag, err = r.str(); err != nil {
		return m, err
	}
	return m, nil
}

// --- CTX_CREATE / CTX_FORK (identical shape) ---

type CtxCreateRequest struct {
	BaseTurnID uint64
}

func (m CtxCreateRequest) Encode() []byte {
	var w writer
	w.u64(m.BaseTurnID)
	return w.bytes()
}

func DecodeCtxCreateRequest(payload []byte) (CtxCreateRequest, error) {
	r := newReader(payload)
	var m CtxCreateRequest
	var err error
	if m.BaseTurnID, err = r.u64(); err != nil {
		return m, err
	}
	return m, nil
}

type CtxCreateResponse struct {
	ContextID uint64
	HeadTurn  uint64
	HeadDepth uint32
}

func (m CtxCreateResponse) Encode() []byte {
	var w writer
	w.u64(m.ContextID)
	w.u64(m.HeadTurn)
	w.u32(m.HeadDepth)
	return w.bytes()
}

func DecodeCtxCreateResponse(payload []byte) (CtxCreateResponse, error) {
	r := newReader(payload)
	var m CtxCreateResponse
	var err error
	if m.ContextID, err = r.u64(); err != nil {
		return m, err
	}
	if m.HeadTurn, err = r.u64(); err != nil {
		return m, err
	}
	if m.HeadDepth, err = r.u32(); err != nil {
		return m, err
	}
	return m, nil
}

// --- GET_HEAD ---

type GetHeadRequest struct {
	ContextID uint64
}

func (m GetHeadRequest) Encode() []byte {
	var w writer
	w.u64(m.ContextID)
	return w.bytes()
}

func DecodeGetHeadRequest(payload []byte) (GetHeadRequest, error) {
	r := newReader(payload)
	var m GetHeadRequest
	var err error
	if m.ContextID, err = r.u64(); err != nil {
		return m, err
	}
	return m, nil
}

// GetHeadResponse shares CtxCreateResponse's shape (spec §6).
type GetHeadResponse = CtxCreateResponse

// --- APPEND_TURN ---

type AppendTurnRequest struct {
	ContextID       uint64
	ParentTurnID    uint64
	TypeID          string
	TypeVersion     uint32
	Encoding        uint32
	Compression     uint32
	UncompressedLen uint32
	ContentHash     blake3hash.Hash
	Payload         []byte
	IdempotencyKey  string
	FsRootHash      blake3hash.Hash
	HasFsRoot       bool
}

func (m AppendTurnRequest) Encode() []byte {
	var w writer
	w.u64(m.ContextID)
	w.u64(m.ParentTurnID)
	w.str(m.TypeID)
	w.u32(m.TypeVersion)
	w.u32(m.Encoding)
	w.u32(m.Compression)
	w.u32(m.UncompressedLen)
	w.hash(m.ContentHash)
	w.lenPrefixed(m.Payload)
	w.str(m.IdempotencyKey)
	if m.HasFsRoot {
		w.hash(m.FsRootHash)
	}
	return w.bytes()
}

// Flags returns the frame flags this request should be sent with.
func (m AppendTurnRequest) Flags() uint16 {
	if m.HasFsRoot {
		return FlagHasFsRoot
	}
	return 0
}

func DecodeAppendTurnRequest(payload []byte, flags uint16) (AppendTurnRequest, error) {
	r := newReader(payload)
	var m AppendTurnRequest
	var err error
	if m.ContextID, err = r.u64(); err != nil {
		return m, err
	}
	if m.ParentTurnID, err = r.u64(); err != nil {
		return m, err
	}
	if m.TypeID, err = r.str(); err != nil {
		return m, err
	}
	if m.TypeVersion, err = r.u32(); err != nil {
		return m, err
	}
	if m.Encoding, err = r.u32(); err != nil {
		return m, err
	}
	if m.Compression, err = r.u32(); err != nil {
		return m, err
	}
	if m.UncompressedLen, err = r.u32(); err != nil {
		return m, err
	}
	if m.ContentHash, err = r.hash(); err != nil {
		return m, err
	}
	if m.Payload, err = r.lenPrefixed(); err != nil {
		return m, err
	}
	if m.IdempotencyKey, err = r.str(); err != nil {
		return m, err
	}
	if flags&FlagHasFsRoot != 0 {
		m.HasFsRoot = true
		if m.FsRootHash, err = r.hash(); err != nil {
			return m, err
		}
	}
	return m, nil
}

type AppendTurnResponse struct {
	ContextID   uint64
	NewTurnID   uint64
	NewDepth    uint32
	ContentHash blake3hash.Hash
}

func (m AppendTurnResponse) Encode() []byte {
	var w writer
	w.u64(m.ContextID)
	w.u64(m.NewTurnID)
	w.u32(m.NewDepth)
	w.hash(m.ContentHash)
	return w.bytes()
}

func DecodeAppendTurnResponse(payload []byte) (AppendTurnResponse, error) {
	r := newReader(payload)
	var m AppendTurnResponse
	var err error
	if m.ContextID, err = r.u64(); err != nil {
		return m, err
	}
	if m.NewTurnID, err = r.u64(); err != nil {
		return m, err
	}
	if m.NewDepth, err = r.u32(); err != nil {
		return m, err
	}
	if m.ContentHash, err = r.hash(); err != nil {
		return m, err
	}
	return m, nil
}

// --- GET_LAST ---

type GetLastRequest struct {
	ContextID      uint64
	Limit          uint32
	IncludePayload bool
}

func (m GetLastRequest) Encode() []byte {
	var w writer
	w.u64(m.ContextID)
	w.u32(m.Limit)
	if m.IncludePayload {
		w.u32(1)
	} else {
		w.u32(0)
	}
	return w.bytes()
}

func DecodeGetLastRequest(payload []byte) (GetLastRequest, error) {
	r := newReader(payload)
	var m GetLastRequest
	var err error
	if m.ContextID, err = r.u64(); err != nil {
		return m, err
	}
	if m.Limit, err = r.u32(); err != nil {
		return m, err
	}
	ip, err := r.u32()
	if err != nil {
		return m, err
	}
	m.IncludePayload = ip != 0
	return m, nil
}

// TurnItem is one entry of a GET_LAST response (spec §6: "full turn
// metadata + (if requested) uncompressed payload bytes"). Grounded on the
// upstream client's TurnRecord/parseTurnRecords (clients/go/turn.go): a
// payload_len + payload pair always follows the hash, zero-length when the
// request didn't ask for payloads, matching that client's unconditional
// read of both fields.
type TurnItem struct {
	TurnID          uint64
	ParentTurnID    uint64
	Depth           uint32
	TypeID          string
	TypeVersion     uint32
	Encoding        uint32
	Compression     uint32
	UncompressedLen uint32
	PayloadHash     blake3hash.Hash
	Payload         []byte
}

func (t TurnItem) encodeInto(w *writer) {
	w.u64(t.TurnID)
	w.u64(t.ParentTurnID)
	w.u32(t.Depth)
	w.str(t.TypeID)
	w.u32(t.TypeVersion)
	w.u32(t.Encoding)
	w.u32(t.Compression)
	w.u32(t.UncompressedLen)
	w.hash(t.PayloadHash)
	w.lenPrefixed(t.Payload)
}

func decodeTurnItem(r *reader) (TurnItem, error) {
	var t TurnItem
	var err error
	if t.TurnID, err = r.u64(); err != nil {
		return t, err
	}
	if t.ParentTurnID, err = r.u64(); err != nil {
		return t, err
	}
	if t.Depth, err = r.u32(); err != nil {
		return t, err
	}
	if t.TypeID, err = r.str(); err != nil {
		return t, err
	}
	if t.TypeVersion, err = r.u32(); err != nil {
		return t, err
	}
	if t.Encoding, err = r.u32(); err != nil {
		return t, err
	}
	if t.Compression, err = r.u32(); err != nil {
		return t, err
	}
	if t.UncompressedLen, err = r.u32(); err != nil {
		return t, err
	}
	if t.PayloadHash, err = r.hash(); err != nil {
		return t, err
	}
	if t.Payload, err = r.lenPrefixed(); err != nil {
		return t, err
	}
	return t, nil
}

type GetLastResponse struct {
	Turns []TurnItem
}

func (m GetLastResponse) Encode() []byte {
	var w writer
	w.u32(uint32(len(m.Turns)))
	for _, t := range m.Turns {
		t.encodeInto(&w)
	}
	return w.bytes()
}

func DecodeGetLastResponse(payload []byte) (GetLastResponse, error) {
	r := newReader(payload)
	var m GetLastResponse
	count, err := r.u32()
	if err != nil {
		return m, err
	}
	m.Turns = make([]TurnItem, 0, count)
	for i := uint32(0); i < count; i++ {
		t, err := decodeTurnItem(r)
		if err != nil {
			return m, err
		}
		m.Turns = append(m.Turns, t)
	}
	return m, nil
}

// --- GET_BLOB ---

type GetBlobRequest struct {
	ContentHash blake3hash.Hash
}

func (m GetBlobRequest) Encode() []byte {
	var w writer
	w.hash(m.ContentHash)
	return w.bytes()
}

func DecodeGetBlobRequest(payload []byte) (GetBlobRequest, error) {
	r := newReader(payload)
	var m GetBlobRequest
	var err error
	if m.ContentHash, err = r.hash(); err != nil {
		return m, err
	}
	return m, nil
}

type GetBlobResponse struct {
	RawBytes []byte
}

func (m GetBlobResponse) Encode() []byte {
	var w writer
	w.u32(uint32(len(m.RawBytes)))
	w.raw(m.RawBytes)
	return w.bytes()
}

func DecodeGetBlobResponse(payload []byte) (GetBlobResponse, error) {
	r := newReader(payload)
	var m GetBlobResponse
	n, err := r.u32()
	if err != nil {
		return m, err
	}
	if m.RawBytes, err = r.bytesN(int(n)); err != nil {
		return m, err
	}
	return m, nil
}

// --- PUT_BLOB ---

type PutBlobRequest struct {
	ContentHash blake3hash.Hash
	RawBytes    []byte
}

func (m PutBlobRequest) Encode() []byte {
	var w writer
	w.hash(m.ContentHash)
	w.u32(uint32(len(m.RawBytes)))
	w.raw(m.RawBytes)
	return w.bytes()
}

func DecodePutBlobRequest(payload []byte) (PutBlobRequest, error) {
	r := newReader(payload)
	var m PutBlobRequest
	var err error
	if m.ContentHash, err = r.hash(); err != nil {
		return m, err
	}
	n, err := r.u32()
	if err != nil {
		return m, err
	}
	if m.RawBytes, err = r.bytesN(int(n)); err != nil {
		return m, err
	}
	return m, nil
}

type PutBlobResponse struct {
	ContentHash blake3hash.Hash
	WasNew      bool
}

func (m PutBlobResponse) Encode() []byte {
	var w writer
	w.hash(m.ContentHash)
	if m.WasNew {
		w.raw([]byte{1})
	} else {
		w.raw([]byte{0})
	}
	return w.bytes()
}

func DecodePutBlobResponse(payload []byte) (PutBlobResponse, error) {
	r := newReader(payload)
	var m PutBlobResponse
	var err error
	if m.ContentHash, err = r.hash(); err != nil {
		return m, err
	}
	b, err := r.bytesN(1)
	if err != nil {
		return m, err
	}
	m.WasNew = b[0] == 1
	return m, nil
}

// --- ATTACH_FS ---

type AttachFSRequest struct {
	TurnID     uint64
	FsRootHash blake3hash.Hash
}

func (m AttachFSRequest) Encode() []byte {
	var w writer
	w.u64(m.TurnID)
	w.hash(m.FsRootHash)
	return w.bytes()
}

func DecodeAttachFSRequest(payload []byte) (AttachFSRequest, error) {
	r := newReader(payload)
	var m AttachFSRequest
	var err error
	if m.TurnID, err = r.u64(); err != nil {
		return m, err
	}
	if m.FsRootHash, err = r.hash(); err != nil {
		return m, err
	}
	return m, nil
}

// AttachFSResponse echoes the request (spec §6 "same echoed").
type AttachFSResponse = AttachFSRequest

func EncodeAttachFSResponse(m AttachFSResponse) []byte { return m.Encode() }

func DecodeAttachFSResponse(payload []byte) (AttachFSResponse, error) {
	return DecodeAttachFSRequest(payload)
}

// --- ERROR ---

type ErrorPayload struct {
	Code   uint32
	Detail string
}

func (m ErrorPayload) Encode() []byte {
	var w writer
	w.u32(m.Code)
	w.str(m.Detail)
	return w.bytes()
}

func DecodeErrorPayload(payload []byte) (ErrorPayload, error) {
	r := newReader(payload)
	var m ErrorPayload
	var err error
	if m.Code, err = r.u32(); err != nil {
		return m, err
	}
	if m.Detail, err = r.str(); err != nil {
		return m, err
	}
	return m, nil
}
