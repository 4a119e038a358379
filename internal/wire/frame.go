// Package wire implements CXDB's binary frame protocol (spec §4.C): a
// 16-byte length-prefixed, request-multiplexed frame header plus the
// per-message payload shapes of spec §6.
//
// Encoding mirrors the upstream CXDB Go client's shape (clients/go/turn.go,
// clients/go/fs.go: bytes.Buffer + encoding/binary, little-endian
// throughout) so request and response codecs read as a matched pair.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MsgType identifies a frame's payload shape (spec §4.C "Message types").
type MsgType uint16

const (
	MsgHello      MsgType = 1
	MsgCtxCreate  MsgType = 2
	MsgCtxFork    MsgType = 3
	MsgGetHead    MsgType = 4
	MsgAppendTurn MsgType = 5
	MsgGetLast    MsgType = 6
	MsgGetBlob    MsgType = 9
	MsgAttachFS   MsgType = 10
	MsgPutBlob    MsgType = 11
	MsgError      MsgType = 255
)

func (m MsgType) String() string {
	switch m {
	case MsgHello:
		return "HELLO"
	case MsgCtxCreate:
		return "CTX_CREATE"
	case MsgCtxFork:
		return "CTX_FORK"
	case MsgGetHead:
		return "GET_HEAD"
	case MsgAppendTurn:
		return "APPEND_TURN"
	case MsgGetLast:
		return "GET_LAST"
	case MsgGetBlob:
		return "GET_BLOB"
	case MsgAttachFS:
		return "ATTACH_FS"
	case MsgPutBlob:
		return "PUT_BLOB"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("MsgType(%d)", uint16(m))
	}
}

// FlagHasFsRoot is bit 0 of an APPEND_TURN request's flags, signalling a
// trailing fs_root_hash[32] after the main payload (spec §4.C "Flags").
const FlagHasFsRoot uint16 = 1 << 0

// HeaderLen is the fixed size of a frame header (spec §4.C "Frame header").
const HeaderLen = 16

// Header is one frame's 16-byte preamble.
type Header struct {
	Len     uint32
	MsgType MsgType
	Flags   uint16
	ReqID   uint64
}

// Encode serializes h.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(h.MsgType))
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], h.ReqID)
	return buf
}

// DecodeHeader parses a 16-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderLen {
		return Header{}, fmt.Errorf("wire: header must be %d bytes, got %d", HeaderLen, len(buf))
	}
	return Header{
		Len:     binary.LittleEndian.Uint32(buf[0:4]),
		MsgType: MsgType(binary.LittleEndian.Uint16(buf[4:6])),
		Flags:   binary.LittleEndian.Uint16(buf[6:8]),
		ReqID:   binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// Frame is a fully-read header plus its payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

// ReadFrame reads one frame from r: the 16-byte header, then exactly
// header.Len payload bytes. maxPayload enforces spec §4.D.3 ("a request
// with len larger than a configured cap is refused"); pass 0 for no cap
// (used on the client side, where the server is trusted).
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	hdrBuf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return Frame{}, err
	}
	hdr, err := DecodeHeader(hdrBuf)
	if err != nil {
		return Frame{}, err
	}
	if maxPayload > 0 && hdr.Len > maxPayload {
		return Frame{Header: hdr}, ErrPayloadTooLarge
	}
	payload := make([]byte, hdr.Len)
	if hdr.Len > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: hdr, Payload: payload}, nil
}

// WriteFrame writes msgType/flags/reqID/payload as one frame to w.
func WriteFrame(w io.Writer, msgType MsgType, flags uint16, reqID uint64, payload []byte) error {
	hdr := Header{Len: uint32(len(payload)), MsgType: msgType, Flags: flags, ReqID: reqID}
	if _, err := w.Write(hdr.Encode()); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ErrPayloadTooLarge is returned by ReadFrame when a frame's declared
// length exceeds the configured cap (spec §4.D.3 / §7 400 BadRequest).
var ErrPayloadTooLarge = fmt.Errorf("wire: frame payload exceeds configured cap")
