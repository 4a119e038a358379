// Package server implements CXDB's connection lifecycle and handler
// dispatch (spec §4.D): a TCP accept loop, one goroutine per connection,
// the HELLO gate, the frame read/decode/dispatch/respond loop, and
// graceful shutdown that drains in-flight connections.
//
// Grounded on the teacher's cmd/node main loop (cmd/node/main.go) for its
// accept-serve-in-goroutine / signal.Notify / Shutdown-with-timeout shape,
// adapted from HTTP's http.Server.Shutdown semantics to a raw TCP listener
// since the binary protocol has no equivalent of http.Server to borrow
// directly from.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/cxdb/internal/blobstore"
	"github.com/dreamware/cxdb/internal/cxerr"
	"github.com/dreamware/cxdb/internal/turnstore"
	"github.com/dreamware/cxdb/internal/wire"
)

// ProtocolVersion is the binary protocol version CXDB speaks (spec §6
// HELLO "protocol_version u32").
const ProtocolVersion = 1

// DefaultMaxPayload bounds a single frame's declared length (spec §4.D.3).
// Large enough for MaxBlobSize-sized PUT_BLOB/GET_BLOB payloads plus framing
// overhead; configured per-server via Config.MaxPayload.
const DefaultMaxPayload = 16 << 20

// Config bundles what the server needs beyond the two stores.
type Config struct {
	ServerTag  string
	MaxPayload uint32
}

// Server owns a Blob Store and Turn Store and serves the binary protocol
// over TCP connections.
type Server struct {
	blobs  *blobstore.Store
	turns  *turnstore.Store
	log    *zap.SugaredLogger
	cfg    Config
	nextSession uint64 // atomic

	connWG sync.WaitGroup
}

// New constructs a Server. log may be nil (a no-op logger is used).
func New(blobs *blobstore.Store, turns *turnstore.Store, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.ServerTag == "" {
		cfg.ServerTag = "cxdb"
	}
	return &Server{blobs: blobs, turns: turns, log: log, cfg: cfg}
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting, closes ln, and waits for all in-flight connections to drain
// their pending responses before returning (spec §4.D.5 "Shutdown").
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.connWG.Wait()
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn implements one connection's lifecycle (spec §4.D.1-3): require
// HELLO first, then loop frames until the connection closes or an
// unrecoverable decode error occurs.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// On shutdown, fail the pending read so an idle connection ends instead
	// of holding Serve's drain open; a frame already being handled still
	// gets its response written.
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stopWatch()

	first, err := wire.ReadFrame(conn, s.cfg.MaxPayload)
	if err != nil {
		s.writeError(conn, 0, cxerr.CodeBadRequest, "failed to read initial frame")
		return
	}
	if first.Header.MsgType != wire.MsgHello {
		s.writeError(conn, first.Header.ReqID, cxerr.CodeBadRequest, "first frame must be HELLO")
		return
	}
	if _, err := wire.DecodeHelloRequest(first.Payload); err != nil {
		s.writeError(conn, first.Header.ReqID, cxerr.CodeFor(err), err.Error())
		return
	}

	sessionID := atomic.AddUint64(&s.nextSession, 1)
	resp := wire.HelloResponse{ProtocolVersion: ProtocolVersion, SessionID: sessionID, ServerTag: s.cfg.ServerTag}
	if err := wire.WriteFrame(conn, wire.MsgHello, 0, first.Header.ReqID, resp.Encode()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := wire.ReadFrame(conn, s.cfg.MaxPayload)
		if err != nil {
			if errors.Is(err, wire.ErrPayloadTooLarge) {
				s.writeError(conn, frame.Header.ReqID, cxerr.CodeBadRequest, "frame exceeds maximum payload size")
			}
			// EOF, reset, or any other transport error ends the connection;
			// any storage append already committed before the drop stays
			// committed (spec §5 "Cancellation and timeouts").
			return
		}

		respType, payload, err := s.dispatch(frame.Header.MsgType, frame.Header.Flags, frame.Payload)
		if err != nil {
			s.writeError(conn, frame.Header.ReqID, cxerr.CodeFor(err), err.Error())
			continue
		}
		if err := wire.WriteFrame(conn, respType, 0, frame.Header.ReqID, payload); err != nil {
			return
		}
	}
}

// dispatch is a closed switch over msg_type (spec §9 "Runtime polymorphism
// avoided"): each case decodes its request, invokes the matching Blob
// Store / Turn Store operation, and encodes the response. Validation and
// storage errors propagate to the caller, who reports them on an ERROR
// frame without disturbing the connection (spec §7 "Propagation policy").
func (s *Server) dispatch(msgType wire.MsgType, flags uint16, payload []byte) (wire.MsgType, []byte, error) {
	switch msgType {
	case wire.MsgCtxCreate:
		return s.handleCtxCreate(payload)
	case wire.MsgCtxFork:
		return s.handleCtxFork(payload)
	case wire.MsgGetHead:
		return s.handleGetHead(payload)
	case wire.MsgAppendTurn:
		return s.handleAppendTurn(payload, flags)
	case wire.MsgGetLast:
		return s.handleGetLast(payload)
	case wire.MsgGetBlob:
		return s.handleGetBlob(payload)
	case wire.MsgPutBlob:
		return s.handlePutBlob(payload)
	case wire.MsgAttachFS:
		return s.handleAttachFS(payload)
	case wire.MsgHello:
		return 0, nil, fmt.Errorf("%w: HELLO only valid as the first frame on a connection", cxerr.ErrBadRequest)
	default:
		return 0, nil, fmt.Errorf("%w: unknown message type %d", cxerr.ErrBadRequest, uint16(msgType))
	}
}

func (s *Server) writeError(w io.Writer, reqID uint64, code cxerr.Code, detail string) {
	payload := wire.ErrorPayload{Code: uint32(code), Detail: detail}.Encode()
	if err := wire.WriteFrame(w, wire.MsgError, 0, reqID, payload); err != nil {
		s.log.Debugw("server: failed to write error frame", "error", err)
	}
}

// Close releases the server's underlying stores. Callers own the
// blobstore.Store/turnstore.Store lifetimes and may call this instead of
// closing them individually.
func (s *Server) Close() error {
	err1 := s.turns.Close()
	err2 := s.blobs.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
