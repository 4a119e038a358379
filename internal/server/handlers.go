package server

import (
	"fmt"

	"github.com/dreamware/cxdb/internal/blake3hash"
	"github.com/dreamware/cxdb/internal/blobstore"
	"github.com/dreamware/cxdb/internal/cxerr"
	"github.com/dreamware/cxdb/internal/turnstore"
	"github.com/dreamware/cxdb/internal/wire"
)

func (s *Server) handleCtxCreate(payload []byte) (wire.MsgType, []byte, error) {
	req, err := wire.DecodeCtxCreateRequest(payload)
	if err != nil {
		return 0, nil, err
	}
	ctx, err := s.turns.CreateContext(req.BaseTurnID)
	if err != nil {
		return 0, nil, err
	}
	resp := wire.CtxCreateResponse{ContextID: ctx.ContextID, HeadTurn: ctx.HeadTurn, HeadDepth: ctx.HeadDepth}
	return wire.MsgCtxCreate, resp.Encode(), nil
}

// handleCtxFork is the same operation as CTX_CREATE (spec §6 "CTX_FORK ...
// as CTX_CREATE"), with the spec's own constraint that base_turn_id is
// nonzero enforced here rather than in the Turn Store, whose CreateContext
// accepts either (0 creates an empty context).
func (s *Server) handleCtxFork(payload []byte) (wire.MsgType, []byte, error) {
	req, err := wire.DecodeCtxCreateRequest(payload)
	if err != nil {
		return 0, nil, err
	}
	if req.BaseTurnID == 0 {
		return 0, nil, fmt.Errorf("%w: CTX_FORK requires a nonzero base_turn_id", cxerr.ErrBadRequest)
	}
	ctx, err := s.turns.CreateContext(req.BaseTurnID)
	if err != nil {
		return 0, nil, err
	}
	resp := wire.CtxCreateResponse{ContextID: ctx.ContextID, HeadTurn: ctx.HeadTurn, HeadDepth: ctx.HeadDepth}
	return wire.MsgCtxFork, resp.Encode(), nil
}

func (s *Server) handleGetHead(payload []byte) (wire.MsgType, []byte, error) {
	req, err := wire.DecodeGetHeadRequest(payload)
	if err != nil {
		return 0, nil, err
	}
	headTurn, headDepth, err := s.turns.GetHead(req.ContextID)
	if err != nil {
		return 0, nil, err
	}
	resp := wire.GetHeadResponse{ContextID: req.ContextID, HeadTurn: headTurn, HeadDepth: headDepth}
	return wire.MsgGetHead, resp.Encode(), nil
}

func (s *Server) handleAppendTurn(payload []byte, flags uint16) (wire.MsgType, []byte, error) {
	req, err := wire.DecodeAppendTurnRequest(payload, flags)
	if err != nil {
		return 0, nil, err
	}
	if !blake3hash.Verify(req.ContentHash, req.Payload) {
		return 0, nil, fmt.Errorf("%w: payload does not hash to declared content_hash", cxerr.ErrConflict)
	}

	if _, err := s.blobs.Put(req.ContentHash, req.Payload); err != nil {
		return 0, nil, err
	}

	turn, err := s.turns.AppendTurn(req.ContextID, turnstore.AppendParams{
		ParentTurnID:    req.ParentTurnID,
		PayloadHash:     req.ContentHash,
		DeclaredTypeID:  req.TypeID,
		TypeVersion:     req.TypeVersion,
		Encoding:        req.Encoding,
		Compression:     req.Compression,
		UncompressedLen: req.UncompressedLen,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		return 0, nil, err
	}

	if req.HasFsRoot {
		if err := s.turns.AttachFS(turn.TurnID, req.FsRootHash); err != nil {
			return 0, nil, err
		}
	}

	resp := wire.AppendTurnResponse{
		ContextID:   req.ContextID,
		NewTurnID:   turn.TurnID,
		NewDepth:    turn.Depth,
		ContentHash: req.ContentHash,
	}
	return wire.MsgAppendTurn, resp.Encode(), nil
}

func (s *Server) handleGetLast(payload []byte) (wire.MsgType, []byte, error) {
	req, err := wire.DecodeGetLastRequest(payload)
	if err != nil {
		return 0, nil, err
	}
	turns, err := s.turns.GetLast(req.ContextID, req.Limit, req.IncludePayload)
	if err != nil {
		return 0, nil, err
	}

	items := make([]wire.TurnItem, len(turns))
	for i, t := range turns {
		items[i] = wire.TurnItem{
			TurnID:          t.TurnID,
			ParentTurnID:    t.ParentTurnID,
			Depth:           t.Depth,
			TypeID:          t.DeclaredTypeID,
			TypeVersion:     t.DeclaredTypeVersion,
			Encoding:        t.Encoding,
			Compression:     t.Compression,
			UncompressedLen: t.UncompressedLen,
			PayloadHash:     t.PayloadHash,
			Payload:         t.Payload,
		}
	}
	resp := wire.GetLastResponse{Turns: items}
	return wire.MsgGetLast, resp.Encode(), nil
}

func (s *Server) handleGetBlob(payload []byte) (wire.MsgType, []byte, error) {
	req, err := wire.DecodeGetBlobRequest(payload)
	if err != nil {
		return 0, nil, err
	}
	data, err := s.blobs.Get(req.ContentHash)
	if err != nil {
		return 0, nil, err
	}
	resp := wire.GetBlobResponse{RawBytes: data}
	return wire.MsgGetBlob, resp.Encode(), nil
}

func (s *Server) handlePutBlob(payload []byte) (wire.MsgType, []byte, error) {
	req, err := wire.DecodePutBlobRequest(payload)
	if err != nil {
		return 0, nil, err
	}
	result, err := s.blobs.Put(req.ContentHash, req.RawBytes)
	if err != nil {
		return 0, nil, err
	}
	resp := wire.PutBlobResponse{ContentHash: req.ContentHash, WasNew: result == blobstore.Stored}
	return wire.MsgPutBlob, resp.Encode(), nil
}

func (s *Server) handleAttachFS(payload []byte) (wire.MsgType, []byte, error) {
	req, err := wire.DecodeAttachFSRequest(payload)
	if err != nil {
		return 0, nil, err
	}
	if err := s.turns.AttachFS(req.TurnID, req.FsRootHash); err != nil {
		return 0, nil, err
	}
	resp := wire.AttachFSResponse{TurnID: req.TurnID, FsRootHash: req.FsRootHash}
	return wire.MsgAttachFS, wire.EncodeAttachFSResponse(resp), nil
}
