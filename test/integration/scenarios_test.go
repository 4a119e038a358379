package integration

import (
	"bytes"
	"os"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/cxdb/internal/blake3hash"
	"github.com/dreamware/cxdb/internal/wire"
)

func appendTurn(t *testing.T, c *testClient, contextID, parentID uint64, typeID string, version uint32, payload []byte, idemKey string) wire.AppendTurnResponse {
	t.Helper()
	req := wire.AppendTurnRequest{
		ContextID:       contextID,
		ParentTurnID:    parentID,
		TypeID:          typeID,
		TypeVersion:     version,
		UncompressedLen: uint32(len(payload)),
		ContentHash:     blake3hash.Sum(payload),
		Payload:         payload,
		IdempotencyKey:  idemKey,
	}
	frame, err := c.call(wire.MsgAppendTurn, req.Flags(), req.Encode())
	if err != nil {
		t.Fatalf("APPEND_TURN: %v", err)
	}
	requireOK(t, frame, wire.MsgAppendTurn)
	resp, err := wire.DecodeAppendTurnResponse(frame.Payload)
	if err != nil {
		t.Fatalf("decode APPEND_TURN response: %v", err)
	}
	return resp
}

func mustPack(t *testing.T, v any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatalf("msgpack marshal: %v", err)
	}
	return b
}

// TestS1EmptyContextTwoAppends is spec §8 scenario S1.
func TestS1EmptyContextTwoAppends(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTestClient(t, addr)
	defer c.close()

	createReq := wire.CtxCreateRequest{BaseTurnID: 0}
	frame, err := c.call(wire.MsgCtxCreate, 0, createReq.Encode())
	if err != nil {
		t.Fatalf("CTX_CREATE: %v", err)
	}
	requireOK(t, frame, wire.MsgCtxCreate)
	ctxResp, err := wire.DecodeCtxCreateResponse(frame.Payload)
	if err != nil {
		t.Fatalf("decode CTX_CREATE: %v", err)
	}
	if ctxResp.ContextID != 1 || ctxResp.HeadTurn != 0 || ctxResp.HeadDepth != 0 {
		t.Fatalf("unexpected CTX_CREATE response: %+v", ctxResp)
	}

	msg1 := mustPack(t, map[int]string{1: "user", 2: "hi"})
	a1 := appendTurn(t, c, ctxResp.ContextID, 0, "com.example.Message", 1, msg1, "")
	if a1.NewTurnID != 1 || a1.NewDepth != 1 {
		t.Fatalf("unexpected first append: %+v", a1)
	}

	msg2 := mustPack(t, map[int]string{1: "assistant", 2: "hello"})
	a2 := appendTurn(t, c, ctxResp.ContextID, 0, "com.example.Message", 1, msg2, "")
	if a2.NewTurnID != 2 || a2.NewDepth != 2 {
		t.Fatalf("unexpected second append: %+v", a2)
	}

	lastReq := wire.GetLastRequest{ContextID: ctxResp.ContextID, Limit: 10, IncludePayload: true}
	frame, err = c.call(wire.MsgGetLast, 0, lastReq.Encode())
	if err != nil {
		t.Fatalf("GET_LAST: %v", err)
	}
	requireOK(t, frame, wire.MsgGetLast)
	last, err := wire.DecodeGetLastResponse(frame.Payload)
	if err != nil {
		t.Fatalf("decode GET_LAST: %v", err)
	}
	if len(last.Turns) != 2 {
		t.Fatalf("want 2 turns, got %d", len(last.Turns))
	}
	if last.Turns[0].TurnID != 1 || last.Turns[0].Depth != 1 {
		t.Fatalf("chronological order violated: first=%+v", last.Turns[0])
	}
	if last.Turns[1].TurnID != 2 || last.Turns[1].Depth != 2 {
		t.Fatalf("chronological order violated: second=%+v", last.Turns[1])
	}
	if !bytes.Equal(last.Turns[0].Payload, msg1) {
		t.Fatalf("payload mismatch for turn 1")
	}
}

// TestS2Deduplication is spec §8 scenario S2.
func TestS2Deduplication(t *testing.T) {
	addr, dir := startTestServer(t)
	c := dialTestClient(t, addr)
	defer c.close()

	payload := bytes.Repeat([]byte("x"), 1024)
	h := blake3hash.Sum(payload)

	putReq := wire.PutBlobRequest{ContentHash: h, RawBytes: payload}
	frame, err := c.call(wire.MsgPutBlob, 0, putReq.Encode())
	if err != nil {
		t.Fatalf("PUT_BLOB 1: %v", err)
	}
	requireOK(t, frame, wire.MsgPutBlob)
	resp1, err := wire.DecodePutBlobResponse(frame.Payload)
	if err != nil {
		t.Fatalf("decode PUT_BLOB 1: %v", err)
	}
	if !resp1.WasNew {
		t.Fatalf("first PUT_BLOB should be new")
	}
	sizeAfterFirst, err := fileSize(dir + "/blobs/blobs.pack")
	if err != nil {
		t.Fatalf("stat pack: %v", err)
	}

	frame, err = c.call(wire.MsgPutBlob, 0, putReq.Encode())
	if err != nil {
		t.Fatalf("PUT_BLOB 2: %v", err)
	}
	requireOK(t, frame, wire.MsgPutBlob)
	resp2, err := wire.DecodePutBlobResponse(frame.Payload)
	if err != nil {
		t.Fatalf("decode PUT_BLOB 2: %v", err)
	}
	if resp2.WasNew {
		t.Fatalf("second PUT_BLOB should be deduplicated")
	}

	sizeAfterSecond, err := fileSize(dir + "/blobs/blobs.pack")
	if err != nil {
		t.Fatalf("stat pack: %v", err)
	}
	if sizeAfterFirst != sizeAfterSecond {
		t.Fatalf("pack grew on dedup: %d -> %d", sizeAfterFirst, sizeAfterSecond)
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// TestS3HashMismatch is spec §8 scenario S3.
func TestS3HashMismatch(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTestClient(t, addr)
	defer c.close()

	var zero blake3hash.Hash
	putReq := wire.PutBlobRequest{ContentHash: zero, RawBytes: []byte("hello")}
	frame, err := c.call(wire.MsgPutBlob, 0, putReq.Encode())
	if err != nil {
		t.Fatalf("PUT_BLOB: %v", err)
	}
	requireError(t, frame, 409)

	getReq := wire.GetBlobRequest{ContentHash: zero}
	frame, err = c.call(wire.MsgGetBlob, 0, getReq.Encode())
	if err != nil {
		t.Fatalf("GET_BLOB: %v", err)
	}
	requireError(t, frame, 404)
}

// TestS4Fork is spec §8 scenario S4.
func TestS4Fork(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTestClient(t, addr)
	defer c.close()

	createReq := wire.CtxCreateRequest{BaseTurnID: 0}
	frame, _ := c.call(wire.MsgCtxCreate, 0, createReq.Encode())
	requireOK(t, frame, wire.MsgCtxCreate)
	ctx1, _ := wire.DecodeCtxCreateResponse(frame.Payload)

	appendTurn(t, c, ctx1.ContextID, 0, "com.example.Message", 1, mustPack(t, "m1"), "")
	appendTurn(t, c, ctx1.ContextID, 0, "com.example.Message", 1, mustPack(t, "m2"), "")

	forkReq := wire.CtxCreateRequest{BaseTurnID: 1}
	frame, err := c.call(wire.MsgCtxFork, 0, forkReq.Encode())
	if err != nil {
		t.Fatalf("CTX_FORK: %v", err)
	}
	requireOK(t, frame, wire.MsgCtxFork)
	ctx2, err := wire.DecodeCtxCreateResponse(frame.Payload)
	if err != nil {
		t.Fatalf("decode CTX_FORK: %v", err)
	}
	if ctx2.HeadTurn != 1 || ctx2.HeadDepth != 1 {
		t.Fatalf("unexpected fork head: %+v", ctx2)
	}

	a3 := appendTurn(t, c, ctx2.ContextID, 0, "com.example.Message", 1, mustPack(t, "m3"), "")
	if a3.NewTurnID != 3 || a3.NewDepth != 2 {
		t.Fatalf("unexpected forked append: %+v", a3)
	}

	lastReq := wire.GetLastRequest{ContextID: ctx2.ContextID, Limit: 10}
	frame, _ = c.call(wire.MsgGetLast, 0, lastReq.Encode())
	requireOK(t, frame, wire.MsgGetLast)
	last2, _ := wire.DecodeGetLastResponse(frame.Payload)
	if len(last2.Turns) != 2 || last2.Turns[0].TurnID != 1 || last2.Turns[1].TurnID != 3 {
		t.Fatalf("unexpected forked context history: %+v", last2.Turns)
	}

	lastReq1 := wire.GetLastRequest{ContextID: ctx1.ContextID, Limit: 10}
	frame, _ = c.call(wire.MsgGetLast, 0, lastReq1.Encode())
	requireOK(t, frame, wire.MsgGetLast)
	last1, _ := wire.DecodeGetLastResponse(frame.Payload)
	if len(last1.Turns) != 2 || last1.Turns[0].TurnID != 1 || last1.Turns[1].TurnID != 2 {
		t.Fatalf("original context history changed: %+v", last1.Turns)
	}
}

// TestS5IdempotentRetry is spec §8 scenario S5.
func TestS5IdempotentRetry(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialTestClient(t, addr)
	defer c.close()

	createReq := wire.CtxCreateRequest{BaseTurnID: 0}
	frame, _ := c.call(wire.MsgCtxCreate, 0, createReq.Encode())
	requireOK(t, frame, wire.MsgCtxCreate)
	ctx, _ := wire.DecodeCtxCreateResponse(frame.Payload)

	payload := mustPack(t, "retry-me")
	first := appendTurn(t, c, ctx.ContextID, 0, "com.example.Message", 1, payload, "k1")
	second := appendTurn(t, c, ctx.ContextID, 0, "com.example.Message", 1, payload, "k1")

	if first.NewTurnID != second.NewTurnID {
		t.Fatalf("idempotent retry produced different turn ids: %d vs %d", first.NewTurnID, second.NewTurnID)
	}

	lastReq := wire.GetLastRequest{ContextID: ctx.ContextID, Limit: 10}
	frame, _ = c.call(wire.MsgGetLast, 0, lastReq.Encode())
	requireOK(t, frame, wire.MsgGetLast)
	last, _ := wire.DecodeGetLastResponse(frame.Payload)
	if len(last.Turns) != 1 {
		t.Fatalf("idempotent retry created a duplicate turn: %+v", last.Turns)
	}
}

// TestS6RecoveryAfterTornWrite is spec §8 scenario S6.
func TestS6RecoveryAfterTornWrite(t *testing.T) {
	dir := t.TempDir()
	addr, stop := openServer(t, dir)
	c := dialTestClient(t, addr)

	createReq := wire.CtxCreateRequest{BaseTurnID: 0}
	frame, _ := c.call(wire.MsgCtxCreate, 0, createReq.Encode())
	requireOK(t, frame, wire.MsgCtxCreate)
	ctx, _ := wire.DecodeCtxCreateResponse(frame.Payload)

	const n = 100
	var lastDepth uint32
	for i := 0; i < n; i++ {
		a := appendTurn(t, c, ctx.ContextID, 0, "com.example.Message", 1, mustPack(t, i), "")
		lastDepth = a.NewDepth
	}

	c.close()
	stop()

	logPath := dir + "/turns/turns.log"
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat turns.log: %v", err)
	}
	// Truncate mid-last-record: drop the final record's closing bytes so
	// its CRC check fails on recovery, per spec §8 scenario S6.
	if err := os.Truncate(logPath, info.Size()-10); err != nil {
		t.Fatalf("truncate turns.log: %v", err)
	}

	addr2, _ := openServer(t, dir)
	c2 := dialTestClient(t, addr2)
	defer c2.close()

	headReq := wire.GetHeadRequest{ContextID: ctx.ContextID}
	frame, err = c2.call(wire.MsgGetHead, 0, headReq.Encode())
	if err != nil {
		t.Fatalf("GET_HEAD: %v", err)
	}
	requireOK(t, frame, wire.MsgGetHead)
	head, _ := wire.DecodeCtxCreateResponse(frame.Payload)
	if head.HeadTurn != n-1 {
		t.Fatalf("recovery didn't truncate to n-1: head_turn=%d", head.HeadTurn)
	}

	next := appendTurn(t, c2, ctx.ContextID, 0, "com.example.Message", 1, mustPack(t, "after-recovery"), "")
	if next.NewTurnID != n {
		t.Fatalf("next turn_id after recovery: got %d, want %d", next.NewTurnID, n)
	}
	if next.NewDepth != lastDepth {
		// the new turn's depth equals the depth the torn turn n had, since
		// both are one hop past turn n-1 (the new surviving head).
		t.Fatalf("unexpected depth after recovery: got %d, want %d", next.NewDepth, lastDepth)
	}
}
