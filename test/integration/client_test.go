// Package integration drives a real internal/server listener over loopback
// TCP with a minimal test client, exercising the wire protocol end to end
// (spec §8 testable properties, scenarios S1-S6).
//
// Grounded on the teacher's test/integration package (distributed_storage_test.go):
// same "spin up the real thing on loopback, drive it as a black box" shape,
// adapted from spawning coordinator/node subprocesses over HTTP to dialing
// an in-process TCP listener with the binary frame protocol.
package integration

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/cxdb/internal/wire"
)

// testClient is a thread-safe request/response multiplexer over one TCP
// connection (spec §8 property 9 "request multiplexing"): a single reader
// goroutine demultiplexes responses by req_id into per-request channels, so
// concurrent callers can share a connection safely.
type testClient struct {
	conn net.Conn

	mu      sync.Mutex
	pending map[uint64]chan wire.Frame
	nextReq uint64
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{conn: conn, pending: make(map[uint64]chan wire.Frame)}
	go c.readLoop()

	hello := wire.HelloRequest{ProtocolVersion: 1, ClientTag: "integration-test"}
	resp, err := c.call(wire.MsgHello, 0, hello.Encode())
	if err != nil {
		t.Fatalf("HELLO: %v", err)
	}
	if resp.Header.MsgType != wire.MsgHello {
		t.Fatalf("HELLO: unexpected response type %v", resp.Header.MsgType)
	}
	return c
}

func (c *testClient) readLoop() {
	for {
		frame, err := wire.ReadFrame(c.conn, 0)
		if err != nil {
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = map[uint64]chan wire.Frame{}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.Header.ReqID]
		if ok {
			delete(c.pending, frame.Header.ReqID)
		}
		c.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

// call sends one request and blocks for its matching response, by req_id,
// regardless of what order the server emits responses in.
func (c *testClient) call(msgType wire.MsgType, flags uint16, payload []byte) (wire.Frame, error) {
	c.mu.Lock()
	reqID := c.nextReq
	c.nextReq++
	ch := make(chan wire.Frame, 1)
	c.pending[reqID] = ch
	c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, msgType, flags, reqID, payload); err != nil {
		return wire.Frame{}, err
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return wire.Frame{}, fmt.Errorf("connection closed waiting for req %d", reqID)
		}
		return frame, nil
	case <-time.After(5 * time.Second):
		return wire.Frame{}, fmt.Errorf("timeout waiting for req %d", reqID)
	}
}

func (c *testClient) close() { c.conn.Close() }

func requireOK(t *testing.T, frame wire.Frame, want wire.MsgType) {
	t.Helper()
	if frame.Header.MsgType == wire.MsgError {
		e, _ := wire.DecodeErrorPayload(frame.Payload)
		t.Fatalf("server returned ERROR %d: %s", e.Code, e.Detail)
	}
	if frame.Header.MsgType != want {
		t.Fatalf("unexpected response type: got %v, want %v", frame.Header.MsgType, want)
	}
}

func requireError(t *testing.T, frame wire.Frame, wantCode uint32) wire.ErrorPayload {
	t.Helper()
	if frame.Header.MsgType != wire.MsgError {
		t.Fatalf("expected ERROR frame, got %v", frame.Header.MsgType)
	}
	e, err := wire.DecodeErrorPayload(frame.Payload)
	if err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if e.Code != wantCode {
		t.Fatalf("unexpected error code: got %d, want %d (%s)", e.Code, wantCode, e.Detail)
	}
	return e
}
