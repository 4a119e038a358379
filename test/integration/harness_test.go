package integration

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/dreamware/cxdb/internal/blobstore"
	"github.com/dreamware/cxdb/internal/server"
	"github.com/dreamware/cxdb/internal/turnstore"
)

// startTestServer opens fresh blob/turn stores under t.TempDir() and serves
// the binary protocol on an ephemeral loopback port, returning its address
// and the data directory (so a test can later simulate a restart over it).
func startTestServer(t *testing.T) (addr, dir string) {
	t.Helper()
	dir = t.TempDir()
	addr, _ = openServer(t, dir)
	return addr, dir
}

// openServer opens (or reopens) blob/turn stores rooted at dir and serves
// on a fresh ephemeral loopback port. Calling it twice against the same dir
// simulates a process restart, running crash recovery each time (spec §8
// scenario S6). The returned stop func is idempotent and also registered
// with t.Cleanup, so tests that need to stop a server mid-test (to corrupt
// its files before reopening) may call stop() early.
func openServer(t *testing.T, dir string) (addr string, stop func()) {
	t.Helper()

	blobs, err := blobstore.Open(dir+"/blobs", 3, nil)
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	turns, err := turnstore.Open(dir+"/turns", blobs, nil)
	if err != nil {
		t.Fatalf("turnstore.Open: %v", err)
	}

	srv := server.New(blobs, turns, server.Config{ServerTag: "cxdb-test"}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
			turns.Close()
			blobs.Close()
		})
	}
	t.Cleanup(stop)

	return ln.Addr().String(), stop
}
