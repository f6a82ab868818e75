package server

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/kvserve/kvserve/internal/snapshot"
	"github.com/kvserve/kvserve/internal/store"
)

// startServer brings up a full server on a loopback port and returns its
// address plus a shutdown func.
func startServer(t *testing.T, opts ...store.Option) (string, *store.Store, func()) {
	t.Helper()
	st := store.New(opts...)
	addr, stop := startServerWith(t, st)
	return addr, st, stop
}

func startServerWith(t *testing.T, st *store.Store) (string, func()) {
	t.Helper()
	srv := NewServer(WithListenAddr("127.0.0.1:0"), WithStore(st))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("Serve: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	stop := func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shCancel()
		_ = srv.Shutdown(shCtx)
	}
	return srv.Addr(), stop
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, data string) {
	t.Helper()
	if _, err := conn.Write([]byte(data)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads exactly len(want) bytes and compares.
func expect(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read (want %q): %v", want, err)
	}
	if string(buf) != want {
		t.Fatalf("got %q, want %q", buf, want)
	}
}

func TestSmoke_Ping(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	conn := dial(t, addr)
	send(t, conn, "*1\r\n$4\r\nPING\r\n")
	expect(t, conn, "+PONG\r\n")
}

func TestSmoke_SetGet(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	conn := dial(t, addr)
	send(t, conn, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	expect(t, conn, "+OK\r\n")
	send(t, conn, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	expect(t, conn, "$3\r\nbar\r\n")
}

func TestSmoke_GetMiss(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	conn := dial(t, addr)
	send(t, conn, "*2\r\n$3\r\nGET\r\n$6\r\nabsent\r\n")
	expect(t, conn, "$-1\r\n")
}

func TestSmoke_SetWithTTLExpires(t *testing.T) {
	addr, st, stop := startServer(t)
	defer stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.Start(ctx)
	conn := dial(t, addr)
	send(t, conn, "*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nEX\r\n$1\r\n1\r\n")
	expect(t, conn, "+OK\r\n")
	send(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	expect(t, conn, "$1\r\nv\r\n")
	time.Sleep(1500 * time.Millisecond)
	send(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	expect(t, conn, "$-1\r\n")
}

func TestSmoke_Del(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	conn := dial(t, addr)
	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	expect(t, conn, "+OK\r\n")
	send(t, conn, "*2\r\n$3\r\nDEL\r\n$1\r\nk\r\n")
	expect(t, conn, ":1\r\n")
	send(t, conn, "*2\r\n$3\r\nDEL\r\n$1\r\nk\r\n")
	expect(t, conn, ":0\r\n")
	send(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	expect(t, conn, "$-1\r\n")
}

func TestSmoke_PubSub(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	sub := dial(t, addr)
	send(t, sub, "*2\r\n$9\r\nSUBSCRIBE\r\n$4\r\nnews\r\n")
	expect(t, sub, "*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n")

	pub := dial(t, addr)
	send(t, pub, "*3\r\n$7\r\nPUBLISH\r\n$4\r\nnews\r\n$2\r\nhi\r\n")
	expect(t, pub, ":1\r\n")
	expect(t, sub, "*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$2\r\nhi\r\n")
}

func TestSmoke_PublishWithoutSubscribers(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	conn := dial(t, addr)
	send(t, conn, "*3\r\n$7\r\nPUBLISH\r\n$5\r\nempty\r\n$1\r\nx\r\n")
	expect(t, conn, ":0\r\n")
}

func TestSmoke_TwoSubscribersBothReceive(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	subA := dial(t, addr)
	subB := dial(t, addr)
	send(t, subA, "*2\r\n$9\r\nSUBSCRIBE\r\n$2\r\nch\r\n")
	expect(t, subA, "*3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n")
	send(t, subB, "*2\r\n$9\r\nSUBSCRIBE\r\n$2\r\nch\r\n")
	expect(t, subB, "*3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n")

	pub := dial(t, addr)
	send(t, pub, "*3\r\n$7\r\nPUBLISH\r\n$2\r\nch\r\n$1\r\nm\r\n")
	expect(t, pub, ":2\r\n")
	expect(t, subA, "*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$1\r\nm\r\n")
	expect(t, subB, "*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$1\r\nm\r\n")
}

func TestSmoke_SubscriberInputTerminatesConnection(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	sub := dial(t, addr)
	send(t, sub, "*2\r\n$9\r\nSUBSCRIBE\r\n$2\r\nch\r\n")
	expect(t, sub, "*3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n")
	// Any further client bytes end the session. Depending on how much
	// of them the server consumed before closing, the client observes
	// EOF or a reset; either way the connection is dead.
	send(t, sub, "*1\r\n$4\r\nPING\r\n")
	_ = sub.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := sub.Read(make([]byte, 1)); err == nil {
		t.Fatal("connection still alive after input in subscribed mode")
	}
}

func TestSmoke_GarbageClosesConnection(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	conn := dial(t, addr)
	send(t, conn, "X\r\n")
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("read after garbage = %v, want EOF", err)
	}
}

func TestSmoke_CommandErrorKeepsConnectionOpen(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	conn := dial(t, addr)
	send(t, conn, "*1\r\n$7\r\nNOSUCHX\r\n")
	expect(t, conn, "-ERR invalid command: unknown command 'NOSUCHX'\r\n")
	send(t, conn, "*1\r\n$4\r\nPING\r\n")
	expect(t, conn, "+PONG\r\n")
}

func TestSmoke_PipelinedCommands(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()
	conn := dial(t, addr)
	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n*2\r\n$3\r\nGET\r\n$1\r\na\r\n")
	expect(t, conn, "+OK\r\n$1\r\n1\r\n")
}

func TestSmoke_SaveAndReload(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "dump.rdb")
	addr, _, stop := startServer(t, store.WithDumpPath(dump))
	conn := dial(t, addr)
	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n")
	expect(t, conn, "+OK\r\n")
	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\nb\r\n$1\r\n2\r\n")
	expect(t, conn, "+OK\r\n")
	send(t, conn, "*1\r\n$4\r\nSAVE\r\n")
	expect(t, conn, "+OK\r\n")
	_ = conn.Close()
	stop()

	// "Restart": a fresh store loads the snapshot from disk, the way
	// cmd/kvserve does at boot.
	entries, err := snapshot.Read(dump)
	if err != nil {
		t.Fatalf("snapshot.Read: %v", err)
	}
	restored := store.New(store.WithDumpPath(dump))
	restored.Load(entries)
	addr2, stop2 := startServerWith(t, restored)
	defer stop2()
	conn2 := dial(t, addr2)
	send(t, conn2, "*2\r\n$3\r\nGET\r\n$1\r\na\r\n")
	expect(t, conn2, "$1\r\n1\r\n")
	send(t, conn2, "*2\r\n$3\r\nGET\r\n$1\r\nb\r\n")
	expect(t, conn2, "$1\r\n2\r\n")
}
