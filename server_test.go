package rcon

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func listenLoopback(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	server, err := NewServer(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
		append([]ServerOption{ServerLoggerOption(NopLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server
}

func TestNewServer_PortInUse(t *testing.T) {
	first := listenLoopback(t)
	defer first.Close()

	_, err := NewServer(first.Addr().(*net.TCPAddr))
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestServer_Close(t *testing.T) {
	server := listenLoopback(t)

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := server.listener.AcceptTCP(); err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_ServeHandsOffConnections(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()

	handled := make(chan struct{}, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, HandlerFunc(func(conn *net.TCPConn) {
			conn.Close()
			handled <- struct{}{}
		}))
	}()

	for i := 0; i < 3; i++ {
		c, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
		if err != nil {
			t.Fatalf("client %d dial failed: %v", i, err)
		}
		defer c.Close()
	}

	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for handler %d", i)
		}
	}

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_CloseBypassesShutdownTimeout(t *testing.T) {
	server := listenLoopback(t, ServerShutdownTimeoutOption(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, HandlerFunc(func(conn *net.TCPConn) { conn.Close() }))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	_ = server.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop Serve during shutdown timeout")
	}
}

func TestServer_ShutdownClosesActiveConnections(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()

	started := make(chan struct{})
	returned := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, HandlerFunc(func(conn *net.TCPConn) {
			defer close(returned)
			close(started)
			// Blocks until the server closes conn.
			_, _ = io.Copy(io.Discard, conn)
		}))
	}()

	client, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not started")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return with a connection open")
	}

	// Serve returns only after its handlers have.
	select {
	case <-returned:
	default:
		t.Error("Serve returned before the handler")
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("client read = %v, want io.EOF", err)
	}
}

func TestResponder_LogsConnectionLifecycle(t *testing.T) {
	logger := newRecordingLogger()
	responder := echoResponder()
	responder.Logger = logger

	addr := startServer(t, responder)
	c := dialTest(t, addr)

	if _, err := c.Exec(context.Background(), "status"); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if !logger.has("rcon client connected") {
		t.Error("connect was not logged")
	}

	_ = c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !logger.has("rcon client disconnected") {
		if time.Now().After(deadline) {
			t.Fatal("disconnect was not logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResponder_Fragment(t *testing.T) {
	r := &Responder{FragmentSize: 4}

	packets := r.fragment(9, "abcdefghij")
	want := []string{"abcd", "efgh", "ij"}
	if len(packets) != len(want) {
		t.Fatalf("got %d fragments, want %d", len(packets), len(want))
	}
	for i, p := range packets {
		if p.ID != 9 || p.Type != TypeResponseValue || p.Body != want[i] {
			t.Errorf("fragment %d = %+v, want body %q", i, p, want[i])
		}
	}

	empty := r.fragment(9, "")
	if len(empty) != 1 || empty[0].Body != "" {
		t.Errorf("fragment of empty output = %+v, want one empty packet", empty)
	}

	stripped := r.fragment(9, "a\x00b")
	if len(stripped) != 1 || stripped[0].Body != "ab" {
		t.Errorf("fragment with null = %+v, want body ab", stripped)
	}
}

func TestResponder_AuthExchange(t *testing.T) {
	addr := startServer(t, echoResponder())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	_ = writeAll(w,
		Packet{ID: 10, Type: TypeAuth, Body: testPassword},
		Packet{ID: 11, Type: TypeResponseValue},
	)
	if err := w.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	fr := newFrameReader(conn, defaultMaxPacketSize)
	want := []Packet{
		{ID: 10, Type: TypeResponseValue},
		{ID: 10, Type: TypeAuthResponse},
		{ID: 11, Type: TypeResponseValue},
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i, wp := range want {
		p, err := fr.readPacket()
		if err != nil {
			t.Fatalf("readPacket %d failed: %v", i, err)
		}
		if p != wp {
			t.Errorf("packet %d = %+v, want %+v", i, p, wp)
		}
	}
}
