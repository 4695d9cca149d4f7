package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

func TestTCPConn_FrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client := NewTCPConn(a, Options{})
	server := NewTCPConn(b, Options{})

	frames := [][]byte{{0xfe, 1, 2, 3}, {0xfe}, bytes.Repeat([]byte{0xab}, 70000)}
	go func() {
		for _, f := range frames {
			if err := client.WriteFrame(f); err != nil {
				t.Errorf("WriteFrame failed: %v", err)
				return
			}
		}
	}()

	for i, want := range frames {
		got, err := server.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: ReadFrame failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: expected %d bytes, got %d", i, len(want), len(got))
		}
	}
}

func TestTCPConn_FrameTooLarge(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	server := NewTCPConn(b, Options{MaxFrameSize: 1024})
	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], 1<<20)
		a.Write(header[:])
	}()

	if _, err := server.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestTCPConn_WriteTimeoutClosesStalledPeer(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	// b never reads, so the unbuffered pipe blocks the first write
	conn := NewTCPConn(a, Options{WriteTimeout: 50 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- conn.WriteFrame([]byte{0xfe, 1, 2, 3}) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrWriteTimeout) {
			t.Errorf("Expected ErrWriteTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected WriteFrame to give up on a stalled peer")
	}

	if err := conn.WriteFrame([]byte{0xfe}); err == nil {
		t.Error("Expected writes after a timeout to fail on the closed connection")
	}
	if _, err := b.Read(make([]byte, 1)); err == nil {
		t.Error("Expected the peer to see the connection closed")
	}
}

func TestTCP_ListenAndDial(t *testing.T) {
	l, err := Listen(KindTCP, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	d, err := NewDialer(KindTCP, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := d.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	var sc Conn
	select {
	case sc = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for accept")
	}
	defer sc.Close()

	if err := c.WriteFrame([]byte{0xfe, 42}); err != nil {
		t.Fatal(err)
	}
	got, err := sc.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0xfe, 42}) {
		t.Errorf("Expected fe2a, got %x", got)
	}
}

func TestUnknownKind(t *testing.T) {
	if _, err := Listen("quic", "127.0.0.1:0", Options{}); err == nil {
		t.Error("Expected error for unknown transport")
	}
	if _, err := NewDialer("quic", Options{}); err == nil {
		t.Error("Expected error for unknown transport")
	}
}
