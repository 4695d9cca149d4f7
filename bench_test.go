package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/SkynetNext/bedrock-proxy/internal/batch"
	"github.com/SkynetNext/bedrock-proxy/internal/transport"
)

// BenchmarkTCPRelay measures one encoded batch crossing a TCP transport
// and being decoded on the other side
func BenchmarkTCPRelay(b *testing.B) {
	opts := transport.Options{MaxFrameSize: 4 * 1024 * 1024}

	listener, err := transport.Listen(transport.KindTCP, "127.0.0.1:0", opts)
	if err != nil {
		b.Fatal(err)
	}
	defer listener.Close()

	accepted := make(chan transport.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	dialer, _ := transport.NewDialer(transport.KindTCP, opts)
	client, err := dialer.Dial(context.Background(), listener.Addr().String())
	if err != nil {
		b.Fatal(err)
	}
	defer client.Close()
	server := <-accepted
	defer server.Close()

	enc, err := batch.NewEncoder(7)
	if err != nil {
		b.Fatal(err)
	}
	dec := batch.NewDecoder(8 * 1024 * 1024)
	packets := make([][]byte, 16)
	for i := range packets {
		packets[i] = append([]byte{0x12}, bytes.Repeat([]byte{byte(i)}, 64)...)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		frame, err := enc.Encode(packets)
		if err != nil {
			b.Fatal(err)
		}
		if err := client.WriteFrame(frame); err != nil {
			b.Fatal(err)
		}
		got, err := server.ReadFrame()
		if err != nil {
			b.Fatal(err)
		}
		if _, err := dec.Decode(got); err != nil {
			b.Fatal(err)
		}
	}
}
