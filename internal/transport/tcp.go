package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// tcpHeaderSize is the big-endian length prefix in front of each frame
	tcpHeaderSize = 4

	// DefaultMaxFrameSize bounds frames read from TCP peers
	DefaultMaxFrameSize = 4 << 20

	// DefaultWriteTimeout bounds how long one frame may take to write
	DefaultWriteTimeout = 10 * time.Second
)

// tcpConn carries length-prefixed frames over a stream
type tcpConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	maxSize      int
	writeTimeout time.Duration

	writeMu sync.Mutex
	header  [tcpHeaderSize]byte
}

// NewTCPConn wraps a stream connection
func NewTCPConn(conn net.Conn, opts Options) Conn {
	opts = opts.withDefaults()
	return &tcpConn{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 16*1024),
		maxSize:      opts.MaxFrameSize,
		writeTimeout: opts.WriteTimeout,
	}
}

func (c *tcpConn) ReadFrame() ([]byte, error) {
	var header [tcpHeaderSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if int64(n) > int64(c.maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, n, c.maxSize)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.reader, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *tcpConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(c.header[:], uint32(len(frame)))
	bufs := net.Buffers{c.header[:], frame}
	_, err := bufs.WriteTo(c.conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// A partial frame leaves the stream unusable
			c.conn.Close()
			return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
		}
	}
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// TCPListener accepts length-prefixed TCP clients
type TCPListener struct {
	l    net.Listener
	opts Options
}

// ListenTCP starts listening for TCP connections on address
func ListenTCP(address string, opts Options) (*TCPListener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to start TCP listener: %w", err)
	}
	return &TCPListener{l: l, opts: opts}, nil
}

func (l *TCPListener) Accept() (Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return NewTCPConn(c, l.opts), nil
}

func (l *TCPListener) Close() error {
	return l.l.Close()
}

func (l *TCPListener) Addr() net.Addr {
	return l.l.Addr()
}

// TCPDialer dials TCP backends
type TCPDialer struct {
	Options Options
}

func (d TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewTCPConn(c, d.Options), nil
}
