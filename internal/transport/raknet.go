package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/sandertv/go-raknet"
)

// rakConn adapts a RakNet connection. RakNet already delivers whole
// datagram-reassembled packets, so a frame is one packet.
type rakConn struct {
	conn *raknet.Conn
}

func (c *rakConn) ReadFrame() ([]byte, error) {
	return c.conn.ReadPacket()
}

func (c *rakConn) WriteFrame(frame []byte) error {
	_, err := c.conn.Write(frame)
	return err
}

func (c *rakConn) Close() error {
	return c.conn.Close()
}

func (c *rakConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// RakNetListener accepts RakNet clients and answers status pings
type RakNetListener struct {
	l *raknet.Listener
}

// ListenRakNet starts listening for RakNet connections on address
func ListenRakNet(address string) (*RakNetListener, error) {
	l, err := raknet.Listen(address)
	if err != nil {
		return nil, fmt.Errorf("failed to start RakNet listener: %w", err)
	}
	return &RakNetListener{l: l}, nil
}

func (l *RakNetListener) Accept() (Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return &rakConn{conn: c.(*raknet.Conn)}, nil
}

func (l *RakNetListener) Close() error {
	return l.l.Close()
}

func (l *RakNetListener) Addr() net.Addr {
	return l.l.Addr()
}

// SetStatus sets the data returned to unconnected pings
func (l *RakNetListener) SetStatus(pong []byte) {
	l.l.PongData(pong)
}

// RakNetDialer dials RakNet backends
type RakNetDialer struct{}

func (RakNetDialer) Dial(ctx context.Context, address string) (Conn, error) {
	c, err := raknet.Dialer{}.DialContext(ctx, address)
	if err != nil {
		return nil, err
	}
	return &rakConn{conn: c}, nil
}

func (RakNetDialer) Ping(ctx context.Context, address string) ([]byte, error) {
	return raknet.Dialer{}.PingContext(ctx, address)
}
