// Package transport abstracts the connections the proxy reads frames from and
// writes frames to. Each frame is one outer batch packet.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind names a concrete transport
type Kind string

const (
	KindRakNet Kind = "raknet"
	KindTCP    Kind = "tcp"
)

var (
	// ErrFrameTooLarge is returned when a peer announces a frame over the limit
	ErrFrameTooLarge = errors.New("frame size exceeds maximum allowed")
	// ErrWriteTimeout is returned when a peer stops draining its connection.
	// The connection is closed when it is returned.
	ErrWriteTimeout = errors.New("frame write timed out")
)

// Options tunes stream transports. RakNet queues writes itself and ignores
// them.
type Options struct {
	MaxFrameSize int
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Conn is a connection carrying whole frames in order
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the connection closes
	ReadFrame() ([]byte, error)
	// WriteFrame sends one frame. It must not be called concurrently.
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Listener accepts client connections
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

// StatusListener is implemented by listeners that answer unconnected pings
type StatusListener interface {
	Listener
	SetStatus(pong []byte)
}

// Dialer opens backend connections
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// Pinger queries a backend's status without connecting
type Pinger interface {
	Ping(ctx context.Context, address string) ([]byte, error)
}

// Listen opens a listener of the given kind
func Listen(kind Kind, address string, opts Options) (Listener, error) {
	switch kind {
	case KindRakNet, "":
		l, err := ListenRakNet(address)
		if err != nil {
			return nil, err
		}
		return l, nil
	case KindTCP:
		l, err := ListenTCP(address, opts)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// NewDialer returns a dialer of the given kind
func NewDialer(kind Kind, opts Options) (Dialer, error) {
	switch kind {
	case KindRakNet, "":
		return RakNetDialer{}, nil
	case KindTCP:
		return TCPDialer{Options: opts}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
