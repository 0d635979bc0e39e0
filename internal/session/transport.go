package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Conn is the transport contract a session drives: ordered byte delivery
// in, best-effort writes out. Recv's channel closes when the connection
// drops, which the session translates into a tcp_connection fails event.
type Conn interface {
	Send(b []byte) error
	Recv() <-chan []byte
	Close() error
	RemoteAddr() string
}

// Dialer initiates outbound transport connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// TCPDialer is the production transport.
type TCPDialer struct {
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPConn(nc), nil
}

type tcpConn struct {
	nc   net.Conn
	in   chan []byte
	once sync.Once
}

// NewTCPConn wraps an established TCP connection, pumping reads into the
// Recv channel until the socket closes.
func NewTCPConn(nc net.Conn) Conn {
	c := &tcpConn{nc: nc, in: make(chan []byte, 16)}
	go c.readLoop()
	return c
}

func (c *tcpConn) readLoop() {
	defer close(c.in)
	buf := make([]byte, 65536)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.in <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

func (c *tcpConn) Send(b []byte) error {
	_, err := c.nc.Write(b)
	return err
}

func (c *tcpConn) Recv() <-chan []byte { return c.in }

func (c *tcpConn) Close() error {
	var err error
	c.once.Do(func() { err = c.nc.Close() })
	return err
}

func (c *tcpConn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

var errPipeClosed = errors.New("session: pipe closed")

type pipeConn struct {
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}
	once *sync.Once
	peer string
}

// Pipe is the in-process transport used by tests: two cross-wired
// connections with the same semantics as the TCP transport.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{out: ab, in: wrapPipe(ba, done), done: done, once: once, peer: "pipe-b"}
	b := &pipeConn{out: ba, in: wrapPipe(ab, done), done: done, once: once, peer: "pipe-a"}
	return a, b
}

// wrapPipe forwards raw until done closes, then drains what was already
// queued before closing the reader-facing channel, so bytes written just
// ahead of a close are still delivered.
func wrapPipe(raw <-chan []byte, done <-chan struct{}) <-chan []byte {
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			select {
			case b := <-raw:
				out <- b
			case <-done:
				for {
					select {
					case b := <-raw:
						select {
						case out <- b:
						default:
							return
						}
					default:
						return
					}
				}
			}
		}
	}()
	return out
}

func (c *pipeConn) Send(b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case c.out <- cp:
		return nil
	case <-c.done:
		return errPipeClosed
	}
}

func (c *pipeConn) Recv() <-chan []byte { return c.in }

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) RemoteAddr() string { return c.peer }
