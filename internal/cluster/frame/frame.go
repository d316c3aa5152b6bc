// Package frame implements the wire codec shared by the control and proxy
// sockets: a 4-byte big-endian length prefix followed by UTF-8 JSON of a
// cluster.Frame tagged union.
//
// Wire format: [u32 big-endian length][JSON bytes]. The length bounds the
// JSON payload only -- it is not included in the count.
package frame

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/relayfab/relayfab/internal/cluster"
)

// MaxFrameSize bounds the JSON payload of a single frame. A frame whose
// declared length exceeds this is a transport error and the connection is
// closed.
const MaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned when a peer declares a length over MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("frame: declared length exceeds %d bytes", MaxFrameSize)

// ErrUnknownType is returned when a decoded frame's Type isn't one of the
// known variants in cluster.KnownFrameTypes.
var ErrUnknownType = fmt.Errorf("frame: unknown frame type")

// Conn wraps a net.Conn with frame-oriented Read/Write. Writes are
// serialised under writeMu so independent goroutines (the control
// handler and other server components enqueueing commands) may send
// concurrently without interleaving bytes; reads are not synchronised
// since only one goroutine ever reads a given control/proxy socket.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps conn for framed reads and writes.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 4096),
	}
}

// Raw returns the underlying net.Conn, e.g. to set deadlines or close it.
func (c *Conn) Raw() net.Conn { return c.conn }

// ReadFrame blocks until a complete frame has been read, the declared
// length is invalid, or the connection fails. A short read (including EOF
// mid-frame) is a hard error -- io.ReadFull loops internally until it has
// either the full length prefix, or the full payload, or an error.
func (c *Conn) ReadFrame() (cluster.Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return cluster.Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return cluster.Frame{}, fmt.Errorf("frame: zero-length frame")
	}
	if n > MaxFrameSize {
		return cluster.Frame{}, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return cluster.Frame{}, err
	}

	var f cluster.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return cluster.Frame{}, fmt.Errorf("frame: unmarshal: %w", err)
	}
	if !cluster.KnownFrameTypes[f.Type] {
		return cluster.Frame{}, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return f, nil
}

// WriteFrame serialises f and writes it atomically: the length prefix and
// JSON body are written under the same lock so concurrent Send() callers
// never interleave.
func (c *Conn) WriteFrame(f cluster.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("frame: marshal: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	return nil
}

// Send implements cluster.ControlSender.
func (c *Conn) Send(f cluster.Frame) error { return c.WriteFrame(f) }

// Close implements cluster.ControlSender.
func (c *Conn) Close() error { return c.conn.Close() }

// AsNetConn returns a net.Conn that reads through c's buffered reader
// (so bytes already buffered past a decoded frame are not lost) while
// writes, deadlines and close pass straight through to the underlying
// socket. Used once a proxy connection's single leading NewProxyConn
// frame has been consumed and the remaining bytes belong to a raw
// spliced stream.
func (c *Conn) AsNetConn() net.Conn {
	return &bufferedConn{Conn: c.conn, r: c.r}
}

// bufferedConn layers a bufio.Reader's already-buffered bytes in front of
// a net.Conn's own Read, and forwards CloseWrite when the underlying
// connection supports half-close.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bufferedConn) CloseWrite() error {
	if hc, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return b.Conn.Close()
}
