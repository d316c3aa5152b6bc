// Package splice implements the bidirectional byte pump that joins a
// public caller's socket with an agent's proxy socket (or, on the agent
// side, a proxy socket with the local service's socket).
package splice

import (
	"io"
	"net"
	"time"

	"github.com/relayfab/relayfab/internal/metrics"
)

// bufSize is the copy buffer size per direction. Large enough to avoid
// per-byte dispatch overhead on a bulk transfer (spec §4.7: "should use a
// sufficiently large buffer, >= 16 KiB").
const bufSize = 32 * 1024

// halfCloser is satisfied by *net.TCPConn and similar; sockets that don't
// support a half-close just get fully closed instead.
type halfCloser interface {
	CloseWrite() error
}

// Splice runs two copy tasks concurrently: a.Read -> b.Write and
// b.Read -> a.Write. prefixAToB, if non-nil, is written to b before the
// a->b copy begins -- it carries bytes the router already consumed from a
// while peeking for a credential (spec §4.6/§4.7).
//
// Each direction half-closes its destination on a clean EOF, letting the
// sibling direction drain normally. On any read/write error, both sockets
// are closed fully right away rather than left for the sibling to notice
// on its own next I/O -- a sibling blocked on a Read with nothing more
// coming would otherwise stall until its peer happened to close. Splice
// blocks until both directions have finished.
func Splice(a, b net.Conn, prefixAToB []byte) {
	start := time.Now()
	defer func() {
		metrics.SpliceDuration.Observe(time.Since(start).Seconds())
		a.Close()
		b.Close()
	}()

	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		n := int64(0)
		if len(prefixAToB) > 0 {
			written, err := b.Write(prefixAToB)
			n += int64(written)
			if err != nil {
				a.Close()
				b.Close()
				return
			}
		}
		copied, err := io.CopyBuffer(b, a, make([]byte, bufSize))
		n += copied
		metrics.SpliceBytesTotal.WithLabelValues("a_to_b").Add(float64(n))
		if err != nil {
			a.Close()
			b.Close()
			return
		}
		halfClose(b)
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		n, err := io.CopyBuffer(a, b, make([]byte, bufSize))
		metrics.SpliceBytesTotal.WithLabelValues("b_to_a").Add(float64(n))
		if err != nil {
			a.Close()
			b.Close()
			return
		}
		halfClose(a)
	}()

	<-done
	<-done
}

// halfClose shuts down the write half of conn if it supports it, so the
// peer observes a clean EOF on its read side without losing the ability
// to finish writing its own response.
func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
	}
}
