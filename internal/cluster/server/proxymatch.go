package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/relayfab/relayfab/internal/cluster"
	"github.com/relayfab/relayfab/internal/cluster/frame"
	"github.com/relayfab/relayfab/internal/metrics"
	"github.com/relayfab/relayfab/internal/splice"
)

// firstFrameDeadline bounds how long a proxy-port connection has to send
// its NewProxyConn frame before it is abandoned (spec §4.5).
const firstFrameDeadline = 5 * time.Second

// HandleProxyConn services one connection accepted on the proxy port: an
// agent dialing in to fulfil a RequestNewProxyConn it was just sent. The
// first thing on the wire must be a single NewProxyConn frame carrying
// the rendezvous id; everything the agent sends after that belongs to
// the raw spliced stream.
func HandleProxyConn(conn net.Conn, pending *Pending, log *slog.Logger) {
	log = log.With("component", "proxymatch", "remote", conn.RemoteAddr().String())

	c := frame.NewConn(conn)
	conn.SetReadDeadline(time.Now().Add(firstFrameDeadline))
	f, err := c.ReadFrame()
	conn.SetReadDeadline(time.Time{})
	if err != nil || f.Type != cluster.FrameNewProxyConn {
		log.Warn("proxy connection did not present NewProxyConn in time", "error", err)
		metrics.ControlErrorsTotal.WithLabelValues("proxymatch").Inc()
		conn.Close()
		return
	}

	entry, ok := pending.Take(f.ID)
	if !ok {
		log.Info("proxy connection arrived for unknown or expired rendezvous", "id", f.ID)
		metrics.RendezvousTotal.WithLabelValues("unmatched").Inc()
		conn.Close()
		return
	}

	metrics.RendezvousTotal.WithLabelValues("matched").Inc()
	log.Debug("rendezvous matched", "id", f.ID)

	splice.Splice(entry.PublicConn, c.AsNetConn(), entry.Prefix)
}
