package server

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relayfab/relayfab/internal/cluster"
	"github.com/relayfab/relayfab/internal/metrics"
	"github.com/relayfab/relayfab/internal/validator"
)

// sniffWindow bounds how many bytes the router will read from a public
// connection while hunting for an Authorization header before giving up
// and responding 401 (spec §6: "bounded initial window, e.g. 8 KiB").
const sniffWindow = 8 * 1024

// maxDispatchAttempts bounds how many agents the router will try before
// giving up on a single public connection (spec §4.6 step 4).
const maxDispatchAttempts = 3

// Router accepts public connections, authenticates them, and dispatches
// a rendezvous request to a randomly chosen agent.
type Router struct {
	Registry      *Registry
	Pending       *Pending
	ValidateToken validator.Func
	Log           *slog.Logger
}

// HandleConn services one public connection end to end: credential check,
// agent selection with bounded retry, and rendezvous registration. It
// never blocks waiting for the matching proxy connection -- HandleConn
// returns once the request has been dispatched (or has failed), and the
// eventual splice is driven entirely by proxymatch.HandleProxyConn.
func (rt *Router) HandleConn(conn net.Conn) {
	log := rt.Log.With("component", "router", "remote", conn.RemoteAddr().String())

	token, prefix, ok := peekAuthorization(conn)
	if !ok || rt.ValidateToken(token) != validator.Valid {
		writeHTTPError(conn, 401, "unauthorized")
		conn.Close()
		metrics.PublicConnectionsTotal.WithLabelValues("unauthorized").Inc()
		return
	}

	for attempt := 0; attempt < maxDispatchAttempts; attempt++ {
		agent, err := rt.Registry.PickRandom()
		if err != nil {
			writeHTTPError(conn, 503, "no agents available")
			conn.Close()
			metrics.PublicConnectionsTotal.WithLabelValues("no_agents").Inc()
			return
		}

		id := uuid.NewString()
		rt.Pending.Put(id, conn, prefix)

		if err := agent.Send.Send(cluster.Frame{Type: cluster.FrameRequestNewProxyConn, ID: id}); err != nil {
			log.Info("dispatch attempt failed, retrying with another agent", "agent_id", agent.ID, "attempt", attempt+1, "error", err)
			// Take, not Drop: the caller's conn is about to be retried with
			// a fresh id on the next attempt, so the pending entry must be
			// unregistered without closing PublicConn out from under it.
			rt.Pending.Take(id)
			rt.Registry.Remove(agent.ID)
			continue
		}

		log.Info("chose agent", "agent_id", agent.ID, "rendezvous_id", id)
		metrics.PublicConnectionsTotal.WithLabelValues("dispatched").Inc()
		return
	}

	writeHTTPError(conn, 503, "no agents available after retries")
	conn.Close()
	metrics.PublicConnectionsTotal.WithLabelValues("no_agents").Inc()
}

// peekAuthorization reads request header lines (HTTP-shaped) up to
// sniffWindow bytes looking for an Authorization header, returning the
// bearer token and every byte consumed so far (to be replayed verbatim
// ahead of the spliced stream). ok is false if no header was found within
// the window, or the connection errored while reading.
func peekAuthorization(conn net.Conn) (token string, consumed []byte, ok bool) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	r := bufio.NewReader(conn)
	var buf []byte
	var found string
	var readErr error

	for len(buf) < sniffWindow {
		line, err := r.ReadString('\n')
		buf = append(buf, line...)
		if strings.HasPrefix(strings.ToLower(line), "authorization:") {
			found = strings.TrimSpace(line[len("authorization:"):])
		}
		if err != nil {
			readErr = err
			break
		}
		if strings.TrimSpace(line) == "" {
			break // end of header block
		}
	}

	// r's internal buffer may already hold bytes read off conn past the
	// header block in the same underlying Read (e.g. request body,
	// pipelined bytes); those must be folded into buf too or they are
	// lost once r is discarded here.
	if n := r.Buffered(); n > 0 {
		extra := make([]byte, n)
		if _, err := io.ReadFull(r, extra); err == nil {
			buf = append(buf, extra...)
		}
	}

	if found == "" || readErr != nil {
		return "", buf, false
	}
	return validator.ExtractBearerToken(found), buf, true
}

// writeHTTPError writes a minimal hand-rolled HTTP response, since the
// public port is otherwise transparent and the core carries no HTTP
// server dependency for this one failure path (spec §4.6/§6).
func writeHTTPError(conn net.Conn, status int, message string) {
	body := fmt.Sprintf(`{"error":%q}`, message)
	reason := "Unauthorized"
	if status == 503 {
		reason = "Service Unavailable"
	}
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, reason, len(body), body)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte(resp))
}
