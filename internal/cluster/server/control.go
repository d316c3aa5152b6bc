package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/relayfab/relayfab/internal/cluster"
	"github.com/relayfab/relayfab/internal/cluster/frame"
	"github.com/relayfab/relayfab/internal/metrics"
	"github.com/relayfab/relayfab/internal/store"
	"github.com/relayfab/relayfab/internal/validator"
)

// HeartbeatInterval is the cadence agents are expected to emit Heartbeat
// frames at (spec §4.4).
const HeartbeatInterval = 10 * time.Second

// HeartbeatStaleAfter is how long without a heartbeat before an agent is
// considered stale and evicted by the background reaper (3x the agent's
// emit interval, per spec §3/§4.4).
const HeartbeatStaleAfter = 3 * HeartbeatInterval

// CredentialValidator authenticates an interactive Login (email/password).
// Like validator.Func it is a narrow injected capability -- the core never
// touches the backing user store directly.
type CredentialValidator func(email, password string) validator.Result

// AuditLog records connect/disconnect/auth-failure events for operator
// visibility. Optional: a nil Audit in Deps silently skips logging.
type AuditLog interface {
	AppendAuditEvent(ev store.AuditEvent) error
}

// Deps bundles the control handler's injected collaborators.
type Deps struct {
	Registry      *Registry
	Pending       *Pending
	ValidateToken validator.Func
	ValidateCreds CredentialValidator
	IssueToken    func() (plaintext string, err error)
	Audit         AuditLog
	Log           *slog.Logger
}

func (d Deps) audit(ev store.AuditEvent) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.AppendAuditEvent(ev); err != nil {
		d.Log.Debug("audit log append failed", "error", err)
	}
}

// HandleControl drives one agent's control connection through its full
// lifecycle: auth, register, and the steady-state heartbeat/metadata/
// command loop (spec §4.4's state machine). It returns once the
// connection closes for any reason, having removed the agent (if it got
// as far as being registered) from the registry exactly once.
func HandleControl(conn net.Conn, deps Deps) {
	c := frame.NewConn(conn)
	log := deps.Log.With("component", "control", "remote", conn.RemoteAddr().String())

	defer conn.Close()

	var entry *cluster.AgentEntry
	authed := false

	defer func() {
		if entry != nil {
			deps.Registry.Remove(entry.ID)
			deps.audit(store.AuditEvent{AgentID: entry.ID, Kind: "disconnect"})
		}
	}()

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("control connection closed")
			} else {
				log.Warn("control read error", "error", err)
				metrics.ControlErrorsTotal.WithLabelValues("transport").Inc()
			}
			return
		}

		switch f.Type {
		case cluster.FrameLogin:
			if authed {
				protocolError(c, log, "Login after auth")
				return
			}
			result := deps.ValidateCreds(f.Email, f.Password)
			if result != validator.Valid {
				c.WriteFrame(cluster.Frame{Type: cluster.FrameLoginResult, OK: false, Message: "invalid credentials"})
				metrics.ControlErrorsTotal.WithLabelValues("auth").Inc()
				deps.audit(store.AuditEvent{AgentID: f.Email, Kind: "auth_failure", Detail: "invalid credentials"})
				return
			}
			token, err := deps.IssueToken()
			if err != nil {
				log.Error("issue token", "error", err)
				c.WriteFrame(cluster.Frame{Type: cluster.FrameLoginResult, OK: false, Message: "internal error"})
				return
			}
			authed = true
			c.WriteFrame(cluster.Frame{Type: cluster.FrameLoginResult, OK: true, Token: token})

		case cluster.FrameLoginByToken:
			if authed {
				protocolError(c, log, "LoginByToken after auth")
				return
			}
			if deps.ValidateToken(f.Token) != validator.Valid {
				c.WriteFrame(cluster.Frame{Type: cluster.FrameLoginResult, OK: false, Message: "invalid token"})
				metrics.ControlErrorsTotal.WithLabelValues("auth").Inc()
				deps.audit(store.AuditEvent{Kind: "auth_failure", Detail: "invalid token"})
				return
			}
			authed = true
			c.WriteFrame(cluster.Frame{Type: cluster.FrameLoginResult, OK: true})

		case cluster.FrameRegister:
			if !authed {
				protocolError(c, log, "Register before auth")
				return
			}
			if entry != nil {
				protocolError(c, log, "duplicate Register on one connection")
				return
			}
			candidate := &cluster.AgentEntry{
				ID:              f.ClientID,
				Conn:            conn,
				Send:            c,
				Authed:          true,
				ConnectedAt:     time.Now(),
				LastHeartbeatAt: time.Now(),
			}
			candidate.UpdateMetadata(func(m *cluster.AgentMetadata) {
				m.SystemInfo = f.SystemInfo
			})
			if err := deps.Registry.Insert(candidate); err != nil {
				c.WriteFrame(cluster.Frame{Type: cluster.FrameRegisterResult, OK: false, Message: "duplicate id"})
				log.Info("rejected duplicate registration", "id", f.ClientID)
				return
			}
			entry = candidate
			log = log.With("agent_id", entry.ID)
			c.WriteFrame(cluster.Frame{Type: cluster.FrameRegisterResult, OK: true})
			log.Info("agent registered and authed")
			deps.audit(store.AuditEvent{AgentID: entry.ID, Kind: "connect"})

		case cluster.FrameHeartbeat:
			if entry == nil {
				protocolError(c, log, "Heartbeat before Register")
				return
			}
			deps.Registry.Update(entry.ID, func(a *cluster.AgentEntry) {
				a.LastHeartbeatAt = time.Now()
			})

		case cluster.FrameSystemInfo:
			if entry == nil {
				protocolError(c, log, "SystemInfo before Register")
				return
			}
			deps.Registry.Update(entry.ID, func(a *cluster.AgentEntry) {
				a.UpdateMetadata(func(m *cluster.AgentMetadata) { m.SystemInfo = f.SystemInfo })
			})

		case cluster.FrameModelList:
			if entry == nil {
				protocolError(c, log, "ModelList before Register")
				return
			}
			deps.Registry.Update(entry.ID, func(a *cluster.AgentEntry) {
				a.UpdateMetadata(func(m *cluster.AgentMetadata) { m.Models = f.Models })
			})

		default:
			protocolError(c, log, "unexpected frame "+string(f.Type))
			return
		}
	}
}

func protocolError(c *frame.Conn, log *slog.Logger, msg string) {
	log.Warn("protocol error", "detail", msg)
	metrics.ControlErrorsTotal.WithLabelValues("protocol").Inc()
	c.WriteFrame(cluster.Frame{Type: cluster.FrameError, Code: "protocol", Message: msg})
}
