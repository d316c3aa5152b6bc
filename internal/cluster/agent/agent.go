// Package agent implements the relayfab agent: it dials the control
// plane, authenticates, registers, and on each RequestNewProxyConn opens
// a proxy socket and splices it to the configured local service.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relayfab/relayfab/internal/cluster"
	"github.com/relayfab/relayfab/internal/cluster/frame"
	"github.com/relayfab/relayfab/internal/splice"
)

// HeartbeatInterval matches the server's expectation of a Heartbeat frame
// roughly every 10s (spec §4.8).
const HeartbeatInterval = 10 * time.Second

// Config holds agent-specific configuration.
type Config struct {
	ServerControlAddr string // control-plane address (host:port)
	ServerProxyAddr   string // proxy-port address (host:port)
	LocalServiceAddr  string // the local service this agent fronts

	ClientID string // explicit id; auto-generated from hostname if empty
	Email    string // interactive credentials, used if Token is empty
	Password string
	Token    string // skips interactive Login if set

	DataDir string // directory holding the persisted token file
}

// Agent dials a relayfab server's control plane and services
// RequestNewProxyConn frames by proxying to a local service.
type Agent struct {
	cfg    Config
	log    *slog.Logger
	tokens *tokenStore
}

// New creates a new Agent. Call Run to start the main loop.
func New(cfg Config, log *slog.Logger) (*Agent, error) {
	if cfg.ClientID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("determine client id: %w", err)
		}
		cfg.ClientID = host
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	tokens, err := newTokenStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Agent{cfg: cfg, log: log.With("component", "agent", "client_id", cfg.ClientID), tokens: tokens}, nil
}

// Run dials, authenticates and registers in a loop with exponential
// backoff between attempts, and services proxy requests for as long as
// the connection stays up. Run blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; the spec has no give-up condition

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sessionStart := time.Now()
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(sessionStart) > time.Minute {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		a.log.Warn("session ended, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runSession dials control, authenticates, registers, and runs the
// heartbeat and control-read loops concurrently until either fails.
func (a *Agent) runSession(ctx context.Context) error {
	conn, err := net.Dial("tcp", a.cfg.ServerControlAddr)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	c := frame.NewConn(conn)
	defer c.Close()

	if err := a.authenticate(c); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := a.register(c); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.log.Info("registered with control plane")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- a.heartbeatLoop(sessCtx, c) }()
	go func() { errCh <- a.controlReadLoop(sessCtx, c) }()

	return <-errCh
}

// authenticate tries a persisted token first, falling back to interactive
// credentials if none is stored or the token is rejected (spec §4.8: the
// server replies with a new token on first successful Login, which is
// then persisted for next time).
func (a *Agent) authenticate(c *frame.Conn) error {
	if token := a.cfg.Token; token != "" {
		if err := a.loginByToken(c, token); err == nil {
			return nil
		}
		a.log.Warn("provided token rejected, falling back to stored/interactive credentials")
	}
	if token := a.tokens.Token(); token != "" {
		if err := a.loginByToken(c, token); err == nil {
			return nil
		}
		a.log.Warn("stored token rejected, falling back to interactive credentials")
	}

	if err := c.WriteFrame(cluster.Frame{Type: cluster.FrameLogin, Email: a.cfg.Email, Password: a.cfg.Password}); err != nil {
		return fmt.Errorf("write Login: %w", err)
	}
	resp, err := c.ReadFrame()
	if err != nil {
		return fmt.Errorf("read LoginResult: %w", err)
	}
	if resp.Type != cluster.FrameLoginResult || !resp.OK {
		return fmt.Errorf("login rejected: %s", resp.Message)
	}
	if resp.Token != "" {
		if err := a.tokens.Set(resp.Token); err != nil {
			a.log.Error("failed to persist issued token", "error", err)
		}
	}
	return nil
}

func (a *Agent) loginByToken(c *frame.Conn, token string) error {
	if err := c.WriteFrame(cluster.Frame{Type: cluster.FrameLoginByToken, Token: token}); err != nil {
		return err
	}
	resp, err := c.ReadFrame()
	if err != nil {
		return err
	}
	if resp.Type != cluster.FrameLoginResult || !resp.OK {
		return fmt.Errorf("token rejected: %s", resp.Message)
	}
	return nil
}

func (a *Agent) register(c *frame.Conn) error {
	if err := c.WriteFrame(cluster.Frame{Type: cluster.FrameRegister, ClientID: a.cfg.ClientID}); err != nil {
		return fmt.Errorf("write Register: %w", err)
	}
	resp, err := c.ReadFrame()
	if err != nil {
		return fmt.Errorf("read RegisterResult: %w", err)
	}
	if resp.Type != cluster.FrameRegisterResult || !resp.OK {
		return fmt.Errorf("register rejected: %s", resp.Message)
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context, c *frame.Conn) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.WriteFrame(cluster.Frame{Type: cluster.FrameHeartbeat}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func (a *Agent) controlReadLoop(ctx context.Context, c *frame.Conn) error {
	for {
		f, err := c.ReadFrame()
		if err != nil {
			return fmt.Errorf("control read: %w", err)
		}
		switch f.Type {
		case cluster.FrameRequestNewProxyConn:
			go a.serviceProxyRequest(f.ID)
		case cluster.FrameDisconnect:
			return fmt.Errorf("server requested disconnect: %s", f.Reason)
		default:
			a.log.Debug("ignoring unexpected control frame", "type", f.Type)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// serviceProxyRequest dials the proxy port, claims id with a NewProxyConn
// frame, dials the local service, and splices the two together. Any
// failure just closes what was opened; the server's pending entry times
// out on its own sweep cadence (spec §4.8).
func (a *Agent) serviceProxyRequest(id string) {
	log := a.log.With("rendezvous_id", id)

	proxyConn, err := net.Dial("tcp", a.cfg.ServerProxyAddr)
	if err != nil {
		log.Warn("dial proxy port failed", "error", err)
		return
	}
	pc := frame.NewConn(proxyConn)
	if err := pc.WriteFrame(cluster.Frame{Type: cluster.FrameNewProxyConn, ID: id}); err != nil {
		log.Warn("send NewProxyConn failed", "error", err)
		proxyConn.Close()
		return
	}

	localConn, err := net.Dial("tcp", a.cfg.LocalServiceAddr)
	if err != nil {
		log.Warn("dial local service failed", "error", err)
		proxyConn.Close()
		return
	}

	splice.Splice(pc.AsNetConn(), localConn, nil)
}
