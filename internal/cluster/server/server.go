package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relayfab/relayfab/internal/sweepjob"
	"github.com/relayfab/relayfab/internal/validator"
)

// heartbeatStaleReapInterval is how often the registry is swept for
// heartbeat-stale agents (spec §8 scenario 5: evicted after ~30s).
const heartbeatStaleReapInterval = 5 * time.Second

// Config is everything the server needs to bind its three listeners and
// authenticate both agents and public callers.
type Config struct {
	ControlAddr string
	ProxyAddr   string
	PublicAddr  string

	// ValidateToken backs both agent LoginByToken and public bearer-token
	// checks (spec §4.4/§4.6 share "the same injected predicate").
	ValidateToken validator.Func
	ValidateCreds CredentialValidator
	IssueToken    func() (string, error)

	// Audit is optional; nil disables audit logging entirely.
	Audit AuditLog

	// PendingTimeout and HeartbeatStaleAfter configure the background
	// sweeper (internal/sweepjob); zero means "use the package default"
	// (DefaultPendingTimeout / HeartbeatStaleAfter).
	PendingTimeout      time.Duration
	HeartbeatStaleAfter time.Duration
}

// Server owns the three listeners that make up the fabric's data and
// control planes, plus the shared registry and rendezvous table they
// operate on.
type Server struct {
	cfg Config
	log *slog.Logger

	Registry *Registry
	Pending  *Pending
	router   *Router
	sweep    *sweepjob.Runner

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New builds a Server. Call Start to bind and begin accepting.
func New(cfg Config, log *slog.Logger) *Server {
	log = log.With("component", "cluster-server")
	registry := NewRegistry(log)
	pending := NewPending(log)

	pendingTimeout := cfg.PendingTimeout
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}
	staleAfter := cfg.HeartbeatStaleAfter
	if staleAfter <= 0 {
		staleAfter = HeartbeatStaleAfter
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		Registry: registry,
		Pending:  pending,
		router: &Router{
			Registry:      registry,
			Pending:       pending,
			ValidateToken: cfg.ValidateToken,
			Log:           log,
		},
		sweep: sweepjob.New(
			pending, pendingTimeout, sweepInterval,
			registry, staleAfter, heartbeatStaleReapInterval,
			log,
		),
	}
}

// Start binds all three listeners and spawns their accept loops. It
// returns once every listener is bound, or the first bind failure
// (spec §7: "fatal: port bind failure at startup").
func (s *Server) Start() error {
	control, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("bind control listener: %w", err)
	}
	proxy, err := net.Listen("tcp", s.cfg.ProxyAddr)
	if err != nil {
		control.Close()
		return fmt.Errorf("bind proxy listener: %w", err)
	}
	public, err := net.Listen("tcp", s.cfg.PublicAddr)
	if err != nil {
		control.Close()
		proxy.Close()
		return fmt.Errorf("bind public listener: %w", err)
	}

	s.mu.Lock()
	s.listeners = []net.Listener{control, proxy, public}
	s.mu.Unlock()

	s.serve(control, "control", s.acceptControl)
	s.serve(proxy, "proxy", s.acceptProxy)
	s.serve(public, "public", s.acceptPublic)
	s.sweep.Start()

	s.log.Info("server listening",
		"control_addr", control.Addr().String(),
		"proxy_addr", proxy.Addr().String(),
		"public_addr", public.Addr().String())
	return nil
}

// Stop closes every listener and every registered agent's control
// socket, then waits for accept loops to unwind.
func (s *Server) Stop() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	s.sweep.Stop()
	for _, ln := range listeners {
		ln.Close()
	}
	for _, id := range s.Registry.AllIDs() {
		s.Registry.Remove(id)
	}
	s.wg.Wait()
}

// Addrs returns the bound addresses of (control, proxy, public), useful
// in tests that bind to ":0" and need the chosen ephemeral port.
func (s *Server) Addrs() (control, proxy, public string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) != 3 {
		return "", "", ""
	}
	return s.listeners[0].Addr().String(), s.listeners[1].Addr().String(), s.listeners[2].Addr().String()
}

func (s *Server) serve(ln net.Listener, name string, handle func(net.Conn)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				s.log.Debug("accept loop stopped", "listener", name, "error", err)
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				handle(conn)
			}()
		}
	}()
}

func (s *Server) acceptControl(conn net.Conn) {
	HandleControl(conn, Deps{
		Registry:      s.Registry,
		Pending:       s.Pending,
		ValidateToken: s.cfg.ValidateToken,
		ValidateCreds: s.cfg.ValidateCreds,
		IssueToken:    s.cfg.IssueToken,
		Audit:         s.cfg.Audit,
		Log:           s.log,
	})
}

func (s *Server) acceptProxy(conn net.Conn) {
	HandleProxyConn(conn, s.Pending, s.log)
}

func (s *Server) acceptPublic(conn net.Conn) {
	s.router.HandleConn(conn)
}
