package agent

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/relayfab/relayfab/internal/cluster"
	"github.com/relayfab/relayfab/internal/cluster/frame"
)

// fakeControlServer is a minimal stand-in for the control plane: accepts
// one connection, handles LoginByToken + Register, then lets the test
// drive whatever frames it wants.
func fakeControlServer(t *testing.T, token string) (addr string, conns chan *frame.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	conns = make(chan *frame.Conn, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		c := frame.NewConn(raw)

		f, err := c.ReadFrame()
		if err != nil || f.Type != cluster.FrameLoginByToken || f.Token != token {
			return
		}
		c.WriteFrame(cluster.Frame{Type: cluster.FrameLoginResult, OK: true})

		f, err = c.ReadFrame()
		if err != nil || f.Type != cluster.FrameRegister {
			return
		}
		c.WriteFrame(cluster.Frame{Type: cluster.FrameRegisterResult, OK: true})

		conns <- c
	}()

	return ln.Addr().String(), conns
}

func TestAgentAuthenticatesAndRegisters(t *testing.T) {
	controlAddr, conns := fakeControlServer(t, "tok-123")

	a, err := New(Config{
		ServerControlAddr: controlAddr,
		Token:             "tok-123",
		ClientID:          "agent-under-test",
		DataDir:           t.TempDir(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.runSession(ctx) }()

	select {
	case <-conns:
		// reached steady state; tear down
		cancel()
	case err := <-done:
		t.Fatalf("session ended before reaching steady state: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for registration")
	}
}

func TestAgentServicesProxyRequest(t *testing.T) {
	// Local service: echoes whatever it receives.
	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer localLn.Close()
	go func() {
		c, err := localLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 1024)
		n, _ := c.Read(buf)
		c.Write(buf[:n])
	}()

	// Proxy port: expects a NewProxyConn frame then raw bytes.
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %v", err)
	}
	defer proxyLn.Close()

	result := make(chan string, 1)
	go func() {
		raw, err := proxyLn.Accept()
		if err != nil {
			return
		}
		pc := frame.NewConn(raw)
		f, err := pc.ReadFrame()
		if err != nil || f.Type != cluster.FrameNewProxyConn || f.ID != "rendezvous-1" {
			result <- "bad frame"
			return
		}
		netConn := pc.AsNetConn()
		netConn.Write([]byte("hello"))
		buf := make([]byte, 1024)
		n, _ := netConn.Read(buf)
		result <- string(buf[:n])
	}()

	a := &Agent{
		cfg: Config{
			ServerProxyAddr:  proxyLn.Addr().String(),
			LocalServiceAddr: localLn.Addr().String(),
		},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	go a.serviceProxyRequest("rendezvous-1")

	select {
	case got := <-result:
		if got != "hello" {
			t.Fatalf("local service echoed %q, want %q", got, "hello")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for proxy splice")
	}
}
