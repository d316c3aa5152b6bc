package frame

import (
	"net"
	"testing"
	"time"

	"github.com/relayfab/relayfab/internal/cluster"
)

func pipe(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), NewConn(b)
}

func TestRoundTripAllVariants(t *testing.T) {
	cases := []cluster.Frame{
		{Type: cluster.FrameLogin, Email: "a@b.com", Password: "secret"},
		{Type: cluster.FrameLoginByToken, Token: "tok_123"},
		{Type: cluster.FrameLoginResult, OK: true, Token: "tok_abc"},
		{Type: cluster.FrameLoginResult, OK: false, Message: "bad credentials"},
		{Type: cluster.FrameRegister, ClientID: "agent-1", Hostname: "box1", SystemInfo: cluster.RawBlob{"cpu": float64(4)}},
		{Type: cluster.FrameRegisterResult, OK: true},
		{Type: cluster.FrameRegisterResult, OK: false, Message: "duplicate id"},
		{Type: cluster.FrameHeartbeat},
		{Type: cluster.FrameSystemInfo, SystemInfo: cluster.RawBlob{"mem_pct": float64(12.5)}},
		{Type: cluster.FrameModelList, Models: []string{"llama3", "phi4"}},
		{Type: cluster.FrameRequestNewProxyConn, ID: "rendezvous-1"},
		{Type: cluster.FrameNewProxyConn, ID: "rendezvous-1"},
		{Type: cluster.FrameDisconnect, Reason: "server shutting down"},
		{Type: cluster.FrameError, Code: "protocol", Message: "unexpected frame"},
	}

	for _, want := range cases {
		t.Run(string(want.Type), func(t *testing.T) {
			client, server := pipe(t)

			errCh := make(chan error, 1)
			go func() { errCh <- client.WriteFrame(want) }()

			got, err := server.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if err := <-errCh; err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			if got.Type != want.Type || got.ID != want.ID || got.OK != want.OK ||
				got.Message != want.Message || got.Token != want.Token {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
			}
		})
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	client, server := pipe(t)

	go client.Raw().Write([]byte{0, 0, 0, 16, '{', '"', 't', 'y', 'p', 'e', '"', ':', '"', 'B', 'o', 'g', 'u', 's', '"', '}'})

	if _, err := server.ReadFrame(); err == nil {
		t.Fatal("expected error for unknown frame type")
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	client, server := pipe(t)

	go func() {
		var lenBuf [4]byte
		lenBuf[0] = 0xFF // absurdly large declared length
		lenBuf[1] = 0xFF
		lenBuf[2] = 0xFF
		lenBuf[3] = 0xFF
		client.Raw().Write(lenBuf[:])
	}()

	if _, err := server.ReadFrame(); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedIsHardError(t *testing.T) {
	client, server := pipe(t)

	go func() {
		client.Raw().Write([]byte{0, 0, 0, 10})
		client.Raw().Write([]byte("short"))
		client.Raw().Close()
	}()

	if _, err := server.ReadFrame(); err == nil {
		t.Fatal("expected error on truncated frame")
	}
}

func TestWriteFrameConcurrentCallersDontInterleave(t *testing.T) {
	client, server := pipe(t)

	const n = 20
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			client.WriteFrame(cluster.Frame{Type: cluster.FrameHeartbeat})
			done <- struct{}{}
		}(i)
	}

	got := 0
	deadline := time.After(2 * time.Second)
	for got < n {
		select {
		case <-deadline:
			t.Fatalf("timed out after reading %d/%d frames", got, n)
		default:
		}
		if _, err := server.ReadFrame(); err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		got++
	}
	for i := 0; i < n; i++ {
		<-done
	}
}
