package splice

import (
	"io"
	"net"
	"testing"
	"time"
)

// localPipe returns two connected TCP sockets so CloseWrite is available,
// unlike net.Pipe's in-memory pipe.
func localPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptCh
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestSpliceCopiesBothDirectionsAndPrefix(t *testing.T) {
	pubA, pubB := localPipe(t) // stands in for the public caller's socket pair
	agentA, agentB := localPipe(t)

	done := make(chan struct{})
	go func() {
		Splice(pubB, agentA, []byte("PREFIX"))
		close(done)
	}()

	// agentB represents the local service: read what arrives (prefix + body),
	// then echo a response back.
	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len("PREFIXbody"))
		n, _ := io.ReadFull(agentB, buf)
		readDone <- buf[:n]
		agentB.Write([]byte("response"))
		agentB.Close()
	}()

	pubA.Write([]byte("body"))

	got := <-readDone
	if string(got) != "PREFIXbody" {
		t.Fatalf("local service saw %q, want %q", got, "PREFIXbody")
	}

	resp, err := io.ReadAll(pubA)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "response" {
		t.Fatalf("public caller saw %q, want %q", resp, "response")
	}

	// The public caller finishes sending; Splice returns once both
	// directions have seen EOF.
	pubA.(*net.TCPConn).CloseWrite()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not complete")
	}
}

func TestSpliceClosesBothOnCompletion(t *testing.T) {
	a, b := localPipe(t)
	otherA, otherB := localPipe(t)

	done := make(chan struct{})
	go func() {
		Splice(b, otherA, nil)
		close(done)
	}()

	a.Close()
	otherB.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not complete after both peers closed")
	}
}
