package hl7v2

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestFrameUnframe(t *testing.T) {
	data := []byte("MSH|^~\\&|a|b")
	framed := FrameMessage(data)

	if framed[0] != MLLPStartBlock {
		t.Error("missing start block")
	}
	if framed[len(framed)-2] != MLLPEndBlock || framed[len(framed)-1] != MLLPCarriageReturn {
		t.Error("missing end block sequence")
	}

	msg, rest, found := UnframeMessage(framed)
	if !found {
		t.Fatal("expected complete frame")
	}
	if !bytes.Equal(msg, data) {
		t.Errorf("unframed = %q", msg)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %q", rest)
	}
}

func TestUnframe_Partial(t *testing.T) {
	framed := FrameMessage([]byte("hello"))
	_, _, found := UnframeMessage(framed[:len(framed)-1])
	if found {
		t.Error("partial frame must not be reported complete")
	}
}

func TestUnframe_TwoFrames(t *testing.T) {
	buf := append(FrameMessage([]byte("one")), FrameMessage([]byte("two"))...)

	first, rest, found := UnframeMessage(buf)
	if !found || string(first) != "one" {
		t.Fatalf("first frame = %q, found=%v", first, found)
	}
	second, rest, found := UnframeMessage(rest)
	if !found || string(second) != "two" {
		t.Fatalf("second frame = %q, found=%v", second, found)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %q", rest)
	}
}

// echoListener accepts one connection and responds to each framed message
// with a framed canned response.
func echoListener(t *testing.T, response []byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 0, 4096)
		readBuf := make([]byte, 4096)
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := conn.Read(readBuf)
			if n > 0 {
				buf = append(buf, readBuf[:n]...)
				if _, rest, found := UnframeMessage(buf); found {
					buf = rest
					conn.Write(FrameMessage(response))
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ln
}

func TestMLLPClient_RoundTrip(t *testing.T) {
	response := []byte("MSH|^~\\&|LIS|Lab|Bridge|Fac|20240115||ACK|C1|P|2.5.1\rMSA|AA|MSG1")
	ln := echoListener(t, response)
	defer ln.Close()

	client := NewMLLPClient(ln.Addr().String(), 2*time.Second)
	ctx := context.Background()

	if client.Connected() {
		t.Error("client should not report connected before Connect")
	}
	if _, err := client.RoundTrip(ctx, []byte("x")); err == nil {
		t.Error("RoundTrip before Connect must fail")
	}

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	got, err := client.RoundTrip(ctx, []byte("MSH|^~\\&|Bridge|Fac|LIS|Lab|20240115||QRY^R02|MSG1|P|2.5.1"))
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if !bytes.Equal(got, response) {
		t.Errorf("response = %q", got)
	}
}

func TestMLLPClient_ConnectRefused(t *testing.T) {
	// Grab a free port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client := NewMLLPClient(addr, 500*time.Millisecond)
	if err := client.Connect(context.Background()); err == nil {
		client.Close()
		t.Error("expected connect error for closed port")
	}
}
