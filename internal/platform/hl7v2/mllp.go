package hl7v2

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20
)

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It looks for the
// first start block byte, then reads until end block + CR. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx += startIdx

	message = data[startIdx+1 : endIdx]
	rest = data[endIdx+2:]
	return message, rest, true
}

// MLLPClient sends HL7v2 messages to a remote listener over a persistent TCP
// connection with MLLP framing.
type MLLPClient struct {
	addr    string
	timeout time.Duration
	conn    net.Conn
}

// NewMLLPClient creates a client for the given host:port address. timeout
// applies to dial, write, and response read individually.
func NewMLLPClient(addr string, timeout time.Duration) *MLLPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MLLPClient{addr: addr, timeout: timeout}
}

// Connect dials the remote listener. Calling Connect on an open client
// reconnects.
func (c *MLLPClient) Connect(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("mllp: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

// Connected reports whether the client holds an open connection.
func (c *MLLPClient) Connected() bool {
	return c.conn != nil
}

// Close closes the connection if open.
func (c *MLLPClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// RoundTrip frames and writes msg, then reads one complete framed response.
func (c *MLLPClient) RoundTrip(ctx context.Context, msg []byte) ([]byte, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("mllp: not connected")
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.conn.SetWriteDeadline(deadline)
	if _, err := c.conn.Write(FrameMessage(msg)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	c.conn.SetReadDeadline(deadline)

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > mllpMaxMessageSize {
				return nil, fmt.Errorf("mllp: response exceeds max message size")
			}
			if resp, _, found := UnframeMessage(buf); found {
				return resp, nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("mllp: read: %w", err)
		}
	}
}
