package minicord

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

// gatewayPeer plays the server side of the framing protocol over an
// in-memory pipe so session behavior can be exercised without a network.
type gatewayPeer struct {
	rwc net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer
}

func newGatewayPeer(rwc net.Conn) *gatewayPeer {
	return &gatewayPeer{
		rwc: rwc,
		br:  bufio.NewReader(rwc),
		bw:  bufio.NewWriter(rwc),
	}
}

// readFrame reads one client frame and unmasks it.
func (g *gatewayPeer) readFrame() (frame, error) {
	h, err := readFrameHeader(g.br)
	if err != nil {
		return frame{}, err
	}
	p := make([]byte, h.payloadLength)
	if _, err := io.ReadFull(g.br, p); err != nil {
		return frame{}, err
	}
	if h.masked {
		mask(h.maskKey, p)
	}
	return frame{fin: h.fin, opcode: h.opcode, payload: p}, nil
}

// readFrameBody finishes reading a frame whose header was already
// consumed.
func (g *gatewayPeer) readFrameBody(h header) ([]byte, error) {
	p := make([]byte, h.payloadLength)
	if _, err := io.ReadFull(g.br, p); err != nil {
		return nil, err
	}
	if h.masked {
		mask(h.maskKey, p)
	}
	return p, nil
}

// sentPayload is a decoded client-to-gateway message.
type sentPayload struct {
	Op GatewayOp       `json:"op"`
	D  json.RawMessage `json:"d"`
}

func (g *gatewayPeer) readPayload(t testing.TB) sentPayload {
	t.Helper()
	f, err := g.readFrame()
	if err != nil {
		t.Fatalf("failed to read client frame: %v", err)
	}
	if f.opcode != opBinary && f.opcode != opText {
		t.Fatalf("expected a data frame but got opcode %v", f.opcode)
	}
	var p sentPayload
	if err := json.Unmarshal(f.payload, &p); err != nil {
		t.Fatalf("failed to decode client payload %q: %v", f.payload, err)
	}
	return p
}

// expectClose reads one frame and asserts it is a close frame with the
// given status code.
func (g *gatewayPeer) expectClose(t testing.TB, code StatusCode) {
	t.Helper()
	f, err := g.readFrame()
	if err != nil {
		t.Fatalf("failed to read client frame: %v", err)
	}
	if f.opcode != opClose {
		t.Fatalf("expected a close frame but got opcode %v", f.opcode)
	}
	ce, err := parseClosePayload(f.payload)
	if err != nil {
		t.Fatalf("bad close payload: %v", err)
	}
	if ce.Code != code {
		t.Fatalf("expected close code %v but got %v", code, ce.Code)
	}
}

// writeFrame writes an unmasked server frame.
func (g *gatewayPeer) writeFrame(op opcode, p []byte) error {
	err := writeFrameHeader(header{
		fin:           true,
		opcode:        op,
		payloadLength: int64(len(p)),
	}, g.bw)
	if err != nil {
		return err
	}
	if _, err := g.bw.Write(p); err != nil {
		return err
	}
	return g.bw.Flush()
}

func (g *gatewayPeer) writeJSON(t testing.TB, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal server payload: %v", err)
	}
	if err := g.writeFrame(opBinary, b); err != nil {
		t.Fatalf("failed to write server payload: %v", err)
	}
}

func (g *gatewayPeer) hello(t testing.TB, intervalMS float64) {
	t.Helper()
	g.writeJSON(t, map[string]interface{}{
		"op": OpHello,
		"d":  map[string]float64{"heartbeat_interval": intervalMS},
	})
}

func (g *gatewayPeer) dispatch(t testing.TB, event string, seq int64, d interface{}) {
	t.Helper()
	g.writeJSON(t, map[string]interface{}{
		"op": OpDispatch,
		"t":  event,
		"s":  seq,
		"d":  d,
	})
}

// drain discards client frames until the transport goes away. Useful when
// a test triggers a teardown and only cares that the close completes.
func (g *gatewayPeer) drain() {
	for {
		if _, err := g.readFrame(); err != nil {
			return
		}
	}
}

func (g *gatewayPeer) close() {
	g.rwc.Close()
}

// fakeGateway hands the session in-memory transports and the test the
// matching server ends, one per connection attempt.
type fakeGateway struct {
	conns chan net.Conn
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{conns: make(chan net.Conn, 8)}
}

func (g *fakeGateway) dial(context.Context) (*Conn, error) {
	client, server := net.Pipe()
	select {
	case g.conns <- server:
	default:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("fake gateway connection backlog full")
	}
	return NewConn(client, nil), nil
}

func (g *fakeGateway) accept(t testing.TB) *gatewayPeer {
	t.Helper()
	select {
	case c := <-g.conns:
		return newGatewayPeer(c)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the session to dial")
		return nil
	}
}
