package minicord

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minicord/minicord/internal/test/assert"
	"github.com/minicord/minicord/internal/test/cmp"
	"github.com/minicord/minicord/internal/xsync"
)

func connPipe(t *testing.T, opts *ConnOptions) (*Conn, *gatewayPeer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewConn(client, opts), newGatewayPeer(server)
}

func TestConnReadMessage(t *testing.T) {
	t.Parallel()

	c, peer := connPipe(t, nil)

	errs := xsync.Go(func() error {
		return peer.writeFrame(opBinary, []byte(`{"op":11,"d":null}`))
	})

	p, err := c.ReadMessage()
	assert.Success(t, err)
	assert.Equal(t, "payload", `{"op":11,"d":null}`, string(p))
	assert.Success(t, <-errs)
}

func TestConnWriteMessageMasked(t *testing.T) {
	t.Parallel()

	c, peer := connPipe(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := xsync.Go(func() error {
		return c.WriteMessage(ctx, []byte("hello gateway"))
	})

	h, err := readFrameHeader(peer.br)
	assert.Success(t, err)
	assert.Equal(t, "fin", true, h.fin)
	assert.Equal(t, "opcode", opBinary, h.opcode)
	assert.Equal(t, "masked", true, h.masked)

	f, err := peer.readFrameBody(h)
	assert.Success(t, err)
	assert.Equal(t, "payload", "hello gateway", string(f))
	assert.Success(t, <-errs)
}

func TestConnPingPong(t *testing.T) {
	t.Parallel()

	c, peer := connPipe(t, nil)

	errs := xsync.Go(func() error {
		if err := peer.writeFrame(opPing, []byte("probe")); err != nil {
			return err
		}
		pong, err := peer.readFrame()
		if err != nil {
			return err
		}
		assert.Equal(t, "pong opcode", opPong, pong.opcode)
		assert.Equal(t, "pong payload", "probe", string(pong.payload))
		return peer.writeFrame(opBinary, []byte("data"))
	})

	p, err := c.ReadMessage()
	assert.Success(t, err)
	assert.Equal(t, "payload", "data", string(p))
	assert.Success(t, <-errs)
}

func TestConnRejectsFragmentation(t *testing.T) {
	t.Parallel()

	c, peer := connPipe(t, nil)

	errs := xsync.Go(func() error {
		// A non-final text frame announces a fragmented message.
		err := writeFrameHeader(header{
			fin:           false,
			opcode:        opText,
			payloadLength: 0,
		}, peer.bw)
		if err != nil {
			return err
		}
		if err := peer.bw.Flush(); err != nil {
			return err
		}
		peer.expectClose(t, StatusProtocolError)
		return nil
	})

	_, err := c.ReadMessage()
	assert.ErrorIs(t, errFragmented, err)
	assert.Success(t, <-errs)
}

func TestConnRejectsOversizedControl(t *testing.T) {
	t.Parallel()

	c, peer := connPipe(t, nil)

	errs := xsync.Go(func() error {
		if err := peer.writeFrame(opPing, make([]byte, maxControlPayload+1)); err != nil {
			return err
		}
		peer.expectClose(t, StatusProtocolError)
		return nil
	})

	_, err := c.ReadMessage()
	assert.ErrorIs(t, errControlTooBig, err)
	assert.Success(t, <-errs)
}

func TestConnOversizedPayload(t *testing.T) {
	t.Parallel()

	c, peer := connPipe(t, &ConnOptions{ReadLimit: 8})

	errs := xsync.Go(func() error {
		big := make([]byte, 64)
		if err := peer.writeFrame(opBinary, big); err != nil {
			return err
		}
		peer.expectClose(t, StatusMessageTooBig)
		return nil
	})

	// The oversized frame surfaces as an orderly close, not a fault.
	_, err := c.ReadMessage()
	if !cmp.ErrorContains(err, "close frame") {
		t.Fatalf("error does not contain %q: %v", "close frame", err)
	}
	assert.Success(t, <-errs)
}

type countingCloser struct {
	net.Conn
	closes int32
}

func (cc *countingCloser) Close() error {
	atomic.AddInt32(&cc.closes, 1)
	return cc.Conn.Close()
}

func TestConnCloseIdempotent(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	cc := &countingCloser{Conn: client}
	c := NewConn(cc, nil)
	peer := newGatewayPeer(server)
	t.Cleanup(func() { server.Close() })

	errs := xsync.Go(func() error {
		peer.expectClose(t, StatusNormalClosure)
		// The transport must be gone after exactly one close frame.
		_, err := peer.readFrame()
		assert.Error(t, err)
		return nil
	})

	assert.Success(t, c.Close(StatusNormalClosure, ""))
	assert.Success(t, c.Close(StatusNormalClosure, ""))
	assert.Success(t, <-errs)

	assert.Equal(t, "transport closes", int32(1), atomic.LoadInt32(&cc.closes))
}
