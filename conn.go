package minicord

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minicord/minicord/internal/bpool"
	"github.com/minicord/minicord/internal/errd"
)

// defaultReadLimit bounds the payload length the connection is willing to
// buffer for a single frame. Gateway READY payloads for busy bots run
// large, so this is generous.
const defaultReadLimit = 1 << 20

// Conn is a client connection speaking masked WebSocket framing over an
// ordered reliable byte stream, usually TCP+TLS from Dial.
//
// All writes are serialized internally so the receive loop and the
// heartbeat scheduler can share one transport without interleaving frame
// bytes. Only one goroutine may call ReadMessage at a time.
//
// Closing the connection unblocks any pending ReadMessage.
type Conn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader
	bw  *bufio.Writer

	readLimit int64

	// writeMu is the single send path. Every frame write goes through it.
	writeMu mu

	closed     chan struct{}
	closeMu    sync.Mutex
	closeErr   error
	wroteClose bool
}

// ConnOptions configures NewConn.
type ConnOptions struct {
	// ReadLimit caps the payload length of a single inbound frame.
	// A frame header declaring more is answered with a
	// StatusMessageTooBig close frame. Defaults to 1 MiB.
	ReadLimit int64
}

// NewConn layers a gateway connection over rwc.
//
// Most callers want Dial instead. NewConn exists so a session can run over
// any preestablished duplex byte stream, in-memory pipes included.
func NewConn(rwc io.ReadWriteCloser, opts *ConnOptions) *Conn {
	if opts == nil {
		opts = &ConnOptions{}
	}
	return newConn(rwc, bufio.NewReader(rwc), opts.ReadLimit)
}

func newConn(rwc io.ReadWriteCloser, br *bufio.Reader, readLimit int64) *Conn {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &Conn{
		rwc:       rwc,
		br:        br,
		bw:        bufio.NewWriter(rwc),
		readLimit: readLimit,
		closed:    make(chan struct{}),
	}
}

type frame struct {
	fin     bool
	opcode  opcode
	payload []byte
}

// readFrame reads one frame from the transport.
//
// A header declaring a payload beyond the read limit is a recoverable
// condition: the peer is told with a StatusMessageTooBig close frame and a
// synthetic terminal close frame is surfaced so the caller unwinds cleanly
// instead of failing mid stream.
func (c *Conn) readFrame() (frame, error) {
	h, err := readFrameHeader(c.br)
	if err != nil {
		return frame{}, err
	}

	if h.opcode == opContinuation || !h.fin {
		return frame{}, fmt.Errorf("%w: opcode %v, fin %v", errFragmented, h.opcode, h.fin)
	}

	if h.opcode.controlOp() && h.payloadLength > maxControlPayload {
		return frame{}, fmt.Errorf("%w: opcode %v, length %v", errControlTooBig, h.opcode, h.payloadLength)
	}

	if h.payloadLength > c.readLimit {
		c.writeClose(StatusMessageTooBig, "received frame payload is too big")
		return frame{fin: true, opcode: opClose}, nil
	}

	p := make([]byte, h.payloadLength)
	_, err = io.ReadFull(c.br, p)
	if err != nil {
		return frame{}, fmt.Errorf("failed to read frame payload: %w", err)
	}

	// Server frames arrive unmasked in normal operation but the flag is
	// honored for correctness.
	if h.masked {
		mask(h.maskKey, p)
	}

	return frame{fin: h.fin, opcode: h.opcode, payload: p}, nil
}

// ReadMessage reads frames until a data message arrives and returns its
// payload. Ping frames are answered with pongs, pong frames are skipped
// and a close frame completes the close handshake and surfaces a
// CloseError.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		f, err := c.readFrame()
		if err != nil {
			switch {
			case errors.Is(err, errFragmented):
				c.writeClose(StatusProtocolError, "fragmented messages are not supported")
			case errors.Is(err, errControlTooBig):
				c.writeClose(StatusProtocolError, "control frame payload too big")
			}
			c.close(err)
			return nil, c.closeError(err)
		}

		switch f.opcode {
		case opText, opBinary:
			return f.payload, nil
		case opClose:
			ce, perr := parseClosePayload(f.payload)
			if perr != nil {
				ce = CloseError{Code: StatusProtocolError, Reason: "invalid close payload"}
			}
			// Echo the close before releasing the transport, unless
			// we already initiated the handshake ourselves.
			echo := ce.Code
			if echo == statusNoStatusRcvd {
				echo = StatusNormalClosure
			}
			c.writeClose(echo, "")
			err = fmt.Errorf("received close frame: %w", ce)
			c.close(err)
			return nil, err
		case opPing:
			if err := c.writeControl(context.Background(), opPong, f.payload); err != nil {
				c.close(err)
				return nil, c.closeError(err)
			}
		case opPong:
			// Nothing to do, liveness is tracked at the gateway layer.
		default:
			err = fmt.Errorf("received unknown opcode %v", f.opcode)
			c.writeClose(StatusProtocolError, "unknown opcode")
			c.close(err)
			return nil, err
		}
	}
}

// closeError prefers the recorded close cause over a raw transport error
// so callers see why the connection went away, not just a closed-pipe
// read failure.
func (c *Conn) closeError(err error) error {
	select {
	case <-c.closed:
		c.closeMu.Lock()
		defer c.closeMu.Unlock()
		if c.closeErr != nil {
			return c.closeErr
		}
	default:
	}
	return err
}

// WriteMessage writes p as a single masked binary frame.
func (c *Conn) WriteMessage(ctx context.Context, p []byte) error {
	err := c.writeFrame(ctx, opBinary, p)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Conn) writeControl(ctx context.Context, op opcode, p []byte) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	err := c.writeFrame(ctx, op, p)
	if err != nil {
		return fmt.Errorf("failed to write control frame %v: %w", op, err)
	}
	return nil
}

// writeFrame handles all writes to the transport. Client frames are
// always masked with a fresh random key.
func (c *Conn) writeFrame(ctx context.Context, op opcode, p []byte) (err error) {
	defer errd.Wrap(&err, "failed to write frame")

	err = c.writeMu.Lock(ctx)
	if err != nil {
		return err
	}
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("connection closed: %w", c.closeErr)
	default:
	}

	h := header{
		fin:           true,
		opcode:        op,
		masked:        true,
		payloadLength: int64(len(p)),
	}
	err = binary.Read(rand.Reader, binary.LittleEndian, &h.maskKey)
	if err != nil {
		return fmt.Errorf("failed to generate masking key: %w", err)
	}

	err = writeFrameHeader(h, c.bw)
	if err != nil {
		return err
	}

	// The caller's slice is never mutated, masking happens on a pooled copy.
	buf := bpool.Get()
	defer bpool.Put(buf)
	buf.Write(p)
	masked := buf.Bytes()
	mask(h.maskKey, masked)

	_, err = c.bw.Write(masked)
	if err != nil {
		return err
	}

	return c.bw.Flush()
}

// writeClose sends at most one close frame for the lifetime of the
// connection. Later calls are no-ops.
func (c *Conn) writeClose(code StatusCode, reason string) error {
	c.closeMu.Lock()
	wrote := c.wroteClose
	c.wroteClose = true
	c.closeMu.Unlock()
	if wrote {
		return nil
	}

	p, err := CloseError{Code: code, Reason: reason}.bytes()
	if err != nil {
		// Never fail the teardown over an unencodable close payload.
		p, _ = CloseError{Code: StatusInternalError}.bytes()
	}
	return c.writeControl(context.Background(), opClose, p)
}

// Close sends a close frame with the given status and releases the
// transport. It is idempotent: one close frame is ever written and the
// transport is released exactly once.
func (c *Conn) Close(code StatusCode, reason string) error {
	already := c.isClosed()
	werr := c.writeClose(code, reason)
	c.close(fmt.Errorf("sent close frame: %w", CloseError{Code: code, Reason: reason}))
	if werr != nil && !already {
		return werr
	}
	return nil
}

// CloseNow releases the transport without a close handshake. Used when
// the gateway asks for a reconnect, where the protocol requires dropping
// the stream silently so the session can be resumed.
func (c *Conn) CloseNow() {
	c.close(errors.New("connection discarded without close handshake"))
}

func (c *Conn) close(err error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.isClosed() {
		return
	}
	if c.closeErr == nil {
		c.closeErr = err
	}
	close(c.closed)

	// Releasing the transport after c.closed ensures a goroutine woken by
	// the read failing also observes the close cause.
	c.rwc.Close()
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// mu is a context aware mutex. It backs the single send path.
type mu struct {
	once sync.Once
	ch   chan struct{}
}

func (m *mu) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
	})
}

func (m *mu) Lock(ctx context.Context) error {
	m.init()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.ch <- struct{}{}:
		return nil
	}
}

func (m *mu) Unlock() {
	<-m.ch
}
