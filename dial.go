package minicord

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/minicord/minicord/internal/errd"
)

// DefaultGatewayURL is the production gateway endpoint.
const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// DialOptions represents the options available to pass to Dial.
type DialOptions struct {
	// TLSConfig is used for wss endpoints. nil means sane defaults.
	TLSConfig *tls.Config

	// ReadLimit is passed through to the connection, see ConnOptions.
	ReadLimit int64
}

// Dial opens a TCP+TLS stream to the gateway URL and performs the
// HTTP/1.1 upgrade handshake directly on it. The returned connection is
// ready for the gateway hello.
//
// The ws scheme dials plain TCP and exists for local testing.
func Dial(ctx context.Context, rawURL string, opts *DialOptions) (_ *Conn, err error) {
	defer errd.Wrap(&err, "failed to dial gateway %q", rawURL)

	if opts == nil {
		opts = &DialOptions{}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var addr string
	var netConn net.Conn
	switch u.Scheme {
	case "wss":
		addr = hostPort(u.Host, "443")
		d := &tls.Dialer{Config: opts.TLSConfig}
		netConn, err = d.DialContext(ctx, "tcp", addr)
	case "ws":
		addr = hostPort(u.Host, "80")
		var d net.Dialer
		netConn, err = d.DialContext(ctx, "tcp", addr)
	default:
		return nil, fmt.Errorf("unexpected url scheme: %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	br := bufio.NewReader(netConn)
	err = upgrade(netConn, br, u)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	netConn.SetDeadline(time.Time{})

	return newConn(netConn, br, opts.ReadLimit), nil
}

func hostPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}

// upgrade writes the WebSocket upgrade request on the raw stream and
// verifies the 101 response, so the same stream carries frames afterwards.
func upgrade(w net.Conn, br *bufio.Reader, u *url.URL) (err error) {
	defer errd.Wrap(&err, "upgrade handshake failed")

	key, err := secWebSocketKey()
	if err != nil {
		return err
	}

	target := u.Path
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	var req strings.Builder
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&req, "Host: %s\r\n", u.Host)
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\n", key)
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	req.WriteString("\r\n")

	_, err = w.Write([]byte(req.String()))
	if err != nil {
		return err
	}

	tr := textproto.NewReader(br)
	status, err := tr.ReadLine()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(status, "HTTP/1.1 101") {
		return fmt.Errorf("expected status 101 but got %q", status)
	}

	hdr, err := tr.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("failed to read response headers: %w", err)
	}

	if !strings.EqualFold(hdr.Get("Upgrade"), "websocket") {
		return fmt.Errorf("unexpected Upgrade header: %q", hdr.Get("Upgrade"))
	}
	if accept := hdr.Get("Sec-Websocket-Accept"); accept != secWebSocketAccept(key) {
		return fmt.Errorf("invalid Sec-WebSocket-Accept: %q", accept)
	}

	return nil
}

// secWebSocketKey is 16 random bytes encoded in base64.
func secWebSocketKey() (string, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		return "", fmt.Errorf("failed to generate Sec-WebSocket-Key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func secWebSocketAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
