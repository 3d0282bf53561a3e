package ws

import (
	"bufio"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

const dialTimeout = 15 * time.Second

// HandshakeError reports a failed HTTP Upgrade exchange.
type HandshakeError struct {
	StatusLine string
}

func (e *HandshakeError) Error() string {
	if e.StatusLine == "" {
		return "ws: connection closed during handshake"
	}
	return fmt.Sprintf("ws: handshake rejected: %s", e.StatusLine)
}

// Conn is a client WebSocket session over a raw socket. It supports
// exactly the subset this system needs: single-frame text messages and
// control frames. Reads happen from one goroutine; writes are
// serialized internally so a concurrent progress reporter is safe.
type Conn struct {
	conn     net.Conn
	reader   *bufio.Reader
	hostPort string

	writeMu sync.Mutex
}

// Dial opens a WebSocket session against baseURL (http/https or
// ws/wss scheme) at the given request path (which may carry a query).
func Dial(baseURL, path string) (*Conn, error) {
	c, err := Connect(baseURL)
	if err != nil {
		return nil, err
	}
	if err := c.Upgrade(path); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connect opens the transport to baseURL, with TLS when the scheme
// asks for it, but performs no HTTP upgrade yet. Callers follow up
// with Upgrade.
func Connect(baseURL string) (*Conn, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ws: parse url: %w", err)
	}

	useTLS := u.Scheme == "https" || u.Scheme == "wss"
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := u.Port()
	if port == "" {
		if useTLS {
			port = "443"
		} else {
			port = "80"
		}
	}
	addr := net.JoinHostPort(host, port)

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", addr, err)
	}

	if useTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ws: tls handshake: %w", err)
		}
		conn = tlsConn
	}

	return &Conn{conn: conn, reader: bufio.NewReader(conn), hostPort: addr}, nil
}

// Upgrade performs the HTTP Upgrade exchange. Success requires a
// status line containing 101; anything else, or a stream that closes
// before the header terminator, is a HandshakeError.
func (c *Conn) Upgrade(path string) error {
	var keyBytes [16]byte
	rand.Read(keyBytes[:])
	key := base64.StdEncoding.EncodeToString(keyBytes[:])

	request := fmt.Sprintf(
		"GET %s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Key: %s\r\n"+
			"Sec-WebSocket-Version: 13\r\n"+
			"\r\n",
		path, c.hostPort, key)

	c.conn.SetDeadline(time.Now().Add(dialTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write([]byte(request)); err != nil {
		return fmt.Errorf("ws: send handshake: %w", err)
	}

	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return &HandshakeError{}
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")

	// Drain the remaining response headers up to the terminator.
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return &HandshakeError{}
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	if !strings.Contains(statusLine, "101") {
		return &HandshakeError{StatusLine: statusLine}
	}
	return nil
}

// WriteMessage sends one masked text frame.
func (c *Conn) WriteMessage(payload []byte) error {
	return c.writeFrame(payload, OpText)
}

func (c *Conn) writeFrame(payload []byte, opcode Opcode) error {
	frame := EncodeFrame(payload, opcode)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := c.conn.Write(frame)
	return err
}

// ReadMessage blocks until the next application message and returns
// its payload. Pings are answered with a masked pong carrying the same
// payload and never surface; pong frames are dropped. A close frame or
// closed stream returns ErrClosed; a fragmented frame returns
// ErrProtocol.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		frame, err := readFrame(c.reader)
		if err != nil {
			return nil, err
		}
		if !frame.Fin {
			return nil, fmt.Errorf("%w: fragmented frame", ErrProtocol)
		}

		switch frame.Opcode {
		case OpClose:
			return nil, ErrClosed
		case OpPing:
			if err := c.writeFrame(frame.Payload, OpPong); err != nil {
				return nil, err
			}
		case OpPong:
			// keepalive answer, nothing to deliver
		default:
			return frame.Payload, nil
		}
	}
}

// SetReadDeadline bounds the next ReadMessage call. A zero time
// removes the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close tears the session down.
func (c *Conn) Close() error {
	return c.conn.Close()
}
