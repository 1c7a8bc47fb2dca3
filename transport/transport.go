// Package transport implements the duplex byte-stream contract the
// protocol engine leaves to its host: it is not imported by irc or
// state, only by a host program that wires a real net.Conn/tls.Conn to
// a state.Session, reopening a fresh Transport on every reconnect.
package transport

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"git.sr.ht/~taiite/ircore/irc"
)

// Options configures a Dial.
type Options struct {
	Host   string
	Port   uint16
	Secure bool

	// TLSConfig, if non-nil, is used verbatim instead of a default
	// tls.Config derived from Host.
	TLSConfig *tls.Config

	// DialTimeout bounds the initial TCP connect.
	DialTimeout time.Duration
}

// Transport is a duplex byte-oriented connection to an IRC server,
// exposed as line reads and writes rather than raw byte callbacks:
// every consumer (state.Session.Feed) wants whole lines, so splitting
// on "\r\n" (or a lone "\n") is the transport's job, not the codec's.
type Transport struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial opens a TCP connection (optionally wrapped in TLS) to the server
// named by opts. A bare host is given a default port per Secure; TLS
// handshakes with ServerName set from the dialed host.
func Dial(opts Options) (*Transport, error) {
	addr := opts.Host
	if !strings.Contains(addr, ":") {
		port := opts.Port
		if port == 0 {
			if opts.Secure {
				port = 6697
			} else {
				port = 6667
			}
		}
		addr = net.JoinHostPort(addr, portString(port))
	}

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", irc.ErrTransport, err)
	}

	if opts.Secure {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		tlsConfig := opts.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: host}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", irc.ErrTransport, err)
		}
		conn = tlsConn
	}

	return &Transport{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// ReadLine reads one line, stripped of its trailing "\r\n" or "\n",
// ready to hand to irc.ParseMessage.
func (t *Transport) ReadLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: %v", irc.ErrTransport, err)
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// WriteLine writes one formatted message line, appending "\r\n".
func (t *Transport) WriteLine(line string) error {
	if _, err := t.conn.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("%w: %v", irc.ErrTransport, err)
	}
	return nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// SetDeadline forwards to the underlying net.Conn, letting a host bound
// a read so it can drive state.Session.Tick even when the server is
// silent.
func (t *Transport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}
