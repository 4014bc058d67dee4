// Package transport opens and closes the byte-oriented, bidirectional
// stream the protocol engine runs over, and frames it into lines.
//
// Grounded on govmm's qemu.QMPStart (net.Dialer-based unix-socket dial) and
// maci0/katamaran's internal/qmp.Client (buffered reader, deadline-aware
// dial), generalized to also accept a TCP endpoint alongside a unix socket.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/qemu-mgmt/aqmp/aqmperr"
)

// DefaultMaxLineSize is the largest single line (message) the framing layer
// will accept before failing the session. One message over this size is a
// ProtocolError, not a silently truncated read.
const DefaultMaxLineSize = 16 * 1024 * 1024

// Address is a sealed tagged union: either a TCP host/port or a local
// socket path. Sealed the same way maci0/katamaran seals its QMP command
// Args types, so callers outside this package can't fabricate a third kind.
type Address interface {
	network() string
	address() string
	String() string

	addressSeal()
}

// TCPAddress addresses a TCP host/port endpoint.
type TCPAddress struct {
	Host string
	Port uint16
}

func (a TCPAddress) network() string { return "tcp" }
func (a TCPAddress) address() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }
func (a TCPAddress) String() string  { return a.address() }
func (TCPAddress) addressSeal()      {}

// UnixAddress addresses a local filesystem socket path.
type UnixAddress struct {
	Path string
}

func (a UnixAddress) network() string { return "unix" }
func (a UnixAddress) address() string { return a.Path }
func (a UnixAddress) String() string  { return a.Path }
func (UnixAddress) addressSeal()      {}

// Dial opens a byte-oriented stream to addr. It fails with a
// *aqmperr.ConnectError when the endpoint is unreachable, unresolvable, or
// the local socket cannot be created.
func Dial(ctx context.Context, addr Address) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, addr.network(), addr.address())
	if err != nil {
		return nil, aqmperr.NewConnectError(fmt.Sprintf("dial %s", addr), err)
	}
	return conn, nil
}

// Accept binds, listens, accepts exactly one incoming connection on addr,
// then stops listening. It fails with a *aqmperr.ConnectError on any bind,
// listen, or accept-time error.
func Accept(ctx context.Context, addr Address) (net.Conn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, addr.network(), addr.address())
	if err != nil {
		return nil, aqmperr.NewConnectError(fmt.Sprintf("listen %s", addr), err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		resCh <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, aqmperr.NewConnectError(fmt.Sprintf("accept %s", addr), ctx.Err())
	case res := <-resCh:
		if res.err != nil {
			return nil, aqmperr.NewConnectError(fmt.Sprintf("accept %s", addr), res.err)
		}
		return res.conn, nil
	}
}

// NewReader wraps conn in a bufio.Reader capped at maxLineSize: ReadLine
// returns a *aqmperr.ProtocolError once a line (excluding its terminating
// '\n') would exceed that cap, instead of silently splitting it.
func NewReader(conn net.Conn, maxLineSize int) *LineReader {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	return &LineReader{r: bufio.NewReaderSize(conn, 4096), maxLineSize: maxLineSize}
}

// LineReader reads '\n'-terminated lines off a stream, enforcing a maximum
// line size.
type LineReader struct {
	r           *bufio.Reader
	maxLineSize int
}

// ReadLine returns the next line, without its trailing '\n'. io.EOF is
// returned verbatim (never wrapped) so callers can tell a clean peer close
// apart from a framing failure.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := lr.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > lr.maxLineSize {
			return nil, aqmperr.NewProtocolError(
				fmt.Sprintf("line exceeds maximum size of %d bytes", lr.maxLineSize), nil)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// NewWriter wraps conn in a buffered writer; callers must call Flush after
// each message, since the framing layer never flushes implicitly.
func NewWriter(conn net.Conn) *bufio.Writer {
	return bufio.NewWriterSize(conn, 4096)
}
