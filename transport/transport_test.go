package transport

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("hello\nworld\n")
	lr := &LineReader{r: bufio.NewReaderSize(&buf, 16), maxLineSize: 1024}

	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(line))

	line, err = lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "world", string(line))

	_, err = lr.ReadLine()
	assert.Error(t, err)
}

func TestLineReaderEOF(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("only-line\n")
	lr := &LineReader{r: bufio.NewReaderSize(&buf, 16), maxLineSize: 1024}

	_, err := lr.ReadLine()
	require.NoError(t, err)

	_, err = lr.ReadLine()
	require.Error(t, err)
}

func TestLineReaderOverflow(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("x", 100) + "\n")
	lr := &LineReader{r: bufio.NewReaderSize(&buf, 16), maxLineSize: 10}

	_, err := lr.ReadLine()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum size")
}

func TestDialAcceptUnix(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "qtest.sock")
	addr := UnixAddress{Path: sockPath}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acceptErr := make(chan error, 1)
	var serverConn net.Conn
	go func() {
		conn, err := Accept(ctx, addr)
		serverConn = conn
		acceptErr <- err
	}()

	// Give the listener a moment to bind before dialing.
	time.Sleep(20 * time.Millisecond)

	clientConn, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, <-acceptErr)
	require.NotNil(t, serverConn)
	defer serverConn.Close()

	_, err = clientConn.Write([]byte("ping\n"))
	require.NoError(t, err)

	r := NewReader(serverConn, DefaultMaxLineSize)
	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(line))
}

func TestAcceptContextCancel(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "qtest2.sock")
	addr := UnixAddress{Path: sockPath}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Accept(ctx, addr)
	assert.Error(t, err)
}

func TestAddressStrings(t *testing.T) {
	tcp := TCPAddress{Host: "127.0.0.1", Port: 4444}
	assert.Equal(t, "127.0.0.1:4444", tcp.String())
	assert.Equal(t, "tcp", tcp.network())

	unix := UnixAddress{Path: "/tmp/foo.sock"}
	assert.Equal(t, "/tmp/foo.sock", unix.String())
	assert.Equal(t, "unix", unix.network())
}
