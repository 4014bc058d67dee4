package qmp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qemu-mgmt/aqmp/transport"
)

// fakeServer drives the server side of a QMP session: it sends the
// greeting, negotiates capabilities, then answers each request read off the
// socket using the supplied responder.
type fakeServer struct {
	conn      net.Conn
	r         *bufio.Reader
	responder func(req Message) map[string]interface{}
}

// startFakeQMPServer accepts exactly one connection on addr and runs a fake
// QMP server on it, greeting the client and answering every non-handshake
// request with responder's result.
func startFakeQMPServer(t *testing.T, addr transport.Address, responder func(Message) map[string]interface{}) <-chan net.Conn {
	t.Helper()
	connCh := make(chan net.Conn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, err := transport.Accept(ctx, addr)
		require.NoError(t, err)
		connCh <- conn

		fs := &fakeServer{conn: conn, r: bufio.NewReader(conn), responder: responder}
		conn.Write([]byte(`{"QMP":{"version":{"qemu":{"major":8,"minor":1,"micro":0}},"capabilities":[]}}` + "\n"))
		fs.loop(t)
	}()
	return connCh
}

func (fs *fakeServer) loop(t *testing.T) {
	for {
		line, err := fs.r.ReadString('\n')
		if err != nil {
			return
		}
		req, err := decodeMessage([]byte(line[:len(line)-1]))
		require.NoError(t, err)
		id, _ := req.ID()

		var respRaw map[string]interface{}
		if exec, _ := req.raw["execute"].(string); exec == "qmp_capabilities" {
			respRaw = map[string]interface{}{"return": map[string]interface{}{}}
		} else {
			respRaw = fs.responder(req)
		}
		respRaw["id"] = id
		resp, _ := encodeMessage(Message{raw: respRaw})
		fs.conn.Write(append(resp, '\n'))
	}
}

func tempUnixAddr(t *testing.T) transport.UnixAddress {
	t.Helper()
	return transport.UnixAddress{Path: filepath.Join(t.TempDir(), "qmp.sock")}
}

func TestQMPHappyPath(t *testing.T) {
	addr := tempUnixAddr(t)
	connCh := startFakeQMPServer(t, addr, func(req Message) map[string]interface{} {
		return map[string]interface{}{"return": map[string]interface{}{}}
	})

	// Give the fake server a moment to bind before dialing.
	time.Sleep(20 * time.Millisecond)

	e := NewEngine()
	require.NoError(t, e.Connect(context.Background(), addr))
	<-connCh
	assert.True(t, e.Running())
	assert.Equal(t, 8, e.Greeting().Major)

	res, err := e.Execute(context.Background(), "cont", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{}, res)

	require.NoError(t, e.Disconnect(context.Background()))
}

func TestQMPErrorUpgrade(t *testing.T) {
	addr := tempUnixAddr(t)
	startFakeQMPServer(t, addr, func(req Message) map[string]interface{} {
		return map[string]interface{}{
			"error": map[string]interface{}{
				"class": "GenericError",
				"desc":  "Parameter 'node' is missing",
			},
		}
	})
	time.Sleep(20 * time.Millisecond)

	e := NewEngine()
	require.NoError(t, e.Connect(context.Background(), addr))

	_, err := e.Execute(context.Background(), "block-dirty-bitmap-add", nil)
	require.Error(t, err)

	var ge *GenericError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "Parameter 'node' is missing", ge.Info.Desc)
}

func TestQMPUnknownErrorClassNotUpgraded(t *testing.T) {
	addr := tempUnixAddr(t)
	startFakeQMPServer(t, addr, func(req Message) map[string]interface{} {
		return map[string]interface{}{
			"error": map[string]interface{}{"class": "NovelClass", "desc": "x"},
		}
	})
	time.Sleep(20 * time.Millisecond)

	e := NewEngine()
	require.NoError(t, e.Connect(context.Background(), addr))

	_, err := e.Execute(context.Background(), "whatever", nil)
	require.Error(t, err)

	var ge *GenericError
	assert.False(t, errors.As(err, &ge))

	var ee *ExecuteError
	require.True(t, errors.As(err, &ee))
}

func TestQMPEventDispatch(t *testing.T) {
	addr := tempUnixAddr(t)
	connCh := startFakeQMPServer(t, addr, func(req Message) map[string]interface{} {
		return map[string]interface{}{"return": map[string]interface{}{}}
	})
	time.Sleep(20 * time.Millisecond)

	e := NewEngine()
	require.NoError(t, e.Connect(context.Background(), addr))
	conn := <-connCh

	events := make(chan Event, 1)
	e.OnEvent(func(ev Event) { events <- ev })

	_, err := conn.Write([]byte(`{"event":"STOP","data":{"reason":"paused"}}` + "\n"))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "STOP", ev.Name)
		assert.Equal(t, "paused", ev.Data["reason"])
	case <-time.After(time.Second):
		t.Fatal("event was never dispatched")
	}
}
