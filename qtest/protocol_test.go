package qtest

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qemu-mgmt/aqmp/transport"
)

// startFakeQtestServer accepts exactly one connection on addr and answers
// every request line with responder's tokens (already including the status
// token), joined by spaces.
func startFakeQtestServer(t *testing.T, addr transport.Address, responder func(req []string) []string) <-chan net.Conn {
	t.Helper()
	connCh := make(chan net.Conn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, err := transport.Accept(ctx, addr)
		require.NoError(t, err)
		connCh <- conn

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			req, _ := decodeMessage([]byte(line[:len(line)-1]))
			resp, _ := encodeMessage(Message(responder(req)))
			conn.Write(append(resp, '\n'))
		}
	}()
	return connCh
}

func tempUnixAddr(t *testing.T) transport.UnixAddress {
	t.Helper()
	return transport.UnixAddress{Path: filepath.Join(t.TempDir(), "qtest.sock")}
}

func TestQtestExecuteHappyPath(t *testing.T) {
	addr := tempUnixAddr(t)
	startFakeQtestServer(t, addr, func(req []string) []string {
		assert.Equal(t, []string{"outb", "1024", "255"}, req)
		return []string{"OK"}
	})
	time.Sleep(20 * time.Millisecond)

	e := NewEngine()
	require.NoError(t, e.Connect(context.Background(), addr))

	res, err := e.Execute(context.Background(), "outb", "1024", "255")
	require.NoError(t, err)
	assert.Empty(t, res)

	require.NoError(t, e.Disconnect(context.Background()))
}

func TestQtestExecuteFail(t *testing.T) {
	addr := tempUnixAddr(t)
	startFakeQtestServer(t, addr, func(req []string) []string {
		return []string{"FAIL", "bad", "address"}
	})
	time.Sleep(20 * time.Millisecond)

	e := NewEngine()
	require.NoError(t, e.Connect(context.Background(), addr))

	_, err := e.Execute(context.Background(), "readb", "0xdeadbeef")
	require.Error(t, err)

	var qerr *QtestError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "FAIL", qerr.Status)
	assert.Equal(t, "bad address", qerr.Reason)
}

func TestQtestExecuteFIFOOrdering(t *testing.T) {
	addr := tempUnixAddr(t)
	startFakeQtestServer(t, addr, func(req []string) []string {
		// Echo the address back so each response is distinguishable.
		return []string{"OK", req[1]}
	})
	time.Sleep(20 * time.Millisecond)

	e := NewEngine()
	require.NoError(t, e.Connect(context.Background(), addr))

	results := make([][]string, 3)
	errs := make([]error, 3)
	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			res, err := e.Execute(context.Background(), "readb", string(rune('0'+i)))
			results[i] = res
			errs[i] = err
			done <- i
		}(i)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 1)
		assert.Equal(t, string(rune('0'+i)), results[i][0])
	}
}

func TestQtestIRQDispatch(t *testing.T) {
	addr := tempUnixAddr(t)
	connCh := startFakeQtestServer(t, addr, func(req []string) []string {
		return []string{"OK"}
	})
	time.Sleep(20 * time.Millisecond)

	e := NewEngine()
	require.NoError(t, e.Connect(context.Background(), addr))
	conn := <-connCh

	irqs := make(chan Message, 1)
	e.OnIRQ(func(m Message) { irqs <- m })

	_, err := conn.Write([]byte("IRQ raise 3\n"))
	require.NoError(t, err)

	select {
	case m := <-irqs:
		assert.Equal(t, Message{"IRQ", "raise", "3"}, m)
	case <-time.After(time.Second):
		t.Fatal("IRQ was never dispatched")
	}

	// A follow-up command still gets its own response, undisturbed by the
	// interleaved IRQ line.
	res, err := e.Execute(context.Background(), "outb", "1", "2")
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestQtestDisconnectCancelsPending(t *testing.T) {
	addr := tempUnixAddr(t)
	startFakeQtestServer(t, addr, func(req []string) []string {
		time.Sleep(5 * time.Second) // outlives the test; disconnect wins the race
		return []string{"OK"}
	})
	time.Sleep(20 * time.Millisecond)

	e := NewEngine()
	require.NoError(t, e.Connect(context.Background(), addr))

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), "clock_step")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Disconnect(context.Background()))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending execute was never cancelled")
	}
}
