package memory

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazyfrankie/zmodbus/peer"
	"github.com/crazyfrankie/zmodbus/transport"
)

func accept(t *testing.T, l net.Listener) net.Conn {
	t.Helper()
	ch := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			ch <- c
		}
	}()
	select {
	case c := <-ch:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
		return nil
	}
}

func TestDialCarriesSession(t *testing.T) {
	tr := New()
	l, err := tr.Listen(context.Background(), "tank-level", transport.Options{})
	require.NoError(t, err)

	var client net.Conn
	done := make(chan error, 1)
	go func() {
		var err error
		client, err = tr.DialAs(context.Background(), "scada", "tank-level")
		done <- err
	}()
	server := accept(t, l)
	require.NoError(t, <-done)
	defer client.Close()

	s := peer.FromConn(server)
	assert.Equal(t, "scada", s.CallerID)
	assert.Equal(t, "tank-level", s.Service)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "scada@tank-level", s.Addr.String())
	assert.Equal(t, Name, s.Addr.Network())

	go client.Write([]byte{1, 2, 3})
	buf := make([]byte, 3)
	_, err = server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf)
}

func TestDialUnknownService(t *testing.T) {
	_, err := New().Dial(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNoService)
}

func TestDialHonoursContext(t *testing.T) {
	tr := New()
	_, err := tr.Listen(context.Background(), "tank-level", transport.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Dial(ctx, "tank-level")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenerCloseUnblocksAcceptAndDial(t *testing.T) {
	tr := New()
	l, err := tr.Listen(context.Background(), "tank-level", transport.Options{})
	require.NoError(t, err)

	dialed := make(chan error, 1)
	go func() {
		_, err := tr.Dial(context.Background(), "tank-level")
		dialed <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.ErrorIs(t, <-dialed, ErrNoService)
	_, err = l.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)

	// closed but not released: the name is still taken
	_, err = tr.Listen(context.Background(), "tank-level", transport.Options{})
	assert.ErrorIs(t, err, ErrServiceBound)
}

func TestReleaseFreesName(t *testing.T) {
	tr := New()
	l, err := tr.Listen(context.Background(), "tank-level", transport.Options{Identity: "plc-2"})
	require.NoError(t, err)
	require.Len(t, tr.Services(), 1)

	require.NoError(t, l.Release())
	assert.ErrorIs(t, l.Release(), ErrNoService)
	assert.Empty(t, tr.Services())

	_, err = tr.Listen(context.Background(), "tank-level", transport.Options{})
	assert.NoError(t, err)
}

func TestMaxConnections(t *testing.T) {
	tr := New()
	l, err := tr.Listen(context.Background(), "tank-level", transport.Options{MaxConnections: 1})
	require.NoError(t, err)

	var first net.Conn
	done := make(chan error, 1)
	go func() {
		var err error
		first, err = tr.Dial(context.Background(), "tank-level")
		done <- err
	}()
	server := accept(t, l)
	require.NoError(t, <-done)

	_, err = tr.Dial(context.Background(), "tank-level")
	assert.ErrorIs(t, err, ErrTooManyConns)

	require.NoError(t, server.Close())
	first.Close()

	go func() {
		_, err := tr.Dial(context.Background(), "tank-level")
		done <- err
	}()
	accept(t, l)
	assert.NoError(t, <-done)
}

func TestTransportClose(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Ready())

	_, err := tr.Listen(context.Background(), "tank-level", transport.Options{})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Ready(), ErrClosed)
	_, err = tr.Listen(context.Background(), "other", transport.Options{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Dial(context.Background(), "tank-level")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestListenCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Listen(ctx, "tank-level", transport.Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
