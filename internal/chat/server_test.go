package chat

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/safechat-server/internal/frame"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv := NewServer(cfg, nil, discardLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	port := srv.Addr().(*net.TCPAddr).Port
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClosed asserts the server closed conn without sending anything.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection was not closed by the server")
	}
}

func echo(t *testing.T, conn net.Conn, f frame.Frame) {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, frame.Write(conn, f))

	got, err := frame.NewDecoder(conn, 0).Decode()
	require.NoError(t, err)
	assert.Equal(t, f.Command, got.Command)
	assert.Equal(t, string(f.Payload), string(got.Payload))
}

func waitLen(t *testing.T, srv *Server, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return srv.Registry().Len() == n },
		2*time.Second, 5*time.Millisecond, "registry never reached %d entries", n)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(Config{}, nil, discardLogger())
	require.NoError(t, srv.Start())
	addr := srv.Addr()
	require.NotNil(t, addr)

	conn := dial(t, srv)
	waitLen(t, srv, 1)

	require.NoError(t, srv.Stop())
	assert.Zero(t, srv.Registry().Len())
	expectClosed(t, conn)

	_, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.(*net.TCPAddr).Port)))
	assert.Error(t, err)

	assert.NoError(t, srv.Stop(), "second Stop is a no-op")
}

func TestServer_EchoOverTCP(t *testing.T) {
	srv := startServer(t, Config{})
	conn := dial(t, srv)

	echo(t, conn, frame.Frame{Command: 12, Payload: []byte("hello")})
	echo(t, conn, frame.Frame{Command: -3, Payload: nil})
}

func TestServer_AssignsUniqueIDs(t *testing.T) {
	srv := startServer(t, Config{MaxConnections: 10})
	for i := 0; i < 5; i++ {
		dial(t, srv)
	}
	waitLen(t, srv, 5)

	seen := make(map[ConnID]bool)
	for _, w := range srv.Registry().Snapshot() {
		assert.False(t, seen[w.ID()])
		seen[w.ID()] = true
	}
}

func TestServer_BindError(t *testing.T) {
	first := startServer(t, Config{})
	port := first.Addr().(*net.TCPAddr).Port

	second := NewServer(Config{Port: port}, nil, discardLogger())
	err := second.Listen()

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Contains(t, bindErr.Addr, strconv.Itoa(port))
	assert.Nil(t, second.Addr())
}

func TestServer_ListenTwice(t *testing.T) {
	srv := startServer(t, Config{})
	assert.ErrorIs(t, srv.Listen(), ErrServerRunning)
}

func TestServer_ServeRequiresListen(t *testing.T) {
	srv := NewServer(Config{}, nil, discardLogger())
	assert.Error(t, srv.Serve(context.Background()))
}

func TestServer_ListenAndServeCancel(t *testing.T) {
	srv := NewServer(Config{}, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	assert.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	conn := dial(t, srv)
	waitLen(t, srv, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
	assert.Zero(t, srv.Registry().Len())
	expectClosed(t, conn)
}

func TestServer_ShedsConnectionsAboveCapacity(t *testing.T) {
	rejected := testutil.ToFloat64(ConnectionsRejected)
	srv := startServer(t, Config{MaxConnections: 1, SweepInterval: 10 * time.Millisecond})

	first := dial(t, srv)
	waitLen(t, srv, 1)

	second := dial(t, srv)
	expectClosed(t, second)
	assert.Equal(t, rejected+1, testutil.ToFloat64(ConnectionsRejected))

	// The overloaded entry is reclaimed on the next sweep.
	waitLen(t, srv, 1)
	echo(t, first, frame.Frame{Command: 1, Payload: []byte("still served")})
}

func TestServer_IdleConnectionTimesOut(t *testing.T) {
	timedOut := testutil.ToFloat64(ConnectionsReaped.WithLabelValues(reasonIdleTimeout))
	srv := startServer(t, Config{IdleTimeout: 100 * time.Millisecond, SweepInterval: 10 * time.Millisecond})

	conn := dial(t, srv)
	waitLen(t, srv, 1)

	expectClosed(t, conn)
	waitLen(t, srv, 0)
	assert.Equal(t, timedOut+1, testutil.ToFloat64(ConnectionsReaped.WithLabelValues(reasonIdleTimeout)))
}

func TestServer_ActiveConnectionOutlivesTimeout(t *testing.T) {
	srv := startServer(t, Config{IdleTimeout: 300 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	conn := dial(t, srv)

	for i := 0; i < 6; i++ {
		echo(t, conn, frame.Frame{Command: int16(i)})
		time.Sleep(100 * time.Millisecond)
	}
	assert.Equal(t, 1, srv.Registry().Len())
}

func TestServer_OversizedFrameClosesOnlyThatConnection(t *testing.T) {
	srv := startServer(t, Config{MaxFrameSize: 16, SweepInterval: 10 * time.Millisecond})

	bad := dial(t, srv)
	hdr := make([]byte, frame.HeaderSize)
	binary.BigEndian.PutUint16(hdr[0:2], 1)
	binary.BigEndian.PutUint32(hdr[2:6], 1<<20)
	_, err := bad.Write(hdr)
	require.NoError(t, err)

	expectClosed(t, bad)
	waitLen(t, srv, 0)

	good := dial(t, srv)
	echo(t, good, frame.Frame{Command: 2, Payload: []byte("ok")})
}

func TestServer_CustomHandler(t *testing.T) {
	upper := HandlerFunc(func(_ context.Context, w *Worker, f frame.Frame) error {
		return w.Send(frame.Frame{Command: f.Command + 1, Payload: f.Payload})
	})
	srv := NewServer(Config{}, upper, discardLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	conn := dial(t, srv)
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, frame.Write(conn, frame.Frame{Command: 41, Payload: []byte("x")}))

	got, err := frame.NewDecoder(conn, 0).Decode()
	require.NoError(t, err)
	assert.Equal(t, int16(42), got.Command)
}

func TestServer_RepliesSurvivePeerHalfClose(t *testing.T) {
	srv := startServer(t, Config{MaxConnections: 100, SweepInterval: 10 * time.Millisecond})

	for run := 0; run < 50; run++ {
		conn := dial(t, srv).(*net.TCPConn)
		require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

		for i := 0; i < 5; i++ {
			require.NoError(t, frame.Write(conn, frame.Frame{Command: int16(i), Payload: []byte("reply")}))
		}
		require.NoError(t, conn.CloseWrite())

		dec := frame.NewDecoder(conn, 0)
		for i := 0; i < 5; i++ {
			f, err := dec.Decode()
			require.NoError(t, err, "run %d: reply %d lost", run, i)
			assert.Equal(t, int16(i), f.Command)
			assert.Equal(t, "reply", string(f.Payload))
		}
		_, err := dec.Decode()
		assert.ErrorIs(t, err, io.EOF)
		conn.Close()
	}
}
