package stream

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeStream(t *testing.T) (*Stream, net.Conn) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	s := &Stream{
		conn: server,
		reader: bufio.NewReaderSize(server, 4096),
		done: make(chan struct{}),
	}

	return s, client
}

func TestStreamHandlerConsumesAccumulatedBuffer(t *testing.T) {
	t.Parallel()

	s, client := newPipeStream(t)

	var received []byte
	gotAll := make(chan struct{})

	s.SetHandler(func(buf []byte) (int, error) {
		received = append(received, buf...)
		if len(received) >= 5 {
			close(gotAll)
		}
		return len(buf), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readLoopDone := make(chan error, 1)
	go func() { readLoopDone <- s.ReadLoop(ctx) }()

	go func() {
		client.Write([]byte("he"))
		time.Sleep(10 * time.Millisecond)
		client.Write([]byte("llo"))
	}()

	select {
	case <-gotAll:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received all bytes")
	}

	assert.Equal(t, []byte("hello"), received)

	cancel()
	<-readLoopDone
}

func TestStreamWriteFlushesToConn(t *testing.T) {
	t.Parallel()

	s, client := newPipeStream(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readLoopDone := make(chan error, 1)
	go func() { readLoopDone <- s.ReadLoop(ctx) }()

	s.Write([]byte("ping"))

	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "ping", string(buf))

	cancel()
	<-readLoopDone
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newPipeStream(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestStreamBytesInOutCounters(t *testing.T) {
	t.Parallel()

	s, client := newPipeStream(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.SetHandler(func(buf []byte) (int, error) { return len(buf), nil })

	readLoopDone := make(chan error, 1)
	go func() { readLoopDone <- s.ReadLoop(ctx) }()

	// net.Pipe is unbuffered: the stream's flush only returns once the
	// client side reads what was written.
	go io.Copy(io.Discard, client)

	client.Write([]byte("abc"))
	s.Write([]byte("xy"))

	require.Eventually(t, func() bool {
		return s.BytesIn() == 3 && s.BytesOut() == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-readLoopDone
}
