package wsframe_test

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"net/textproto"
	"testing"
	"time"

	"github.com/shardwire/shardwire/internal/wsframe"
	"github.com/stretchr/testify/require"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func acceptFor(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// fakeUpgradeServer reads the client's handshake request off conn and
// writes back a 101 response computed from whatever Sec-WebSocket-Key
// the client actually sent, optionally corrupting the accept value.
func fakeUpgradeServer(t *testing.T, conn net.Conn, corrupt bool) {
	t.Helper()

	tp := textproto.NewReader(bufio.NewReader(conn))

	if _, err := tp.ReadLine(); err != nil {
		return
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return
	}

	key := hdr.Get("Sec-Websocket-Key")
	accept := acceptFor(key)
	if corrupt {
		accept = "not-the-right-value"
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"

	conn.Write([]byte(resp))
}

func TestHandshakeAcceptsValidResponse(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeUpgradeServer(t, server, false)

	reader := bufio.NewReader(client)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	err := wsframe.Handshake(reader, client, "gateway.example.test", "/?v=10", http.Header{})
	require.NoError(t, err)
}

func TestHandshakeRejectsBadAccept(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeUpgradeServer(t, server, true)

	reader := bufio.NewReader(client)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	err := wsframe.Handshake(reader, client, "gateway.example.test", "/?v=10", http.Header{})
	require.Error(t, err)
}
