package memhttpd

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// fakeSocket feeds queued chunks to Read and collects writes, accepting at most
// writeLimit bytes per call when it is set.
type fakeSocket struct {
	reads      [][]byte
	eof        bool
	readErr    error
	out        bytes.Buffer
	writeLimit int
	writeErr   error
	blockWrite bool
	writeShut  bool
	shutErr    error
	closed     int
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(s.reads) == 0 {
		if s.eof {
			return 0, nil
		}
		return 0, unix.EAGAIN
	}
	n := copy(p, s.reads[0])
	if n < len(s.reads[0]) {
		s.reads[0] = s.reads[0][n:]
	} else {
		s.reads = s.reads[1:]
	}
	return n, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.blockWrite {
		return 0, unix.EAGAIN
	}
	if s.writeLimit > 0 && len(p) > s.writeLimit {
		p = p[:s.writeLimit]
	}
	return s.out.Write(p)
}

func (s *fakeSocket) CloseWrite() error {
	s.writeShut = true
	return s.shutErr
}

func (s *fakeSocket) Close() error {
	s.closed++
	return nil
}

var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

const testDate = "Mon, 19 Oct 2026 10:00:00 GMT"

type connFixture struct {
	store     *ContentStore
	env       *connEnv
	exchanges []exchange
}

func newConnFixture(t *testing.T, files map[string]string, maxBytes int64) *connFixture {
	t.Helper()
	root := writeTree(t, files)
	store, err := BuildStore(root, maxBytes, testStoreOptions(&halvingCompressor{}))
	require.NoError(t, err)

	fx := &connFixture{store: store}
	fx.env = &connEnv{
		store:      store,
		serverName: "memhttpd",
		now:        func() time.Time { return testNow },
		log:        zap.NewNop(),
		onAnswered: func(ex exchange) { fx.exchanges = append(fx.exchanges, ex) },
	}
	return fx
}

func (fx *connFixture) conn(sock *fakeSocket, reqBuf int) *Conn {
	return newConn(sock, "127.0.0.1:40000", fx.env, reqBuf, 512)
}

// pump alternates read and write readiness until the connection stops making progress.
func pump(t *testing.T, c *Conn) error {
	t.Helper()
	for i := 0; i < 1000; i++ {
		var err error
		switch c.State() {
		case AwaitingRequest:
			before := len(c.in.remaining())
			err = c.handleReadable()
			if err == nil && c.State() == AwaitingRequest && len(c.in.remaining()) == before {
				return nil
			}
		case Answering:
			err = c.handleWritable()
		case Draining:
			if err = c.handleReadable(); err == nil {
				return nil
			}
		default:
			return nil
		}
		if err != nil {
			return err
		}
	}
	t.Fatal("connection did not settle")
	return nil
}

func TestConnServesFile(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"hello.txt": "hello world"}, 1024)
	sock := &fakeSocket{reads: [][]byte{[]byte("GET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n")}}
	c := fx.conn(sock, 256)

	require.NoError(t, pump(t, c))
	assert.Equal(t, "HTTP/1.1 200 OK\r\n"+
		"Content-Length: 11\r\n"+
		"Content-Type: text/plain\r\n"+
		"Content-Encoding: identity\r\n"+
		"Date: "+testDate+"\r\n"+
		"Server: memhttpd\r\n"+
		"\r\n"+
		"hello world", sock.out.String())
	assert.Equal(t, AwaitingRequest, c.State())

	require.Len(t, fx.exchanges, 1)
	assert.Equal(t, StatusOK, fx.exchanges[0].Status)
	assert.Equal(t, int64(11), fx.exchanges[0].BodyBytes)
	assert.Equal(t, "/hello.txt", fx.exchanges[0].Target)
}

func TestConnSplitRequestIsNotRejectedEarly(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"a": "A"}, 1024)
	req := "GET /a HTTP/1.1\r\nHost: x\r\n\r\n"
	sock := &fakeSocket{}
	c := fx.conn(sock, 256)

	// deliver one byte at a time, splitting the CRLFCRLF marker too
	for i := 0; i < len(req); i++ {
		sock.reads = append(sock.reads, []byte{req[i]})
		require.NoError(t, c.handleReadable())
		if i < len(req)-1 {
			require.Equal(t, AwaitingRequest, c.State(), "byte %d", i)
			require.Empty(t, sock.out.String())
		}
	}
	require.Equal(t, Answering, c.State())
	require.NoError(t, pump(t, c))
	assert.True(t, strings.HasPrefix(sock.out.String(), "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.HasSuffix(sock.out.String(), "\r\n\r\nA"))
}

func TestConnPartialWrites(t *testing.T) {
	body := strings.Repeat("0123456789", 5)
	fx := newConnFixture(t, map[string]string{"f": body}, 1024)
	sock := &fakeSocket{
		reads:      [][]byte{[]byte("GET /f HTTP/1.1\r\n\r\n")},
		writeLimit: 7,
	}
	c := fx.conn(sock, 256)

	require.NoError(t, pump(t, c))
	out := sock.out.String()
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"+body))
	assert.Contains(t, out, "Content-Length: 50\r\n")
}

func TestConnWriteWouldBlockKeepsProgress(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"f": "content"}, 1024)
	sock := &fakeSocket{reads: [][]byte{[]byte("GET /f HTTP/1.1\r\n\r\n")}, blockWrite: true}
	c := fx.conn(sock, 256)

	require.NoError(t, c.handleReadable())
	require.Equal(t, Answering, c.State())
	require.NoError(t, c.handleWritable())
	assert.Equal(t, Answering, c.State())
	assert.Empty(t, fx.exchanges)

	sock.blockWrite = false
	require.NoError(t, c.handleWritable())
	assert.Equal(t, AwaitingRequest, c.State())
	assert.True(t, strings.HasSuffix(sock.out.String(), "content"))
}

func TestConnPipelinedRequests(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"a": "AAA", "b": "BB"}, 1024)
	sock := &fakeSocket{reads: [][]byte{[]byte(
		"GET /a HTTP/1.1\r\n\r\nHEAD /b HTTP/1.1\r\n\r\nGET /missing HTTP/1.1\r\n\r\n",
	)}}
	c := fx.conn(sock, 256)

	require.NoError(t, pump(t, c))
	require.Len(t, fx.exchanges, 3)
	assert.Equal(t, StatusOK, fx.exchanges[0].Status)
	assert.Equal(t, StatusOK, fx.exchanges[1].Status)
	assert.Equal(t, int64(0), fx.exchanges[1].BodyBytes)
	assert.Equal(t, StatusNotFound, fx.exchanges[2].Status)

	out := sock.out.String()
	assert.Equal(t, 3, strings.Count(out, "HTTP/1.1 "))
	assert.Contains(t, out, "\r\n\r\nAAAHTTP/1.1 200 OK\r\nContent-Length: 2\r\n")
	assert.True(t, strings.HasSuffix(out, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\nDate: "+testDate+"\r\nServer: memhttpd\r\n\r\n"))
}

func TestConnOversizedHeaderClosesAfterAnswer(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"a": "A"}, 1024)
	sock := &fakeSocket{reads: [][]byte{
		[]byte("GET /a HTTP/1.1\r\nX-Long: " + strings.Repeat("v", 100)),
		[]byte(strings.Repeat("w", 300) + "\r\n\r\nGET /a HTTP/1.1\r\n\r\n"),
	}}
	c := fx.conn(sock, 64)

	// the rest of the input is discarded after the write side is shut
	require.NoError(t, pump(t, c))
	assert.Equal(t, Draining, c.State())
	assert.True(t, sock.writeShut)
	assert.Empty(t, sock.reads)

	sock.eof = true
	err := c.handleReadable()
	require.ErrorIs(t, err, errCloseAfter)
	assert.True(t, isPeerGone(err))
	assert.True(t, strings.HasPrefix(sock.out.String(), "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n"))
	require.Len(t, fx.exchanges, 1)
	assert.Equal(t, StatusBadRequest, fx.exchanges[0].Status)
}

func TestConnErrorStatuses(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"a": "A"}, 1024)
	cases := map[string]string{
		"POST /a HTTP/1.1\r\n\r\n": "HTTP/1.1 501 Not Implemented\r\n",
		"GET /a HTTP/1.0\r\n\r\n":  "HTTP/1.1 505 HTTP Version Not Supported\r\n",
		"G(T /a HTTP/1.1\r\n\r\n":  "HTTP/1.1 400 Bad Request\r\n",
		"GET a HTTP/1.1\r\n\r\n":   "HTTP/1.1 400 Bad Request\r\n",
	}
	for in, want := range cases {
		sock := &fakeSocket{reads: [][]byte{[]byte(in)}}
		c := fx.conn(sock, 256)
		require.NoError(t, pump(t, c), in)
		assert.True(t, strings.HasPrefix(sock.out.String(), want), in)
		assert.Contains(t, sock.out.String(), "Content-Length: 0\r\n", in)
		assert.Equal(t, AwaitingRequest, c.State(), in)
	}
}

func TestConnPeerClose(t *testing.T) {
	fx := newConnFixture(t, nil, 1024)
	sock := &fakeSocket{eof: true}
	c := fx.conn(sock, 256)

	err := c.handleReadable()
	assert.ErrorIs(t, err, errPeerClosed)

	require.NoError(t, c.close())
	require.NoError(t, c.close())
	assert.Equal(t, 1, sock.closed)
	assert.Equal(t, Disconnected, c.State())
}

func TestConnSocketErrors(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"a": "A"}, 1024)

	sock := &fakeSocket{readErr: unix.ECONNRESET}
	err := fx.conn(sock, 256).handleReadable()
	assert.ErrorIs(t, err, errPeerReset)
	assert.True(t, isPeerGone(err))

	sock = &fakeSocket{reads: [][]byte{[]byte("GET /a HTTP/1.1\r\n\r\n")}, writeErr: unix.EPIPE}
	c := fx.conn(sock, 256)
	require.NoError(t, c.handleReadable())
	err = c.handleWritable()
	assert.ErrorIs(t, err, errPeerReset)

	sock = &fakeSocket{readErr: unix.EBADF}
	err = fx.conn(sock, 256).handleReadable()
	require.Error(t, err)
	assert.False(t, isPeerGone(err))

	sock = &fakeSocket{readErr: unix.EINTR}
	assert.NoError(t, fx.conn(sock, 256).handleReadable())
}

func TestConnStreamsUnloadedFile(t *testing.T) {
	body := strings.Repeat("s", streamChunkSize+100)
	fx := newConnFixture(t, map[string]string{"small": "x", "large.bin": body}, 16)
	f, ok := fx.store.Find("large.bin")
	require.True(t, ok)
	require.Equal(t, Unloaded, f.State)

	sock := &fakeSocket{reads: [][]byte{[]byte("GET /large.bin HTTP/1.1\r\n\r\n")}, writeLimit: 4096}
	c := fx.conn(sock, 256)

	require.NoError(t, pump(t, c))
	out := sock.out.String()
	assert.Contains(t, out, "Content-Length: "+strconv.Itoa(len(body))+"\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"+body))
	require.Len(t, fx.exchanges, 1)
	assert.Equal(t, int64(len(body)), fx.exchanges[0].BodyBytes)
}

func TestConnStreamFailsWhenFileShrinks(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"large.bin": strings.Repeat("s", 100)}, 10)
	f, ok := fx.store.Find("large.bin")
	require.True(t, ok)
	require.NoError(t, os.WriteFile(f.Path, []byte("short"), 0o644))

	sock := &fakeSocket{reads: [][]byte{[]byte("GET /large.bin HTTP/1.1\r\n\r\n")}}
	c := fx.conn(sock, 256)
	err := pump(t, c)
	require.Error(t, err)
	assert.False(t, isPeerGone(err))
	require.NoError(t, c.close())
}

func TestConnStreamFailsWhenFileRemoved(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"gone.bin": strings.Repeat("g", 100)}, 10)
	require.NoError(t, os.Remove(filepath.Join(fx.store.RootPath(), "gone.bin")))

	sock := &fakeSocket{reads: [][]byte{[]byte("GET /gone.bin HTTP/1.1\r\n\r\n")}}
	err := pump(t, fx.conn(sock, 256))
	require.Error(t, err)
}

func TestConnDrainIsBounded(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"a": "A"}, 1024)
	sock := &fakeSocket{reads: [][]byte{
		[]byte("GET /a HTTP/1.1\r\nX-Long: " + strings.Repeat("v", 100)),
		bytes.Repeat([]byte{'x'}, maxDrainBytes+1),
	}}
	c := fx.conn(sock, 64)

	err := pump(t, c)
	require.ErrorIs(t, err, errCloseAfter)
	assert.True(t, sock.writeShut)
	assert.Equal(t, StatusBadRequest, fx.exchanges[0].Status)
}

func TestConnShutdownFailureCloses(t *testing.T) {
	fx := newConnFixture(t, map[string]string{"a": "A"}, 1024)
	sock := &fakeSocket{
		reads:   [][]byte{[]byte("GET /a HTTP/1.1\r\nX-Long: " + strings.Repeat("v", 100))},
		shutErr: unix.ENOTCONN,
	}
	c := fx.conn(sock, 64)

	err := pump(t, c)
	require.ErrorIs(t, err, errCloseAfter)
	assert.NotEqual(t, Draining, c.State())
	assert.True(t, strings.HasPrefix(sock.out.String(), "HTTP/1.1 400 Bad Request\r\n"))
}
