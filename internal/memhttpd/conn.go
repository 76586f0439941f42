package memhttpd

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type connState uint8

const (
	AwaitingRequest connState = iota
	ProcessingRequest
	Answering
	// Draining follows a final response: the write side is shut and input is read and
	// discarded so closing does not reset the connection under the unread response.
	Draining
	Disconnected
)

func (s connState) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting-request"
	case ProcessingRequest:
		return "processing-request"
	case Answering:
		return "answering"
	case Draining:
		return "draining"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// socket is the non-blocking byte stream a connection drives. Reads and writes that
// cannot make progress fail with unix.EAGAIN.
type socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// CloseWrite sends FIN after everything already written.
	CloseWrite() error
	Close() error
}

// maxDrainBytes bounds how much input a draining connection discards before it is
// closed anyway.
const maxDrainBytes = 256 * 1024

var (
	errPeerClosed  = errors.New("peer closed the connection")
	errPeerReset   = errors.New("peer reset the connection")
	errHangup      = errors.New("peer hung up")
	errCloseAfter  = errors.New("closed after final response")
	errServerClose = errors.New("server shutting down")
)

// isPeerGone reports whether err is an ordinary end of a connection rather than a fault.
func isPeerGone(err error) bool {
	return errors.Is(err, errPeerClosed) ||
		errors.Is(err, errPeerReset) ||
		errors.Is(err, errHangup) ||
		errors.Is(err, errCloseAfter) ||
		errors.Is(err, errServerClose)
}

// exchange is what a connection reports once a response has been fully sent.
type exchange struct {
	Method    string
	Target    string
	Status    int
	BodyBytes int64
	File      *FileNode
}

// connEnv is shared by every connection of a loop and never written after setup.
type connEnv struct {
	store      *ContentStore
	serverName string
	now        func() time.Time
	log        *zap.Logger
	onAnswered func(exchange)
}

type Conn struct {
	sock   socket
	fd     int // polled descriptor; unused by the state machine itself
	peer   string
	handle handle
	state  connState
	env    *connEnv

	in      *cursorBuffer // request bytes
	scanned int           // header-end scan resumes here

	hdr *cursorBuffer // serialized response header

	req        *Request
	resp       *Response
	bodySent   int64
	closeAfter bool
	drained    int
}

func newConn(sock socket, peer string, env *connEnv, requestBufferSize, headerBufferSize int) *Conn {
	return &Conn{
		sock:  sock,
		peer:  peer,
		state: AwaitingRequest,
		env:   env,
		in:    newCursorBuffer(requestBufferSize),
		hdr:   newCursorBuffer(headerBufferSize),
	}
}

func (c *Conn) State() connState { return c.state }
func (c *Conn) Peer() string     { return c.peer }

// handleReadable appends whatever the socket has to the request buffer and, once a
// full header block is there, produces the response. A non-nil error means the
// connection must be torn down.
func (c *Conn) handleReadable() error {
	if c.state == Draining {
		return c.drain()
	}
	if c.state != AwaitingRequest {
		return nil
	}
	n, err := c.sock.Read(c.in.free())
	if err != nil {
		return classifySocketError("read", err)
	}
	if n == 0 {
		return errPeerClosed
	}
	c.in.fill(n)
	return c.process()
}

func (c *Conn) process() error {
	data := c.in.remaining()
	end := headerEnd(data, c.scanned)
	if end < 0 {
		if c.in.full() {
			// Nothing after this point can be framed; answer and close.
			c.closeAfter = true
			c.in.reset()
			c.scanned = 0
			req := &Request{Outcome: StatusBadRequest}
			return c.answer(req, protocolErrorf(StatusBadRequest, "header block exceeds %d bytes", len(c.in.buf)))
		}
		c.scanned = max(0, len(data)-(len(crlfcrlf)-1))
		return nil
	}

	c.state = ProcessingRequest
	req, perr := ParseRequest(data[:end])
	c.in.advance(end)
	c.scanned = 0
	return c.answer(req, perr)
}

func (c *Conn) answer(req *Request, perr error) error {
	if perr != nil {
		c.env.log.Debug("bad request", zap.String("peer", c.peer), zap.Error(perr))
	}
	resp := Produce(c.env.store, req, c.env.serverName, c.env.now())

	c.hdr.reset()
	n, err := SerializeResponse(&resp.Header, c.hdr.free())
	if err != nil {
		return fmt.Errorf("%s: %w", c.peer, err)
	}
	c.hdr.fill(n)

	c.req = req
	c.resp = resp
	c.bodySent = 0
	c.state = Answering
	return nil
}

// handleWritable sends as much of the pending response as the socket accepts, header
// first, then body. When everything is out the connection waits for the next request.
func (c *Conn) handleWritable() error {
	if c.state != Answering {
		return nil
	}
	for {
		if p := c.hdr.remaining(); len(p) > 0 {
			n, err := c.sock.Write(p)
			if err != nil {
				return classifySocketError("write", err)
			}
			c.hdr.advance(n)
			continue
		}

		p, err := c.resp.pending()
		if err != nil {
			return err
		}
		if len(p) == 0 {
			break
		}
		n, err := c.sock.Write(p)
		if err != nil {
			return classifySocketError("write", err)
		}
		c.resp.advance(n)
		c.bodySent += int64(n)
	}
	return c.finish()
}

func (c *Conn) finish() error {
	if c.env.onAnswered != nil {
		c.env.onAnswered(exchange{
			Method:    c.req.MethodName,
			Target:    c.req.Target,
			Status:    c.resp.Header.Status,
			BodyBytes: c.bodySent,
			File:      c.resp.File,
		})
	}
	if err := c.resp.close(); err != nil {
		c.env.log.Warn("closing body source", zap.String("peer", c.peer), zap.Error(err))
	}
	c.req = nil
	c.resp = nil
	c.hdr.reset()

	if c.closeAfter {
		if err := c.sock.CloseWrite(); err != nil {
			// typically ENOTCONN when the peer is already gone
			return errCloseAfter
		}
		c.state = Draining
		c.in.reset()
		c.scanned = 0
		return nil
	}

	c.state = AwaitingRequest
	c.in.compact()
	if len(c.in.remaining()) > 0 {
		return c.process()
	}
	return nil
}

// drain discards whatever input is pending. It returns errCloseAfter once the peer has
// closed or maxDrainBytes were discarded.
func (c *Conn) drain() error {
	buf := c.in.buf
	for {
		n, err := c.sock.Read(buf)
		if err != nil {
			if cerr := classifySocketError("drain", err); cerr != nil {
				return cerr
			}
			return nil
		}
		if n == 0 {
			return errCloseAfter
		}
		c.drained += n
		if c.drained >= maxDrainBytes {
			return errCloseAfter
		}
	}
}

// close releases the socket and any open body source. It is safe to call twice.
func (c *Conn) close() error {
	if c.state == Disconnected {
		return nil
	}
	c.state = Disconnected
	if c.resp != nil {
		_ = c.resp.close()
		c.resp = nil
	}
	return c.sock.Close()
}

// classifySocketError returns nil when the call should simply be retried on the next
// readiness event, and a teardown error otherwise.
func classifySocketError(op string, err error) error {
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return nil
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
		return fmt.Errorf("%s: %w", op, errPeerReset)
	}
	return fmt.Errorf("%s: %w", op, err)
}
