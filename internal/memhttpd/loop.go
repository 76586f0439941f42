//go:build linux

package memhttpd

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type loopOptions struct {
	maxConns          int
	requestBufferSize int
	headerBufferSize  int
}

// eventLoop multiplexes the listening socket and every client socket with poll(2)
// from a single goroutine. poll is the only place it blocks.
type eventLoop struct {
	opts  loopOptions
	env   *connEnv
	log   *zap.Logger
	limit *rateLimitedLogger

	lfd   int
	wake  *wakePipe
	conns registry

	pfds    []unix.PollFd
	handles []handle // handles[i] belongs to pfds[i+fixedPollFds]

	stopping atomic.Bool
	closed   bool
}

const fixedPollFds = 2 // wake pipe, listener

func newEventLoop(lfd int, env *connEnv, opts loopOptions, log *zap.Logger) (*eventLoop, error) {
	wake, err := newWakePipe()
	if err != nil {
		return nil, err
	}
	return &eventLoop{
		opts:  opts,
		env:   env,
		log:   log,
		limit: newRateLimitedLogger(log, time.Minute),
		lfd:   lfd,
		wake:  wake,
	}, nil
}

// shutdown asks run to return. It may be called from any goroutine.
func (l *eventLoop) shutdown() {
	if l.stopping.CompareAndSwap(false, true) {
		l.wake.wake()
	}
}

func (l *eventLoop) run() error {
	defer l.closeAll()
	for {
		l.preparePoll()
		if _, err := unix.Poll(l.pfds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		if l.pfds[0].Revents != 0 {
			l.wake.drain()
		}
		if l.stopping.Load() {
			return nil
		}
		if l.pfds[1].Revents&unix.POLLIN != 0 {
			l.acceptOne()
		}
		for i, h := range l.handles {
			re := l.pfds[i+fixedPollFds].Revents
			if re == 0 {
				continue
			}
			l.dispatch(h, re)
		}
	}
}

// preparePoll asks for read readiness on connections waiting for a request and write
// readiness on connections with a response in flight.
func (l *eventLoop) preparePoll() {
	l.pfds = append(l.pfds[:0],
		unix.PollFd{Fd: int32(l.wake.r), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(l.lfd), Events: unix.POLLIN},
	)
	l.handles = l.handles[:0]
	l.conns.each(func(h handle, c *Conn) {
		var ev int16
		switch c.state {
		case AwaitingRequest, Draining:
			ev = unix.POLLIN
		case Answering:
			ev = unix.POLLOUT
		default:
			return
		}
		l.pfds = append(l.pfds, unix.PollFd{Fd: int32(c.fd), Events: ev})
		l.handles = append(l.handles, h)
	})
}

func (l *eventLoop) dispatch(h handle, revents int16) {
	c, ok := l.conns.get(h)
	if !ok {
		return
	}
	var err error
	switch {
	case c.state == Draining && revents&(unix.POLLIN|unix.POLLHUP) != 0 && revents&(unix.POLLERR|unix.POLLNVAL) == 0:
		// a hangup still leaves unread input that must be consumed before closing
		err = c.handleReadable()
	case revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0:
		err = errHangup
	case c.state == AwaitingRequest && revents&unix.POLLIN != 0:
		err = c.handleReadable()
	case c.state == Answering && revents&unix.POLLOUT != 0:
		err = c.handleWritable()
	}
	if err != nil {
		l.drop(h, err)
	}
}

func (l *eventLoop) acceptOne() {
	fd, peer, err := acceptConn(l.lfd)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EINTR):
		default:
			l.limit.Warn("accept failed", zap.Error(err))
		}
		return
	}
	if l.conns.len() >= l.opts.maxConns {
		unix.Close(fd)
		connectionsRejected.Inc()
		l.limit.Warn("connection limit reached, rejecting", zap.Int("max", l.opts.maxConns), zap.String("peer", peer))
		return
	}

	c := newConn(fdSocket{fd: fd}, peer, l.env, l.opts.requestBufferSize, l.opts.headerBufferSize)
	c.fd = fd
	l.conns.add(c)
	connectionsAccepted.Inc()
	connectionsActive.Inc()
	l.log.Debug("connection accepted", zap.String("peer", peer), zap.Int("live", l.conns.len()))
}

func (l *eventLoop) drop(h handle, cause error) {
	c, ok := l.conns.remove(h)
	if !ok {
		return
	}
	connectionsActive.Dec()
	if isPeerGone(cause) {
		l.log.Debug("connection closed", zap.String("peer", c.peer), zap.String("reason", cause.Error()))
	} else {
		l.log.Warn("connection dropped", zap.String("peer", c.peer), zap.Stringer("state", c.state), zap.Error(cause))
	}
	if err := c.close(); err != nil {
		l.log.Warn("close socket", zap.String("peer", c.peer), zap.Error(err))
	}
}

func (l *eventLoop) closeAll() {
	if l.closed {
		return
	}
	l.closed = true
	var hs []handle
	l.conns.each(func(h handle, _ *Conn) { hs = append(hs, h) })
	for _, h := range hs {
		l.drop(h, errServerClose)
	}
	unix.Close(l.lfd)
	l.wake.close()
}
