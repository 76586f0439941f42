//go:build linux

package memhttpd

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// fdSocket is a non-blocking TCP socket used directly through its descriptor.
type fdSocket struct {
	fd int
}

func (s fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s fdSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s fdSocket) CloseWrite() error { return unix.Shutdown(s.fd, unix.SHUT_WR) }

func (s fdSocket) Close() error { return unix.Close(s.fd) }

// listenTCP4 opens a non-blocking IPv4 listening socket on all interfaces.
func listenTCP4(port, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen :%d: %w", port, err)
	}
	return fd, nil
}

func boundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port, nil
	}
	return 0, fmt.Errorf("unexpected socket address %T", sa)
}

// acceptConn accepts one pending connection as a non-blocking socket.
func acceptConn(lfd int) (int, string, error) {
	fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}
	return fd, peerString(sa), nil
}

func peerString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	}
	return "?"
}

// wakePipe lets another goroutine interrupt a poll that has no timeout.
type wakePipe struct {
	r, w int
}

func newWakePipe() (*wakePipe, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	return &wakePipe{r: p[0], w: p[1]}, nil
}

func (p *wakePipe) wake() {
	_, _ = unix.Write(p.w, []byte{1})
}

func (p *wakePipe) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *wakePipe) close() {
	unix.Close(p.r)
	unix.Close(p.w)
}
