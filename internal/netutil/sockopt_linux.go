//go:build linux

package netutil

import (
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// DialControl configures TCP_NODELAY and keepalive on the raw socket fd
// used to dial an upstream. Called via net.Dialer.Control before connect(2).
// Adapted verbatim in spirit from the teacher's setSocketOptions
// (sockopt_linux.go), which tunes the same options for its SOCKS5 dialer.
func DialControl(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3); e != nil {
			sysErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}

// listenTCP creates a non-blocking listening socket with SO_REUSEADDR and
// an explicit backlog, using golang.org/x/sys/unix directly so the kernel
// backlog isn't left to Go's net package default. Adapted from the
// teacher's setSocketOptions (sockopt_linux.go), generalized from a dial
// Control hook to full socket creation for the listen path.
func listenTCP(addr Address, backlog int) (net.Listener, error) {
	domain := unix.AF_INET
	if addr.IsIPv6() {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, &net.OpError{Op: "socket", Err: err}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, &net.OpError{Op: "setsockopt", Err: err}
	}

	sa, err := sockaddr(addr, domain)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, &net.OpError{Op: "bind", Err: err}
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, &net.OpError{Op: "listen", Err: err}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, &net.OpError{Op: "setnonblock", Err: err}
	}

	f := os.NewFile(uintptr(fd), "tproxy-listener")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return ln, nil
}

func sockaddr(addr Address, domain int) (unix.Sockaddr, error) {
	if domain == unix.AF_INET6 {
		ip := net.ParseIP(addr.Host)
		if ip == nil {
			ip = net.IPv6zero
		}
		var a [16]byte
		copy(a[:], ip.To16())
		return &unix.SockaddrInet6{Port: addr.Port, Addr: a}, nil
	}

	ip := net.ParseIP(addr.Host)
	if ip == nil || ip.To4() == nil {
		ip = net.IPv4zero
	}
	var a [4]byte
	copy(a[:], ip.To4())
	return &unix.SockaddrInet4{Port: addr.Port, Addr: a}, nil
}

