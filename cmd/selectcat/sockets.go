//go:build linux || darwin

package main

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// resolveSockaddr resolves a host:port TCP address. An empty host resolves
// to the IPv4 wildcard address.
func resolveSockaddr(addr string) (domain int, sa unix.Sockaddr, err error) {
	tcp, err := net.ResolveTCPAddr(`tcp`, addr)
	if err != nil {
		return 0, nil, err
	}
	if tcp.IP == nil {
		return unix.AF_INET, &unix.SockaddrInet4{Port: tcp.Port}, nil
	}
	if ip4 := tcp.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: tcp.Port}
		copy(sa4.Addr[:], ip4)
		return unix.AF_INET, sa4, nil
	}
	sa6 := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa6.Addr[:], tcp.IP.To16())
	return unix.AF_INET6, sa6, nil
}

// listenSocket returns a non-blocking listening socket, bound to addr.
func listenSocket(addr string) (int, error) {
	domain, sa, err := resolveSockaddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := newSocket(domain)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf(`setsockopt: %w`, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf(`bind %s: %w`, addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf(`listen %s: %w`, addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// dialSocket connects to addr, returning a non-blocking socket. The connect
// itself blocks, as it happens before the loop starts.
func dialSocket(addr string) (int, error) {
	domain, sa, err := resolveSockaddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := newSocket(domain)
	if err != nil {
		return -1, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf(`connect %s: %w`, addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptSocket accepts a connection, returning a non-blocking socket.
func acceptSocket(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}

func newSocket(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf(`socket: %w`, err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// formatSockaddr formats an IP socket address, for logging.
func formatSockaddr(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), fmt.Sprint(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), fmt.Sprint(sa.Port))
	default:
		return fmt.Sprintf(`%T`, sa)
	}
}
