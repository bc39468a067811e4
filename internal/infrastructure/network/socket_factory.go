package network

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ListenTCP opens the redirector's non-blocking listening socket.
func ListenTCP(bind netip.AddrPort) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Bind(fd, SockaddrFromAddrPort(bind)); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// TCPSocket creates a non-blocking stream socket for an outbound relay
// connection, bound to the named device when one is configured.
func TCPSocket(device string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	if device != "" {
		if err := unix.BindToDevice(fd, device); err != nil {
			unix.Close(fd)
			return 0, fmt.Errorf("bind to device %q: %w", device, err)
		}
	}
	return fd, nil
}

// ConnectFastOpen starts a non-blocking connect to sa, offering payload as
// TCP Fast Open data when the kernel will take it. It reports how many
// payload bytes were actually handed to the transport; 0 means the connect
// is in progress and nothing was flushed. Falls back to a plain connect when
// Fast Open is unsupported.
func ConnectFastOpen(fd int, sa unix.Sockaddr, payload []byte) (int, error) {
	if len(payload) > 0 {
		n, err := unix.SendmsgN(fd, payload, nil, sa, unix.MSG_FASTOPEN)
		switch err {
		case nil:
			return n, nil
		case unix.EINPROGRESS:
			// SYN sent without a cookie; data was not taken.
			return 0, nil
		case unix.EOPNOTSUPP, unix.EPERM, unix.ENOPROTOOPT:
			// Fast Open disabled on this host.
		default:
			return 0, err
		}
	}

	err := unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		return 0, err
	}
	return 0, nil
}

// SocketError returns the pending SO_ERROR, distinguishing a genuine connect
// success from a spurious writability notification.
func SocketError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

func SockaddrFromAddrPort(ap netip.AddrPort) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(ap.Port())}
	sa.Addr = ap.Addr().As4()
	return sa
}

func AddrPortFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, bool) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), true
}
