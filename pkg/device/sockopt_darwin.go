//go:build darwin

package device

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSockopts(fd uintptr) error {
	s := int(fd)
	if err := unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
}

func quickAck(syscall.RawConn) {}
