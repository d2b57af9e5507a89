//go:build !linux && !darwin

package device

import "syscall"

func setSockopts(uintptr) error { return nil }

func quickAck(syscall.RawConn) {}
