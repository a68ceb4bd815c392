//go:build darwin

package siptransport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setVoiceSockOpts настраивает сокет под голосовой трафик (macOS):
// переиспользование порта и DSCP маркировка. SO_PRIORITY на Darwin
// отсутствует.
func setVoiceSockOpts(fd uintptr, dscp int) {
	sock := int(fd)

	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	tos := dscp << 2
	_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}
