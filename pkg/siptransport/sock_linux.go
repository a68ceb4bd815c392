//go:build linux

package siptransport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setVoiceSockOpts настраивает сокет под голосовой трафик (Linux):
// переиспользование порта, приоритет и DSCP маркировка.
func setVoiceSockOpts(fd uintptr, dscp int) {
	sock := int(fd)

	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	// Приоритет 6 соответствует интерактивному аудио в очередях ядра.
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)

	// DSCP занимает старшие 6 бит поля TOS.
	tos := dscp << 2
	_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}
