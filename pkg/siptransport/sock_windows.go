//go:build windows

package siptransport

import "golang.org/x/sys/windows"

// setVoiceSockOpts настраивает сокет под голосовой трафик (Windows).
// DSCP здесь управляется политиками QoS системы, на уровне сокета
// доступно только переиспользование адреса.
func setVoiceSockOpts(fd uintptr, _ int) {
	handle := windows.Handle(fd)
	_ = windows.SetsockoptInt(handle, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}
