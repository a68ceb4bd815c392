package siptransport

import "syscall"

// voiceSockControl возвращает Control-функцию для net.ListenConfig,
// применяющую платформенные голосовые опции к медиасокету до bind.
// Ошибки отдельных опций не фатальны: в контейнерах часть setsockopt
// может быть запрещена.
func voiceSockControl(dscp int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			setVoiceSockOpts(fd, dscp)
		})
	}
}
