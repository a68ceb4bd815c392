//go:build !linux && !darwin && !windows

package siptransport

// setVoiceSockOpts — заглушка для платформ без поддержки голосовых опций.
func setVoiceSockOpts(_ uintptr, _ int) {}
