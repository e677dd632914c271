//go:build !linux

package server

import (
	"net"

	"github.com/rs/zerolog"
)

// SO_PEERCRED 는 linux 전용.
func withPeer(logger zerolog.Logger, _ net.Conn) zerolog.Logger {
	return logger
}
