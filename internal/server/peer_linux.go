//go:build linux

package server

import (
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ------------------------------------------------------------
// Peer credentials
//
// abstract unix socket 에는 파일 권한이 없어 같은 호스트의 어떤
// 프로세스든 연결할 수 있다. 누가 보냈는지 debug 로그로 남기기 위해
// 커널이 보증하는 SO_PEERCRED (pid/uid/gid) 를 읽는다.
// ------------------------------------------------------------

// peerCred 는 conn 상대 프로세스의 자격 증명. unix socket 이 아니면 nil.
func peerCred(conn net.Conn) (*unix.Ucred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, nil
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	return cred, credErr
}

// withPeer 는 logger 에 peer pid/uid 필드를 붙인다. 실패하면 그대로 반환.
func withPeer(logger zerolog.Logger, conn net.Conn) zerolog.Logger {
	cred, err := peerCred(conn)
	if err != nil || cred == nil {
		return logger
	}
	return logger.With().
		Int32("peer_pid", cred.Pid).
		Uint32("peer_uid", cred.Uid).
		Logger()
}
