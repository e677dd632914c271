package server

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrAlreadyRunning 은 같은 이름의 소켓을 다른 데몬이 이미 잡고 있을 때.
var ErrAlreadyRunning = errors.New("already running")

// Listen 은 요청을 받을 unix stream 소켓을 연다.
//
// name 이 '@' 로 시작하면 linux abstract namespace 소켓이다.
// 파일이 남지 않으므로 프로세스가 죽으면 이름도 바로 풀린다.
// bind 가 EADDRINUSE 로 실패하면 ErrAlreadyRunning (init 스크립트가
// 중복 실행해도 조용히 끝나도록).
//
// listen backlog 는 OS 기본값(somaxconn)을 따른다. backlog 가 가득 차면
// 클라이언트는 connect 재시도 루프로 들어간다.
func Listen(name string) (net.Listener, error) {
	ln, err := net.Listen("unix", name)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}
		return nil, fmt.Errorf("listen %s: %w", name, err)
	}
	return ln, nil
}
