// internal/worker/file_util.go
package worker

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// file_util.go
// ------------------------------------------------------------
// S3 아카이브 백엔드의 객체 키 규칙.
//
//	<prefix>/<group>/<stream>/<seq:020d>.jsonl.gz
//
// 예:
//
//	cwlogs/app-logs/i-0abc/00000000000000000042.jsonl.gz
//
// 0 패딩 덕분에 키 사전순 = append 순서.
// 순서 토큰은 "다음에 쓸 seq" 의 10진 문자열이다.
const (
	objectSuffix     = ".jsonl.gz"
	streamMarkerName = "_stream.json"
)

// streamKeyPrefix 는 스트림 하나의 객체들이 모이는 "디렉토리".
func streamKeyPrefix(prefix, group, stream string) string {
	return path.Join(prefix, group, stream) + "/"
}

// BuildObjectKey 는 seq 번째 배치의 객체 키를 만든다.
func BuildObjectKey(prefix, group, stream string, seq uint64) string {
	return fmt.Sprintf("%s%020d%s", streamKeyPrefix(prefix, group, stream), seq, objectSuffix)
}

// parseObjectSeq 는 객체 키에서 seq 를 꺼낸다. 배치 객체가 아니면 false.
func parseObjectSeq(key string) (uint64, bool) {
	name := path.Base(key)
	if !strings.HasSuffix(name, objectSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, objectSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// formatToken / parseToken: seq ↔ 순서 토큰.
// 빈 토큰은 "처음부터" (seq 0).
func formatToken(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func parseToken(token string) (uint64, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence token %q: %w", token, err)
	}
	return n, nil
}
