package main

import (
	"net/http"

	"cwlogd/internal/model"
	"cwlogd/internal/queue"

	json "github.com/goccy/go-json"
)

// healthHandler 는 소켓 응답과 같은 모양의 큐 상태를 돌려준다.
func healthHandler(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.OKResponse(q.Health()))
	}
}
