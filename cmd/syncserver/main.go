// Package main provides a reference implementation of the remote sync
// service's wire contract, for development and end-to-end testing of the
// engine. It is not a product server.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/ljchuang/vocalis/backend/internal/logging"
)

type wireItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Version   int             `json:"version"`
}

type syncRequest struct {
	Queue []wireItem `json:"queue"`
}

// memoryState tracks the highest accepted version per mutation type and the
// last payload it accepted, enough to exercise the 409 conflict path.
type memoryState struct {
	mu       sync.Mutex
	versions map[string]int
	payloads map[string]json.RawMessage
}

func newMemoryState() *memoryState {
	return &memoryState{
		versions: make(map[string]int),
		payloads: make(map[string]json.RawMessage),
	}
}

// apply accepts an item or reports a conflict with the server's state.
func (s *memoryState) apply(item wireItem) (conflict bool, serverVersion int, serverPayload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.versions[item.Type]
	if item.Version < current {
		return true, current, s.payloads[item.Type]
	}
	s.versions[item.Type] = item.Version
	s.payloads[item.Type] = item.Payload
	return false, item.Version, nil
}

func newRouter(state *memoryState) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/sync", func(c *gin.Context) {
		var req syncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
		if len(req.Queue) != 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expected exactly one queue item"})
			return
		}

		item := req.Queue[0]
		if item.ID == "" || item.Type == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "item missing id or type"})
			return
		}

		conflict, serverVersion, serverPayload := state.apply(item)
		if conflict {
			c.JSON(http.StatusConflict, gin.H{
				"error":          "conflict",
				"server_version": serverVersion,
				"server_state":   serverPayload,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "accepted", "id": item.ID})
	})

	return router
}

func main() {
	addr := flag.String("addr", ":8790", "listen address")
	flag.Parse()

	logging.Init(nil)
	gin.SetMode(gin.ReleaseMode)

	router := newRouter(newMemoryState())
	logging.Info("Sync server listening", map[string]interface{}{"addr": *addr})
	if err := router.Run(*addr); err != nil {
		logging.Error("Sync server failed", err, nil)
	}
}
