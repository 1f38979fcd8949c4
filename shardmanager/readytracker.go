package shardmanager

import (
	"sync"
)

// readyTracker tracks which shards received their first ready or resume
type readyTracker struct {
	mu                    sync.RWMutex
	receivedReadyOrResume map[int]bool
	remaining             int

	allReady     chan struct{}
	allReadyOnce sync.Once
}

func newReadyTracker() *readyTracker {
	return &readyTracker{
		receivedReadyOrResume: make(map[int]bool),
		allReady:              make(chan struct{}),
	}
}

func (r *readyTracker) shardsAdded(shardIDs ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range shardIDs {
		if _, ok := r.receivedReadyOrResume[v]; ok {
			continue
		}
		r.receivedReadyOrResume[v] = false
		r.remaining++
	}
}

// handleReadyOrResume marks the shard as ready, returns true if this was the last shard
// to become ready
func (r *readyTracker) handleReadyOrResume(shardID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	alreadyReady, ok := r.receivedReadyOrResume[shardID]
	if !ok || alreadyReady {
		return false
	}

	r.receivedReadyOrResume[shardID] = true
	r.remaining--
	if r.remaining > 0 {
		return false
	}

	fired := false
	r.allReadyOnce.Do(func() {
		close(r.allReady)
		fired = true
	})
	return fired
}

// IsShardReady returns true if the provided shard has been ready at least once
func (r *readyTracker) IsShardReady(shardID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.receivedReadyOrResume[shardID]
}

func (r *readyTracker) AllReady() bool {
	select {
	case <-r.allReady:
		return true
	default:
		return false
	}
}
