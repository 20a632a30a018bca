package runtime

import (
	"sync"
	"time"
)

// StageStats tracks per-stage counters for introspection. A trimmed view of
// what the Prometheus collectors export, available without scraping.
type StageStats struct {
	mu sync.Mutex

	stageID string

	MessagesProcessed uint64    `json:"messages_processed"`
	MessagesFailed    uint64    `json:"messages_failed"`
	InFlight          uint64    `json:"in_flight"`
	LastProcessedAt   time.Time `json:"last_processed_at"`
}

func newStageStats(stageID string) *StageStats {
	return &StageStats{stageID: stageID}
}

func (s *StageStats) onScopeStart() {
	s.mu.Lock()
	s.InFlight++
	s.mu.Unlock()
}

func (s *StageStats) onScopeFinish(err error) {
	s.mu.Lock()
	if s.InFlight > 0 {
		s.InFlight--
	}
	if err != nil {
		s.MessagesFailed++
	} else {
		s.MessagesProcessed++
	}
	s.LastProcessedAt = time.Now().UTC()
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *StageStats) Snapshot() StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StageStats{
		stageID:           s.stageID,
		MessagesProcessed: s.MessagesProcessed,
		MessagesFailed:    s.MessagesFailed,
		InFlight:          s.InFlight,
		LastProcessedAt:   s.LastProcessedAt,
	}
}
