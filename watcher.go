package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// Watcher periodically re-reads watched agents from the registry and pushes
// fresh assessments to the feed. Its interval is also what gives the
// staleness classification its meaning: a record older than two cycles is
// stale.
type Watcher struct {
	reader   ReputationReader
	scoring  ScoringConfig
	interval time.Duration
	hub      *WSHub

	mu       sync.Mutex
	lastPoll time.Time
	polls    int
}

// NewWatcher creates a watcher and installs its snapshot function on the hub.
func NewWatcher(reader ReputationReader, scoring ScoringConfig, interval time.Duration, hub *WSHub) *Watcher {
	w := &Watcher{
		reader:   reader,
		scoring:  scoring,
		interval: interval,
		hub:      hub,
	}
	hub.SetSnapshot(w.Snapshot)
	return w
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	agents := w.hub.SubscribedAgents()

	w.mu.Lock()
	w.lastPoll = time.Now()
	w.polls++
	w.mu.Unlock()

	if len(agents) == 0 {
		return
	}

	assessments := w.Snapshot(ctx, agents)
	w.hub.Broadcast(assessments, time.Now())
	log.Printf("watcher: polled %d agents", len(agents))
}

// Snapshot reads and assesses the given agents. Read failures degrade to the
// insufficient_data presentation per agent rather than dropping the entry.
func (w *Watcher) Snapshot(ctx context.Context, agents []string) []WSAssessment {
	out := make([]WSAssessment, 0, len(agents))
	for _, agentID := range agents {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		record, err := w.reader.ReadRecord(rctx, agentID)
		cancel()
		if err != nil {
			out = append(out, WSAssessment{
				AgentID:     agentID,
				Verdict:     VerdictUnknown,
				RecentTrend: TrendInsufficientData,
			})
			continue
		}
		assessment := Assess(record, w.scoring, w.interval, time.Now())
		score := record.Score
		out = append(out, WSAssessment{
			AgentID:     agentID,
			Score:       &score,
			Verdict:     Verdict(&score),
			Confidence:  assessment.Confidence,
			Flagged:     assessment.Flagged,
			RecentTrend: assessment.RecentTrend,
		})
	}
	return out
}

// Stats reports poll activity for the health endpoint.
func (w *Watcher) Stats() (lastPoll time.Time, polls int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPoll, w.polls
}
