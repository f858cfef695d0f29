// Package presenter renders engine snapshots outside the engine.
package presenter

import (
	"sync"

	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
	"go.uber.org/zap"
)

// LogPresenter writes a line whenever the visible part of a snapshot
// changes. Snapshots that differ only in timestamp are skipped.
type LogPresenter struct {
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]orchestrator.Snapshot
}

func NewLogPresenter(logger *zap.Logger) *LogPresenter {
	return &LogPresenter{
		logger: logger,
		last:   make(map[string]orchestrator.Snapshot),
	}
}

func (p *LogPresenter) Present(snap orchestrator.Snapshot) {
	p.mu.Lock()
	prev, seen := p.last[snap.SessionID]
	p.last[snap.SessionID] = snap
	p.mu.Unlock()

	if seen && sameView(prev, snap) {
		return
	}

	p.logger.Info("turn state",
		zap.String("sessionID", snap.SessionID),
		zap.String("state", snap.StateName),
		zap.String("pending", snap.PendingText),
		zap.String("interim", snap.InterimText),
		zap.String("status", snap.StatusMessage),
		zap.Float64("threshold", snap.Threshold),
		zap.Int("frustration", snap.FrustrationLevel),
	)
}

func sameView(a, b orchestrator.Snapshot) bool {
	a.At = b.At
	return a == b
}

// Multi fans a snapshot out to several presenters in order.
type Multi []orchestrator.Presenter

func (m Multi) Present(snap orchestrator.Snapshot) {
	for _, p := range m {
		if p != nil {
			p.Present(snap)
		}
	}
}
