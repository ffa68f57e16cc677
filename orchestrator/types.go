package orchestrator

import (
	"context"
	"errors"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

var (
	ErrStopped       = errors.New("pipeline stopped")
	ErrSessionClosed = errors.New("session is closing")
)

// HistorySource loads previously published states of a session, most recent
// first. It seeds trend history when a session (re)starts.
type HistorySource interface {
	History(ctx context.Context, sessionID string, n int) ([]emotion.State, error)
}

type fuseResult struct {
	state emotion.State
	err   error
}

type fuseRequest struct {
	reply chan fuseResult
}
