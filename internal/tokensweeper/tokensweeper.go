// Package tokensweeper periodically prunes revocation records whose
// underlying token has expired. An expired token is rejected during
// validation before the revocation set is consulted, so removing its
// record does not change observable behavior — it only keeps the
// revoked_tokens table from growing without bound.
package tokensweeper

import (
	"context"
	"time"

	"github.com/akarpenko/pairlabel/internal/logger"
)

type revocationPruner interface {
	DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}

// TokenSweeper runs the periodic pruning loop.
type TokenSweeper struct {
	db           revocationPruner
	interval     time.Duration
	errorChannel chan error
}

// New creates a sweeper over the given storage with the given sweep interval.
func New(db revocationPruner, interval time.Duration) *TokenSweeper {
	return &TokenSweeper{
		db:           db,
		interval:     interval,
		errorChannel: make(chan error, 1),
	}
}

// ListenErrors invokes the callback for every error the sweep loop reports.
func (s *TokenSweeper) ListenErrors(callback func(error)) {
	go func() {
		for err := range s.errorChannel {
			callback(err)
		}
	}()
}

// Run starts the sweep loop. It stops when the context is canceled.
func (s *TokenSweeper) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				close(s.errorChannel)
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *TokenSweeper) sweep(ctx context.Context) {
	removed, err := s.db.DeleteExpiredRevocations(ctx, time.Now())
	if err != nil {
		select {
		case s.errorChannel <- err:
		default:
		}
		return
	}

	if removed > 0 {
		logger.Log.Infof("pruned %d expired token revocations", removed)
	}
}
