package tokensweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpenko/pairlabel/internal/db/memorystorage"
	"github.com/akarpenko/pairlabel/internal/logger"
)

func TestSweepRemovesOnlyExpiredRevocations(t *testing.T) {
	require.NoError(t, logger.Init("debug"))

	db, err := memorystorage.New()
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, db.RevokeToken(context.Background(), "expired", now.Add(-time.Minute)))
	require.NoError(t, db.RevokeToken(context.Background(), "live", now.Add(time.Hour)))

	sweeper := New(db, time.Hour)
	sweeper.sweep(context.Background())

	revoked, err := db.IsTokenRevoked(context.Background(), "expired")
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = db.IsTokenRevoked(context.Background(), "live")
	require.NoError(t, err)
	assert.True(t, revoked)
}

type failingPruner struct {
	err error
}

func (p *failingPruner) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	return 0, p.err
}

func TestSweepReportsErrors(t *testing.T) {
	require.NoError(t, logger.Init("debug"))

	sweeper := New(&failingPruner{err: assert.AnError}, time.Millisecond)

	received := make(chan error, 1)
	sweeper.ListenErrors(func(err error) {
		select {
		case received <- err:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Run(ctx)

	select {
	case err := <-received:
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported by the sweep loop")
	}
}
