package memorystorage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpenko/pairlabel/internal/models"
)

func seedItems(t *testing.T, s *MemoryStorage, n int) {
	t.Helper()

	rows := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, []string{"left", "right"})
	}
	inserted, err := s.BulkInsertItems(context.Background(), rows, "unlabeled_dataset")
	require.NoError(t, err)
	require.Equal(t, int64(n), inserted)
}

func TestUnlabeledRemainder(t *testing.T) {
	const (
		totalItems   = 7
		labeledItems = 3
	)

	s, err := New()
	require.NoError(t, err)

	seedItems(t, s, totalItems)

	usr, err := s.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	for itemID := 1; itemID <= labeledItems; itemID++ {
		require.NoError(t, s.InsertLabel(context.Background(), itemID, usr.ID, 1))
	}

	remainder, err := s.GetUnlabeledFor(context.Background(), usr.ID)
	require.NoError(t, err)
	require.Len(t, remainder, totalItems-labeledItems)

	for i, item := range remainder {
		assert.Equal(t, labeledItems+i+1, item.ID)
	}

	// Labels of one user must not shrink the remainder of another.
	other, err := s.CreateUser(context.Background(), "bob", "hash")
	require.NoError(t, err)

	otherRemainder, err := s.GetUnlabeledFor(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Len(t, otherRemainder, totalItems)
}

func TestDuplicateLabelRejected(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	seedItems(t, s, 1)

	usr, err := s.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	require.NoError(t, s.InsertLabel(context.Background(), 1, usr.ID, 0))

	err = s.InsertLabel(context.Background(), 1, usr.ID, 1)
	assert.ErrorIs(t, err, models.ErrLabelExists)

	remainder, err := s.GetUnlabeledFor(context.Background(), usr.ID)
	require.NoError(t, err)
	assert.Empty(t, remainder)
}

func TestInsertLabelReferentialIntegrity(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	seedItems(t, s, 1)

	usr, err := s.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	assert.ErrorIs(t, s.InsertLabel(context.Background(), 42, usr.ID, 1), models.ErrUnknownItem)
	assert.ErrorIs(t, s.InsertLabel(context.Background(), 1, 42, 1), models.ErrUserNotFound)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	_, err = s.CreateUser(context.Background(), "alice", "otherhash")
	assert.ErrorIs(t, err, models.ErrUsernameTaken)

	usernames, err := s.GetUsernames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, usernames)
}

func TestDeleteAllUsersCascadesLabels(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	seedItems(t, s, 2)

	usr, err := s.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)
	require.NoError(t, s.InsertLabel(context.Background(), 1, usr.ID, 1))

	removed, err := s.DeleteAllUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// A new user under the same name starts with a full remainder.
	usr2, err := s.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	remainder, err := s.GetUnlabeledFor(context.Background(), usr2.ID)
	require.NoError(t, err)
	assert.Len(t, remainder, 2)
}

func TestBulkInsertItemsAllOrNothing(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.BulkInsertItems(
		context.Background(),
		[][]string{
			{"a", "b"},
			{"only-one-field"},
		},
		"unlabeled_dataset",
	)
	require.Error(t, err)

	items, err := s.GetAllItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = s.BulkInsertItems(context.Background(), [][]string{{"a", "b"}}, `bad"name`)
	require.Error(t, err)
}

func TestRevocationBookkeeping(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	now := time.Now()

	require.NoError(t, s.RevokeToken(context.Background(), "jti-1", now.Add(time.Hour)))
	require.NoError(t, s.RevokeToken(context.Background(), "jti-1", now.Add(time.Hour))) // idempotent
	require.NoError(t, s.RevokeToken(context.Background(), "jti-2", now.Add(-time.Hour)))

	revoked, err := s.IsTokenRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsTokenRevoked(context.Background(), "jti-3")
	require.NoError(t, err)
	assert.False(t, revoked)

	removed, err := s.DeleteExpiredRevocations(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	revoked, err = s.IsTokenRevoked(context.Background(), "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = s.IsTokenRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}
