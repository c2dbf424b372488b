// Package storage declares the persistence contract shared by the
// PostgreSQL and the in-memory implementations.
package storage

import (
	"context"
	"time"

	"github.com/akarpenko/pairlabel/internal/models"
	"github.com/akarpenko/pairlabel/internal/user"
)

// Storage is the full persistence surface used by the application.
// Consumers depend on narrower interfaces declared on their side;
// this one exists for wiring and for test doubles.
type Storage interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*user.User, error)

	FindUserByUsername(ctx context.Context, username string) (*user.User, bool, error)

	GetUsernames(ctx context.Context) ([]string, error)

	DeleteAllUsers(ctx context.Context) (int64, error)

	GetAllItems(ctx context.Context) ([]models.DatasetItem, error)

	GetUnlabeledFor(ctx context.Context, userID int) ([]models.DatasetItem, error)

	InsertLabel(ctx context.Context, itemID, userID, label int) error

	BulkInsertItems(ctx context.Context, rows [][]string, table string) (int64, error)

	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error

	IsTokenRevoked(ctx context.Context, jti string) (bool, error)

	DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error

	Close() error
}
