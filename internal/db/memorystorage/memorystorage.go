// Package memorystorage implements the storage contract with plain maps.
// It backs the application when no database DSN is configured and serves
// as the storage double in tests. A single mutex guards all state; the
// uniqueness rules mirror the constraints of the PostgreSQL schema.
package memorystorage

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/akarpenko/pairlabel/internal/models"
	"github.com/akarpenko/pairlabel/internal/user"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type labelKey struct {
	itemID int
	userID int
}

// MemoryStorage keeps users, dataset items, labels and revoked token
// identifiers in memory.
type MemoryStorage struct {
	mu sync.Mutex

	usersByName map[string]*user.User
	nextUserID  int

	items      []models.DatasetItem
	nextItemID int

	labels map[labelKey]int

	revoked map[string]time.Time
}

// New returns an empty MemoryStorage.
func New() (*MemoryStorage, error) {
	return &MemoryStorage{
		usersByName: map[string]*user.User{},
		nextUserID:  1,
		nextItemID:  1,
		labels:      map[labelKey]int{},
		revoked:     map[string]time.Time{},
	}, nil
}

// CreateUser stores a new user, rejecting duplicate usernames.
func (s *MemoryStorage) CreateUser(ctx context.Context, username, passwordHash string) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByName[username]; exists {
		return nil, models.ErrUsernameTaken
	}

	usr := &user.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
	}
	s.nextUserID++
	s.usersByName[username] = usr

	return usr, nil
}

// FindUserByUsername fetches a user by name.
func (s *MemoryStorage) FindUserByUsername(ctx context.Context, username string) (*user.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usr, found := s.usersByName[username]
	if !found {
		return nil, false, nil
	}

	copied := *usr

	return &copied, true, nil
}

// GetUsernames returns all usernames ordered by user id.
func (s *MemoryStorage) GetUsernames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[int]string, len(s.usersByName))
	maxID := 0
	for name, usr := range s.usersByName {
		byID[usr.ID] = name
		if usr.ID > maxID {
			maxID = usr.ID
		}
	}

	result := []string{}
	for id := 1; id <= maxID; id++ {
		if name, ok := byID[id]; ok {
			result = append(result, name)
		}
	}

	return result, nil
}

// DeleteAllUsers removes every user together with their labels,
// matching the cascading behavior of the PostgreSQL schema.
func (s *MemoryStorage) DeleteAllUsers(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := int64(len(s.usersByName))
	s.usersByName = map[string]*user.User{}
	s.labels = map[labelKey]int{}

	return removed, nil
}

// GetAllItems returns the full unlabeled dataset in insertion order.
func (s *MemoryStorage) GetAllItems(ctx context.Context) ([]models.DatasetItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]models.DatasetItem, len(s.items))
	copy(result, s.items)

	return result, nil
}

// GetUnlabeledFor returns the set difference between all items and the
// items the given user has already labeled.
func (s *MemoryStorage) GetUnlabeledFor(ctx context.Context, userID int) ([]models.DatasetItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []models.DatasetItem{}
	for _, item := range s.items {
		if _, labeled := s.labels[labelKey{itemID: item.ID, userID: userID}]; !labeled {
			result = append(result, item)
		}
	}

	return result, nil
}

// InsertLabel records a label, enforcing the one-label-per-user-per-item rule
// and referential integrity.
func (s *MemoryStorage) InsertLabel(ctx context.Context, itemID, userID, label int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.userExists(userID) {
		return models.ErrUserNotFound
	}
	if !s.itemExists(itemID) {
		return models.ErrUnknownItem
	}

	key := labelKey{itemID: itemID, userID: userID}
	if _, exists := s.labels[key]; exists {
		return models.ErrLabelExists
	}
	s.labels[key] = label

	return nil
}

// BulkInsertItems appends item pairs to the dataset, all rows or none.
func (s *MemoryStorage) BulkInsertItems(ctx context.Context, rows [][]string, table string) (int64, error) {
	if !identifierPattern.MatchString(table) {
		return 0, fmt.Errorf("invalid destination table name: %q", table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if len(row) != 2 {
			return 0, fmt.Errorf("invalid row data: %v", row)
		}
	}

	for _, row := range rows {
		s.items = append(s.items, models.DatasetItem{
			ID:    s.nextItemID,
			Item1: row[0],
			Item2: row[1],
		})
		s.nextItemID++
	}

	return int64(len(rows)), nil
}

// RevokeToken adds the token identifier to the revocation set. Idempotent.
func (s *MemoryStorage) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.revoked[jti]; !exists {
		s.revoked[jti] = expiresAt
	}

	return nil
}

// IsTokenRevoked reports whether the token identifier has been revoked.
func (s *MemoryStorage) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, revoked := s.revoked[jti]

	return revoked, nil
}

// DeleteExpiredRevocations drops revocation entries whose token expiry has passed.
func (s *MemoryStorage) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := int64(0)
	for jti, expiresAt := range s.revoked {
		if expiresAt.Before(now) {
			delete(s.revoked, jti)
			removed++
		}
	}

	return removed, nil
}

// Ping always succeeds for the in-memory storage.
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory storage.
func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) userExists(userID int) bool {
	for _, usr := range s.usersByName {
		if usr.ID == userID {
			return true
		}
	}

	return false
}

func (s *MemoryStorage) itemExists(itemID int) bool {
	for _, item := range s.items {
		if item.ID == itemID {
			return true
		}
	}

	return false
}
