// Package credentials implements the credential store: user registration,
// password verification and the administrative user listing and wipe.
// Passwords are hashed with bcrypt; the plaintext never reaches storage
// and hash comparison is delegated to bcrypt entirely.
package credentials

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/akarpenko/pairlabel/internal/models"
	"github.com/akarpenko/pairlabel/internal/user"
)

type userKeeper interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*user.User, error)
	FindUserByUsername(ctx context.Context, username string) (*user.User, bool, error)
	GetUsernames(ctx context.Context) ([]string, error)
	DeleteAllUsers(ctx context.Context) (int64, error)
}

// Credentials is the credential store working on top of a user storage.
type Credentials struct {
	db userKeeper
}

// New creates a credential store over the given user storage.
func New(db userKeeper) *Credentials {
	return &Credentials{db: db}
}

// Register creates a user with the bcrypt hash of the given password.
// Returns models.ErrUsernameTaken when the username is already registered.
func (c *Credentials) Register(ctx context.Context, username, password string) (*user.User, error) {
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	return c.db.CreateUser(ctx, username, string(passwordHash))
}

// Verify looks the user up by name and checks the password against the
// stored hash. Reports models.ErrUserNotFound for an unknown name and
// models.ErrWrongPassword for a hash mismatch.
func (c *Credentials) Verify(ctx context.Context, username, password string) (*user.User, error) {
	usr, found, err := c.db.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.ErrUserNotFound
	}

	err = bcrypt.CompareHashAndPassword([]byte(usr.PasswordHash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, models.ErrWrongPassword
		}
		return nil, err
	}

	return usr, nil
}

// FindByUsername resolves a username to the stored user record.
func (c *Credentials) FindByUsername(ctx context.Context, username string) (*user.User, error) {
	usr, found, err := c.db.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.ErrUserNotFound
	}

	return usr, nil
}

// Usernames lists the names of all registered users.
func (c *Credentials) Usernames(ctx context.Context) ([]string, error) {
	return c.db.GetUsernames(ctx)
}

// DeleteAll wipes all users and returns the number of removed records.
func (c *Credentials) DeleteAll(ctx context.Context) (int64, error) {
	return c.db.DeleteAllUsers(ctx)
}
