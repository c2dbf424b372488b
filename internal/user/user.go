// Package user defines the user model shared by the credential store,
// the storage implementations and the HTTP handlers.
package user

// User represents a registered user.
// PasswordHash holds the bcrypt hash of the password; the plaintext
// is never persisted.
type User struct {
	ID           int
	Username     string
	PasswordHash string
}
