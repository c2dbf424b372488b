// Package models defines the request and response bodies of the HTTP API
// and the sentinel errors of the business-rule taxonomy.
// Every endpoint gets its own typed model instead of a shared generic parser,
// so required and optional fields are explicit.
package models

import "errors"

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse is returned by POST /register and POST /login.
// The field names are a stability contract for clients.
type AuthResponse struct {
	Msg          string `json:"msg"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Username     string `json:"username"`
}

// RefreshResponse is returned by POST /token/refresh.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
}

// MsgResponse is the generic single-message body used by logout,
// delete and every error path.
type MsgResponse struct {
	Msg string `json:"msg"`
}

// UsersResponse is returned by GET /users.
type UsersResponse struct {
	Users []string `json:"users"`
}

// DatasetItem is a single pair of items offered for labeling.
type DatasetItem struct {
	ID    int    `json:"id"`
	Item1 string `json:"item_1"`
	Item2 string `json:"item_2"`
}

// DatasetResponse is returned by GET /unlabeled-dataset and GET /labeled-dataset.
type DatasetResponse struct {
	Dataset []DatasetItem `json:"dataset"`
}

// LabelRequest is the body of POST /labeled-dataset.
type LabelRequest struct {
	Username           string `json:"username" validate:"required"`
	UnlabeledDatasetID int    `json:"unlabeled_dataset_id" validate:"required"`
	Label              int    `json:"label"`
}

// SecretResponse is returned by the GET /secret smoke-test endpoint.
type SecretResponse struct {
	Answer int `json:"answer"`
}

// Business-rule and token errors. Handlers dispatch on these with errors.Is
// and translate them into 400/401 responses.
var (
	ErrUsernameTaken  = errors.New("username already exists")
	ErrUserNotFound   = errors.New("user does not exist")
	ErrWrongPassword  = errors.New("wrong password")
	ErrLabelExists    = errors.New("the item is already labeled by this user")
	ErrUnknownItem    = errors.New("unknown unlabeled dataset item")
	ErrNoToken        = errors.New("authorization token is missing")
	ErrTokenInvalid   = errors.New("the token is invalid")
	ErrTokenExpired   = errors.New("the token has expired")
	ErrTokenRevoked   = errors.New("the token has been revoked")
	ErrWrongTokenKind = errors.New("wrong token kind")
)
