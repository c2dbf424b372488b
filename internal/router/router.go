// Package router wires the HTTP surface of the labeling service.
// Handlers contain no business logic beyond parsing a typed request,
// delegating to the credential store, the token authority or the dataset
// storage, and shaping the JSON response.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/akarpenko/pairlabel/internal/gzippedhttp"
	"github.com/akarpenko/pairlabel/internal/logger"
	"github.com/akarpenko/pairlabel/internal/models"
	"github.com/akarpenko/pairlabel/internal/tokens"
	"github.com/akarpenko/pairlabel/internal/user"
)

type credentialsManager interface {
	Register(ctx context.Context, username, password string) (*user.User, error)
	Verify(ctx context.Context, username, password string) (*user.User, error)
	FindByUsername(ctx context.Context, username string) (*user.User, error)
	Usernames(ctx context.Context) ([]string, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type tokenAuthority interface {
	IssuePair(username string) (accessToken, refreshToken string, err error)
	RefreshAccess(ctx context.Context, refreshToken string) (string, error)
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	RequireAccess(h http.Handler) http.Handler
	RequireRefresh(h http.Handler) http.Handler
}

type datasetKeeper interface {
	GetAllItems(ctx context.Context) ([]models.DatasetItem, error)
	GetUnlabeledFor(ctx context.Context, userID int) ([]models.DatasetItem, error)
	InsertLabel(ctx context.Context, itemID, userID, label int) error
}

type adminGuard interface {
	Guard(h http.Handler) http.Handler
}

// Router holds the collaborators of the HTTP handlers.
type Router struct {
	credentials credentialsManager
	tokens      tokenAuthority
	dataset     datasetKeeper
	staticDir   string
	validate    *validator.Validate
}

// New builds the chi router with logging and gzip middleware and the full
// endpoint surface of the service.
func New(
	credentials credentialsManager,
	tokenAuthority tokenAuthority,
	dataset datasetKeeper,
	guard adminGuard,
	staticDir string,
) http.Handler {
	theRouter := &Router{
		credentials: credentials,
		tokens:      tokenAuthority,
		dataset:     dataset,
		staticDir:   staticDir,
		validate:    validator.New(),
	}

	router := chi.NewRouter()
	router.Use(
		logger.WithLoggingHTTPMiddleware,
		gzippedhttp.UngzipRequest,
		gzippedhttp.GzipResponse,
	)

	router.Post(`/register`, theRouter.PostRegister)
	router.Post(`/login`, theRouter.PostLogin)
	router.With(tokenAuthority.RequireAccess).Post(`/logout/access`, theRouter.PostLogoutAccess)
	router.With(tokenAuthority.RequireRefresh).Post(`/logout/refresh`, theRouter.PostLogoutRefresh)
	router.Post(`/token/refresh`, theRouter.PostTokenRefresh)
	router.Get(`/users`, theRouter.GetUsers)
	router.With(guard.Guard).Delete(`/users`, theRouter.DeleteUsers)
	router.With(tokenAuthority.RequireAccess).Get(`/secret`, theRouter.GetSecret)
	router.Get(`/unlabeled-dataset`, theRouter.GetUnlabeledDataset)
	router.Get(`/labeled-dataset`, theRouter.GetLabeledDataset)
	router.Post(`/labeled-dataset`, theRouter.PostLabeledDataset)
	router.Get(`/static-content`, theRouter.GetStaticContent)

	return router
}

// PostRegister creates a user and answers with a fresh token pair.
func (r *Router) PostRegister(response http.ResponseWriter, request *http.Request) {
	registerRequest := models.RegisterRequest{}
	if !r.decodeAndValidate(response, request, &registerRequest) {
		return
	}

	_, err := r.credentials.Register(request.Context(), registerRequest.Username, registerRequest.Password)
	if err != nil {
		if errors.Is(err, models.ErrUsernameTaken) {
			writeJSON(response, http.StatusBadRequest, models.MsgResponse{
				Msg: fmt.Sprintf("User %s already exists", registerRequest.Username),
			})
			return
		}
		writeUnexpectedError(response, err)
		return
	}

	r.respondWithTokenPair(
		response,
		registerRequest.Username,
		fmt.Sprintf("User %s was created", registerRequest.Username),
	)
}

// PostLogin verifies the password and answers with a fresh token pair.
func (r *Router) PostLogin(response http.ResponseWriter, request *http.Request) {
	loginRequest := models.LoginRequest{}
	if !r.decodeAndValidate(response, request, &loginRequest) {
		return
	}

	_, err := r.credentials.Verify(request.Context(), loginRequest.Username, loginRequest.Password)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUserNotFound):
			writeJSON(response, http.StatusBadRequest, models.MsgResponse{
				Msg: fmt.Sprintf("User %s does not exist", loginRequest.Username),
			})
		case errors.Is(err, models.ErrWrongPassword):
			writeJSON(response, http.StatusBadRequest, models.MsgResponse{Msg: "Wrong password"})
		default:
			writeUnexpectedError(response, err)
		}
		return
	}

	r.respondWithTokenPair(response, loginRequest.Username, "Logged in")
}

// PostLogoutAccess revokes the access token the request was authenticated with.
func (r *Router) PostLogoutAccess(response http.ResponseWriter, request *http.Request) {
	r.revokeCurrentToken(response, request, "Access token has been revoked")
}

// PostLogoutRefresh revokes the refresh token the request was authenticated with.
func (r *Router) PostLogoutRefresh(response http.ResponseWriter, request *http.Request) {
	r.revokeCurrentToken(response, request, "Refresh token has been revoked")
}

// PostTokenRefresh mints a new access token for the subject of a valid
// refresh token.
func (r *Router) PostTokenRefresh(response http.ResponseWriter, request *http.Request) {
	accessToken, err := r.tokens.RefreshAccess(request.Context(), tokens.TokenFromRequest(request))
	if err != nil {
		if isTokenError(err) {
			writeJSON(response, http.StatusUnauthorized, models.MsgResponse{Msg: err.Error()})
			return
		}
		writeUnexpectedError(response, err)
		return
	}

	writeJSON(response, http.StatusOK, models.RefreshResponse{AccessToken: accessToken})
}

// GetUsers lists the names of all registered users.
func (r *Router) GetUsers(response http.ResponseWriter, request *http.Request) {
	usernames, err := r.credentials.Usernames(request.Context())
	if err != nil {
		writeUnexpectedError(response, err)
		return
	}

	writeJSON(response, http.StatusOK, models.UsersResponse{Users: usernames})
}

// DeleteUsers wipes all users. Dependent labels go with them.
func (r *Router) DeleteUsers(response http.ResponseWriter, request *http.Request) {
	removed, err := r.credentials.DeleteAll(request.Context())
	if err != nil {
		writeUnexpectedError(response, err)
		return
	}

	writeJSON(response, http.StatusOK, models.MsgResponse{
		Msg: fmt.Sprintf("Deleted %d users", removed),
	})
}

// GetSecret is the smoke-test endpoint behind access token authentication.
func (r *Router) GetSecret(response http.ResponseWriter, request *http.Request) {
	writeJSON(response, http.StatusOK, models.SecretResponse{Answer: 42})
}

// GetUnlabeledDataset returns the full unlabeled dataset.
func (r *Router) GetUnlabeledDataset(response http.ResponseWriter, request *http.Request) {
	items, err := r.dataset.GetAllItems(request.Context())
	if err != nil {
		writeUnexpectedError(response, err)
		return
	}

	writeJSON(response, http.StatusOK, models.DatasetResponse{Dataset: items})
}

// GetLabeledDataset returns the unlabeled remainder for the given user,
// or the full dataset when the get_all parameter is set.
func (r *Router) GetLabeledDataset(response http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()

	if query.Get("get_all") != "" {
		r.GetUnlabeledDataset(response, request)
		return
	}

	username := query.Get("username")
	if username == "" {
		writeJSON(response, http.StatusBadRequest, models.MsgResponse{Msg: "username is required"})
		return
	}

	usr, err := r.credentials.FindByUsername(request.Context(), username)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			writeJSON(response, http.StatusBadRequest, models.MsgResponse{
				Msg: fmt.Sprintf("User %s does not exist", username),
			})
			return
		}
		writeUnexpectedError(response, err)
		return
	}

	items, err := r.dataset.GetUnlabeledFor(request.Context(), usr.ID)
	if err != nil {
		writeUnexpectedError(response, err)
		return
	}

	writeJSON(response, http.StatusOK, models.DatasetResponse{Dataset: items})
}

// PostLabeledDataset records the label a user gave to a dataset item.
func (r *Router) PostLabeledDataset(response http.ResponseWriter, request *http.Request) {
	labelRequest := models.LabelRequest{}
	if !r.decodeAndValidate(response, request, &labelRequest) {
		return
	}

	usr, err := r.credentials.FindByUsername(request.Context(), labelRequest.Username)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			writeJSON(response, http.StatusBadRequest, models.MsgResponse{
				Msg: fmt.Sprintf("User %s does not exist", labelRequest.Username),
			})
			return
		}
		writeUnexpectedError(response, err)
		return
	}

	err = r.dataset.InsertLabel(request.Context(), labelRequest.UnlabeledDatasetID, usr.ID, labelRequest.Label)
	if err != nil {
		if errors.Is(err, models.ErrLabelExists) ||
			errors.Is(err, models.ErrUnknownItem) ||
			errors.Is(err, models.ErrUserNotFound) {
			writeJSON(response, http.StatusBadRequest, models.MsgResponse{Msg: err.Error()})
			return
		}
		writeUnexpectedError(response, err)
		return
	}

	writeJSON(response, http.StatusOK, models.MsgResponse{Msg: "Label added."})
}

// GetStaticContent serves an image from the static directory.
// The img parameter is confined to the directory.
func (r *Router) GetStaticContent(response http.ResponseWriter, request *http.Request) {
	imgName := request.URL.Query().Get("img")
	if imgName == "" {
		writeJSON(response, http.StatusBadRequest, models.MsgResponse{Msg: "img is required"})
		return
	}

	cleaned := filepath.Clean("/" + imgName)
	if strings.Contains(cleaned, "..") {
		writeJSON(response, http.StatusBadRequest, models.MsgResponse{Msg: "invalid img name"})
		return
	}

	http.ServeFile(response, request, filepath.Join(r.staticDir, cleaned))
}

func (r *Router) respondWithTokenPair(response http.ResponseWriter, username, msg string) {
	accessToken, refreshToken, err := r.tokens.IssuePair(username)
	if err != nil {
		writeUnexpectedError(response, err)
		return
	}

	writeJSON(response, http.StatusOK, models.AuthResponse{
		Msg:          msg,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Username:     username,
	})
}

func (r *Router) revokeCurrentToken(response http.ResponseWriter, request *http.Request, msg string) {
	claims, ok := tokens.ClaimsFromContext(request.Context())
	if !ok {
		writeJSON(response, http.StatusUnauthorized, models.MsgResponse{Msg: models.ErrNoToken.Error()})
		return
	}

	if err := r.tokens.Revoke(request.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		writeUnexpectedError(response, err)
		return
	}

	writeJSON(response, http.StatusOK, models.MsgResponse{Msg: msg})
}

func (r *Router) decodeAndValidate(response http.ResponseWriter, request *http.Request, target any) bool {
	if err := json.NewDecoder(request.Body).Decode(target); err != nil {
		writeJSON(response, http.StatusBadRequest, models.MsgResponse{Msg: "invalid request body"})
		return false
	}

	if err := r.validate.Struct(target); err != nil {
		writeJSON(response, http.StatusBadRequest, models.MsgResponse{Msg: err.Error()})
		return false
	}

	return true
}

func isTokenError(err error) bool {
	for _, known := range []error{
		models.ErrNoToken,
		models.ErrTokenInvalid,
		models.ErrTokenExpired,
		models.ErrTokenRevoked,
		models.ErrWrongTokenKind,
	} {
		if errors.Is(err, known) {
			return true
		}
	}

	return false
}

func writeUnexpectedError(response http.ResponseWriter, err error) {
	// The raw error message is echoed in the body; this is an internal
	// tool and the behavior is part of the API contract.
	writeJSON(response, http.StatusInternalServerError, models.MsgResponse{Msg: err.Error()})
}

func writeJSON(response http.ResponseWriter, status int, payload any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	if err := json.NewEncoder(response).Encode(payload); err != nil {
		logger.Log.Debugln("Error encoding the response: ", zap.Error(err))
	}
}
