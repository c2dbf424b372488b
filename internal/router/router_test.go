package router

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpenko/pairlabel/internal/credentials"
	"github.com/akarpenko/pairlabel/internal/db/memorystorage"
	"github.com/akarpenko/pairlabel/internal/ipchecker"
	"github.com/akarpenko/pairlabel/internal/logger"
	"github.com/akarpenko/pairlabel/internal/models"
	"github.com/akarpenko/pairlabel/internal/tokens"
)

type testEnv struct {
	srv     *httptest.Server
	client  *resty.Client
	storage *memorystorage.MemoryStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	err := logger.Init("debug")
	require.NoError(t, err)

	theStorage, err := memorystorage.New()
	require.NoError(t, err)

	tokenAuthority := tokens.New(
		theStorage,
		[]byte("router-test-signing-key"),
		15*time.Minute,
		24*time.Hour,
	)

	adminGuard, err := ipchecker.New("")
	require.NoError(t, err)

	staticDir := t.TempDir()
	err = os.WriteFile(filepath.Join(staticDir, "logo.jpg"), []byte("jpeg-bytes"), 0644)
	require.NoError(t, err)

	handler := New(
		credentials.New(theStorage),
		tokenAuthority,
		theStorage,
		adminGuard,
		staticDir,
	)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:     srv,
		client:  resty.New().SetBaseURL(srv.URL),
		storage: theStorage,
	}
}

func (env *testEnv) register(t *testing.T, username, password string) models.AuthResponse {
	t.Helper()

	authResponse := models.AuthResponse{}
	resp, err := env.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(models.RegisterRequest{Username: username, Password: password}).
		SetResult(&authResponse).
		Post("/register")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.NotEmpty(t, authResponse.AccessToken)
	require.NotEmpty(t, authResponse.RefreshToken)

	return authResponse
}

func (env *testEnv) seedItems(t *testing.T, n int) {
	t.Helper()

	rows := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, []string{fmt.Sprintf("left-%d", i+1), fmt.Sprintf("right-%d", i+1)})
	}
	_, err := env.storage.BulkInsertItems(context.Background(), rows, "unlabeled_dataset")
	require.NoError(t, err)
}

func TestRegisterLoginAndSecretEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	registered := env.register(t, "alice", "pw1")
	assert.Equal(t, "alice", registered.Username)
	assert.Equal(t, "User alice was created", registered.Msg)

	// Login issues a fresh pair.
	loggedIn := models.AuthResponse{}
	resp, err := env.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(models.LoginRequest{Username: "alice", Password: "pw1"}).
		SetResult(&loggedIn).
		Post("/login")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "Logged in", loggedIn.Msg)

	// The access token opens the protected endpoint.
	secret := models.SecretResponse{}
	resp, err = env.client.R().
		SetHeader("Authorization", "Bearer "+loggedIn.AccessToken).
		SetResult(&secret).
		Get("/secret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, 42, secret.Answer)

	// Logout revokes exactly this access token.
	resp, err = env.client.R().
		SetHeader("Authorization", "Bearer "+loggedIn.AccessToken).
		Post("/logout/access")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	resp, err = env.client.R().
		SetHeader("Authorization", "Bearer "+loggedIn.AccessToken).
		Get("/secret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())

	// The pair from registration is untouched by the revocation above.
	resp, err = env.client.R().
		SetHeader("Authorization", "Bearer "+registered.AccessToken).
		Get("/secret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
}

func TestRegisterValidationAndDuplicates(t *testing.T) {
	env := newTestEnv(t)

	env.register(t, "alice", "pw1")

	testCases := []struct {
		name         string
		body         string
		expectedCode int
	}{
		{
			name:         "duplicate_username",
			body:         `{"username": "alice", "password": "pw2"}`,
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "missing_password",
			body:         `{"username": "bob"}`,
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "empty_body",
			body:         `{}`,
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "broken_json",
			body:         `{"username":`,
			expectedCode: http.StatusBadRequest,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			resp, err := env.client.R().
				SetHeader("Content-Type", "application/json").
				SetBody(testCase.body).
				Post("/register")
			require.NoError(t, err)
			assert.Equal(t, testCase.expectedCode, resp.StatusCode())
		})
	}

	// The duplicate attempt must not create a second user.
	usersResponse := models.UsersResponse{}
	resp, err := env.client.R().SetResult(&usersResponse).Get("/users")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, []string{"alice"}, usersResponse.Users)
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t)

	env.register(t, "alice", "pw1")

	testCases := []struct {
		name        string
		username    string
		password    string
		expectedMsg string
	}{
		{
			name:        "wrong_password",
			username:    "alice",
			password:    "pw2",
			expectedMsg: "Wrong password",
		},
		{
			name:        "unknown_user",
			username:    "bob",
			password:    "pw1",
			expectedMsg: "User bob does not exist",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			msgResponse := models.MsgResponse{}
			resp, err := env.client.R().
				SetHeader("Content-Type", "application/json").
				SetBody(models.LoginRequest{Username: testCase.username, Password: testCase.password}).
				SetError(&msgResponse).
				Post("/login")
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
			assert.Equal(t, testCase.expectedMsg, msgResponse.Msg)
			// No token is issued on a failed login.
			assert.NotContains(t, string(resp.Body()), "access_token")
		})
	}
}

func TestTokenRefreshFlow(t *testing.T) {
	env := newTestEnv(t)

	registered := env.register(t, "alice", "pw1")

	// A refresh token mints a new access token for the same subject.
	refreshResponse := models.RefreshResponse{}
	resp, err := env.client.R().
		SetHeader("Authorization", "Bearer "+registered.RefreshToken).
		SetResult(&refreshResponse).
		Post("/token/refresh")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	require.NotEmpty(t, refreshResponse.AccessToken)

	resp, err = env.client.R().
		SetHeader("Authorization", "Bearer "+refreshResponse.AccessToken).
		Get("/secret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	// An access token must not pass where a refresh token is required.
	resp, err = env.client.R().
		SetHeader("Authorization", "Bearer "+registered.AccessToken).
		Post("/token/refresh")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())

	// After refresh-token logout no more access tokens can be minted.
	resp, err = env.client.R().
		SetHeader("Authorization", "Bearer "+registered.RefreshToken).
		Post("/logout/refresh")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	resp, err = env.client.R().
		SetHeader("Authorization", "Bearer "+registered.RefreshToken).
		Post("/token/refresh")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())
}

func TestSecretRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t)

	registered := env.register(t, "alice", "pw1")

	testCases := []struct {
		name  string
		token string
	}{
		{name: "no_token", token: ""},
		{name: "mangled_token", token: "not.a.token"},
		{name: "refresh_where_access_required", token: registered.RefreshToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			req := env.client.R()
			if testCase.token != "" {
				req.SetHeader("Authorization", "Bearer "+testCase.token)
			}
			resp, err := req.Get("/secret")
			require.NoError(t, err)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())
		})
	}
}

func TestLabelingFlow(t *testing.T) {
	env := newTestEnv(t)

	const totalItems = 5

	env.register(t, "alice", "pw1")
	env.seedItems(t, totalItems)

	// Full dataset is served without auth.
	datasetResponse := models.DatasetResponse{}
	resp, err := env.client.R().SetResult(&datasetResponse).Get("/unlabeled-dataset")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	require.Len(t, datasetResponse.Dataset, totalItems)
	assert.Equal(t, "left-1", datasetResponse.Dataset[0].Item1)
	assert.Equal(t, "right-1", datasetResponse.Dataset[0].Item2)

	// Label the first two items.
	for itemID := 1; itemID <= 2; itemID++ {
		msgResponse := models.MsgResponse{}
		resp, err := env.client.R().
			SetHeader("Content-Type", "application/json").
			SetBody(models.LabelRequest{Username: "alice", UnlabeledDatasetID: itemID, Label: 1}).
			SetResult(&msgResponse).
			Post("/labeled-dataset")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode())
		assert.Equal(t, "Label added.", msgResponse.Msg)
	}

	// The remainder shrinks to exactly the unlabeled ids.
	remainder := models.DatasetResponse{}
	resp, err = env.client.R().
		SetQueryParam("username", "alice").
		SetResult(&remainder).
		Get("/labeled-dataset")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	require.Len(t, remainder.Dataset, totalItems-2)
	for i, item := range remainder.Dataset {
		assert.Equal(t, i+3, item.ID)
	}

	// get_all overrides the remainder computation.
	fullSet := models.DatasetResponse{}
	resp, err = env.client.R().
		SetQueryParam("username", "alice").
		SetQueryParam("get_all", "1").
		SetResult(&fullSet).
		Get("/labeled-dataset")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Len(t, fullSet.Dataset, totalItems)

	// A second label for the same pair is rejected.
	resp, err = env.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(models.LabelRequest{Username: "alice", UnlabeledDatasetID: 1, Label: 0}).
		Post("/labeled-dataset")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	// Unknown users and unknown items are business-rule failures.
	resp, err = env.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(models.LabelRequest{Username: "bob", UnlabeledDatasetID: 1, Label: 1}).
		Post("/labeled-dataset")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	resp, err = env.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(models.LabelRequest{Username: "alice", UnlabeledDatasetID: 99, Label: 1}).
		Post("/labeled-dataset")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	// The remainder endpoint rejects an unknown username too.
	resp, err = env.client.R().
		SetQueryParam("username", "bob").
		Get("/labeled-dataset")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
}

func TestUsersListAndDeleteAll(t *testing.T) {
	env := newTestEnv(t)

	env.register(t, "alice", "pw1")
	env.register(t, "bob", "pw2")

	usersResponse := models.UsersResponse{}
	resp, err := env.client.R().SetResult(&usersResponse).Get("/users")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, []string{"alice", "bob"}, usersResponse.Users)

	msgResponse := models.MsgResponse{}
	resp, err = env.client.R().SetResult(&msgResponse).Delete("/users")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "Deleted 2 users", msgResponse.Msg)

	usersResponse = models.UsersResponse{}
	resp, err = env.client.R().SetResult(&usersResponse).Get("/users")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Empty(t, usersResponse.Users)
}

func TestStaticContent(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.client.R().SetQueryParam("img", "logo.jpg").Get("/static-content")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, []byte("jpeg-bytes"), resp.Body())

	resp, err = env.client.R().Get("/static-content")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	resp, err = env.client.R().SetQueryParam("img", "missing.jpg").Get("/static-content")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())
}

func TestGzippedRequestIsAccepted(t *testing.T) {
	env := newTestEnv(t)

	body, err := json.Marshal(models.RegisterRequest{Username: "alice", Password: "pw1"})
	require.NoError(t, err)

	compressed, err := gzipBytes(body)
	require.NoError(t, err)

	authResponse := models.AuthResponse{}
	resp, err := env.client.R().
		SetHeader("Content-Type", "application/json").
		SetHeader("Content-Encoding", "gzip").
		SetBody(compressed).
		SetResult(&authResponse).
		Post("/register")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "alice", authResponse.Username)
}

func gzipBytes(input []byte) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)

	if _, err := gzipWriter.Write(input); err != nil {
		return nil, err
	}

	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
