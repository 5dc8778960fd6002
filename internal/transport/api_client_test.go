package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unioneyes/claimsync/internal/config"
	"github.com/unioneyes/claimsync/internal/creds"
	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
	"github.com/unioneyes/claimsync/internal/transport"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   []byte
}

func newTestClient(t *testing.T, handler http.Handler) (*transport.APIClient, *creds.TokenStore, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	dir := t.TempDir()
	tokens := creds.NewTokenStore(filepath.Join(dir, "key"), filepath.Join(dir, "token"), logger)

	client := transport.NewAPIClient(&config.APIConfig{
		BaseURL:       srv.URL,
		Timeout:       5 * time.Second,
		UploadTimeout: 10 * time.Second,
		UserAgent:     "claimsync-test",
	}, tokens, logger)

	return client, tokens, srv
}

func capture(into *capturedRequest, status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		into.Method = r.Method
		into.Path = r.URL.Path
		into.Query = r.URL.RawQuery
		into.Auth = r.Header.Get("Authorization")
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		into.Body = buf.Bytes()

		w.WriteHeader(status)
		if body != "" {
			w.Write([]byte(body))
		}
	})
}

func TestUpdateEntityRequestShape(t *testing.T) {
	var got capturedRequest
	client, tokens, _ := newTestClient(t, capture(&got, http.StatusOK, "{}"))

	require.NoError(t, tokens.SetToken(&creds.Token{AccessToken: "abc123", UserID: "u1"}))

	err := client.UpdateEntity(context.Background(), "/claims", "c 1", json.RawMessage(`{"id":"c 1","status":"open"}`))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/claims/c 1", got.Path)
	assert.Equal(t, "Bearer abc123", got.Auth)
	assert.JSONEq(t, `{"id":"c 1","status":"open"}`, string(got.Body))
}

func TestPullUpdatesQueryAndDecode(t *testing.T) {
	var got capturedRequest
	client, _, _ := newTestClient(t, capture(&got, http.StatusOK,
		`{"data":[{"id":"c1","status":"open"}],"hasMore":true}`))

	page, err := client.PullUpdates(context.Background(), "/claims", 1234, 50, 100)
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/claims", got.Path)
	assert.Contains(t, got.Query, "limit=50")
	assert.Contains(t, got.Query, "offset=100")
	assert.Contains(t, got.Query, "updatedAfter=1234")

	require.Len(t, page.Data, 1)
	assert.Equal(t, "c1", page.Data[0]["id"])
	assert.True(t, page.HasMore)
}

func TestPullUpdatesOmitsZeroWatermark(t *testing.T) {
	var got capturedRequest
	client, _, _ := newTestClient(t, capture(&got, http.StatusOK, `{"data":[],"hasMore":false}`))

	_, err := client.PullUpdates(context.Background(), "/claims", 0, 50, 0)
	require.NoError(t, err)
	assert.NotContains(t, got.Query, "updatedAfter")
}

func TestErrorResponseParsing(t *testing.T) {
	t.Run("structured error body", func(t *testing.T) {
		client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"code":"version_conflict","message":"stale version"}`))
		}))

		err := client.CreateEntity(context.Background(), "/claims", json.RawMessage(`{"id":"c1"}`))
		require.Error(t, err)

		var apiErr *models.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "version_conflict", apiErr.Code)
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	})

	t.Run("opaque error body", func(t *testing.T) {
		client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream unavailable"))
		}))

		err := client.DeleteEntity(context.Background(), "/claims", "c1")
		require.Error(t, err)

		var apiErr *models.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "http_error", apiErr.Code)
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	})
}

func TestUnauthorizedInvalidatesToken(t *testing.T) {
	client, tokens, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	require.NoError(t, tokens.SetToken(&creds.Token{AccessToken: "stale"}))

	fired := false
	client.OnUnauthorized(func() { fired = true })

	err := client.UpdateEntity(context.Background(), "/claims", "c1", json.RawMessage(`{"id":"c1"}`))
	require.Error(t, err)
	assert.True(t, fired)
}

func TestLoginStoresToken(t *testing.T) {
	var got capturedRequest
	client, tokens, _ := newTestClient(t, capture(&got, http.StatusOK,
		`{"access_token":"fresh","refresh_token":"r1","user_id":"u1"}`))

	token, err := client.Login(context.Background(), "member@example.com", "hunter2")
	require.NoError(t, err)

	assert.Equal(t, "/auth/login", got.Path)
	assert.JSONEq(t, `{"email":"member@example.com","password":"hunter2"}`, string(got.Body))
	assert.Equal(t, "fresh", token.AccessToken)

	stored, err := tokens.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.Equal(t, "u1", stored.UserID)
}

func TestExecuteDispatch(t *testing.T) {
	var got capturedRequest
	client, _, _ := newTestClient(t, capture(&got, http.StatusOK, "{}"))
	ctx := context.Background()

	require.NoError(t, client.Execute(ctx, &models.Operation{
		Type:   models.OpCreate,
		Entity: "claims",
		Data:   json.RawMessage(`{"id":"c1"}`),
	}))
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/claims", got.Path)

	require.NoError(t, client.Execute(ctx, &models.Operation{
		Type:   models.OpUpdate,
		Entity: "claims",
		Data:   json.RawMessage(`{"id":"c1"}`),
	}))
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/claims/c1", got.Path)

	require.NoError(t, client.Execute(ctx, &models.Operation{
		Type:   models.OpDelete,
		Entity: "claims",
		Data:   json.RawMessage(`{"id":"c1"}`),
	}))
	assert.Equal(t, http.MethodDelete, got.Method)

	err := client.Execute(ctx, &models.Operation{Type: "upsert", Entity: "claims"})
	assert.Error(t, err)
}
