package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotd/depot"
	"github.com/depotd/depot/internal/admin"
	"github.com/depotd/depot/internal/auth"
	"github.com/depotd/depot/internal/meta"
	"github.com/depotd/depot/internal/schema"
)

const testSecret = "server-test-secret"

func signToken(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: scopes,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	repo, err := depot.Open(schema.Default(),
		depot.WithDataDir(t.TempDir()),
		depot.WithKV(meta.NewMemory()))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	srv := httptest.NewServer(New(Config{
		Repo:     repo,
		Verifier: auth.NewVerifier(testSecret),
	}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, resp, &payload)
	require.NotEmpty(t, payload.Error.Message)
	return payload.Error.Code
}

func TestPublishFetchRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	writer := signToken(t, "ci-bot", auth.ScopeRead, auth.ScopeWrite)

	content := []byte("abc")
	sum := sha256.Sum256(content)
	wantDigest := "sha256:" + hex.EncodeToString(sum[:])

	resp := doRequest(t, http.MethodPut,
		srv.URL+"/v1/tools/builder/1.0.0/linux-amd64/blob", writer, content)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		OK     bool   `json:"ok"`
		Digest string `json:"digest"`
		Size   int64  `json:"size"`
	}
	decodeJSON(t, resp, &created)
	assert.True(t, created.OK)
	assert.Equal(t, wantDigest, created.Digest)
	assert.Equal(t, int64(3), created.Size)

	// Anonymous read works without a token.
	resp = doRequest(t, http.MethodGet,
		srv.URL+"/v1/tools/builder/1.0.0/linux-amd64/blob", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, wantDigest, resp.Header.Get("Docker-Content-Digest"))
	assert.Equal(t, "3", resp.Header.Get("Content-Length"))

	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPublishRequiresWriteScope(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v1/tools/builder/1.0.0/linux-amd64/blob"

	resp := doRequest(t, http.MethodPut, url, "", []byte("x"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, resp))

	reader := signToken(t, "viewer", auth.ScopeRead)
	resp = doRequest(t, http.MethodPut, url, reader, []byte("x"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCode(t, resp))
}

func TestPublishDuplicateConflicts(t *testing.T) {
	srv := newTestServer(t)
	writer := signToken(t, "ci-bot", auth.ScopeWrite)
	url := srv.URL + "/v1/tools/builder/1.0.0/linux-amd64/blob"

	resp := doRequest(t, http.MethodPut, url, writer, []byte("first"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(t, http.MethodPut, url, writer, []byte("second"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_EXISTS", errorCode(t, resp))
}

func TestPublishInvalidCoordinate(t *testing.T) {
	srv := newTestServer(t)
	writer := signToken(t, "ci-bot", auth.ScopeWrite)

	resp := doRequest(t, http.MethodPut,
		srv.URL+"/v1/__bad/builder/1.0.0/linux-amd64/blob", writer, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))
}

func TestFetchUnknownCoordinate(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet,
		srv.URL+"/v1/tools/ghost/9.9.9/linux-amd64/blob", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
}

func TestVersionsAndLatest(t *testing.T) {
	srv := newTestServer(t)
	writer := signToken(t, "ci-bot", auth.ScopeWrite)

	for _, v := range []string{"1.0.0", "2.0.0", "10.0.0"} {
		resp := doRequest(t, http.MethodPut,
			srv.URL+"/v1/tools/builder/"+v+"/linux-amd64/blob", writer, []byte(v))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/tools/builder/versions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Versions []struct {
			Version string `json:"version"`
		} `json:"versions"`
	}
	decodeJSON(t, resp, &listing)
	require.Len(t, listing.Versions, 3)
	assert.Equal(t, "10.0.0", listing.Versions[0].Version)
	assert.Equal(t, "1.0.0", listing.Versions[2].Version)

	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/tools/builder/latest", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var latest struct {
		Version string `json:"version"`
	}
	decodeJSON(t, resp, &latest)
	assert.Equal(t, "10.0.0", latest.Version)
}

func TestTagLifecycle(t *testing.T) {
	srv := newTestServer(t)
	writer := signToken(t, "releaser", auth.ScopeRead, auth.ScopeWrite)

	resp := doRequest(t, http.MethodPut,
		srv.URL+"/v1/tools/builder/1.2.3/linux-amd64/blob", writer, []byte("payload"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	body, _ := json.Marshal(map[string]string{
		"target_version": "1.2.3",
		"target_variant": "linux-amd64",
	})
	resp = doRequest(t, http.MethodPut, srv.URL+"/v1/tools/builder/tags/stable", writer, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/tools/builder/tags/stable", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tag struct {
		TargetVersion string `json:"target_version"`
		TargetVariant string `json:"target_variant"`
		UpdatedBy     string `json:"updated_by"`
	}
	decodeJSON(t, resp, &tag)
	assert.Equal(t, "1.2.3", tag.TargetVersion)
	assert.Equal(t, "linux-amd64", tag.TargetVariant)
	assert.Equal(t, "releaser", tag.UpdatedBy)
}

func TestSetTagMissingTarget(t *testing.T) {
	srv := newTestServer(t)
	writer := signToken(t, "releaser", auth.ScopeWrite)

	body, _ := json.Marshal(map[string]string{
		"target_version": "9.9.9",
		"target_variant": "linux-amd64",
	})
	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/tools/builder/tags/stable", writer, body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TARGET_NOT_FOUND", errorCode(t, resp))
}

func TestSetTagRejectsPartialBody(t *testing.T) {
	srv := newTestServer(t)
	writer := signToken(t, "releaser", auth.ScopeWrite)

	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/tools/builder/tags/stable",
		writer, []byte(`{"target_version": "1.0.0"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))

	resp = doRequest(t, http.MethodPut, srv.URL+"/v1/tools/builder/tags/stable",
		writer, []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
}

func TestHealthAndSchema(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	decodeJSON(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])

	resp = doRequest(t, http.MethodGet, srv.URL+"/schema", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]any
	decodeJSON(t, resp, &doc)
	assert.Equal(t, "1.0", doc["schema_version"])
}

func TestStatsRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/stats", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	writer := signToken(t, "ci-bot", auth.ScopeWrite)
	resp = doRequest(t, http.MethodGet, srv.URL+"/stats", writer, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	operator := signToken(t, "operator", auth.ScopeAdmin)
	resp = doRequest(t, http.MethodGet, srv.URL+"/stats", operator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	decodeJSON(t, resp, &stats)
	assert.Contains(t, stats, "gets")
}

func TestAdminConfigEndpoint(t *testing.T) {
	repo, err := depot.Open(schema.Default(),
		depot.WithDataDir(t.TempDir()),
		depot.WithKV(meta.NewMemory()))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	mirror, err := admin.Open(t.TempDir() + "/admin.db")
	require.NoError(t, err)
	t.Cleanup(func() { mirror.Close() })
	require.NoError(t, mirror.Sync(context.Background(), repo.Schema()))

	srv := httptest.NewServer(New(Config{
		Repo:     repo,
		Verifier: auth.NewVerifier(testSecret),
		Mirror:   mirror,
	}).Handler())
	t.Cleanup(srv.Close)

	operator := signToken(t, "operator", auth.ScopeAdmin)
	resp := doRequest(t, http.MethodGet, srv.URL+"/admin/config", operator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		TypeID   string `json:"type_id"`
		Entities []struct {
			Name string `json:"name"`
		} `json:"entities"`
	}
	decodeJSON(t, resp, &snap)
	assert.Equal(t, "depot.repository.v1", snap.TypeID)
	assert.NotEmpty(t, snap.Entities)
}

func TestExpiredTokenRejected(t *testing.T) {
	srv := newTestServer(t)

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ci-bot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Scopes: []string{auth.ScopeWrite},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	resp := doRequest(t, http.MethodPut,
		srv.URL+"/v1/tools/builder/1.0.0/linux-amd64/blob", token, []byte("x"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, resp))
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "", nil)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/tools/builder/versions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCoordinateNormalizedOnPublish(t *testing.T) {
	srv := newTestServer(t)
	writer := signToken(t, "ci-bot", auth.ScopeWrite)

	resp := doRequest(t, http.MethodPut,
		srv.URL+"/v1/Tools/Builder/1.0.0/Linux-AMD64/blob", writer, []byte("x"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Lowercased coordinate resolves the same artifact.
	resp = doRequest(t, http.MethodGet,
		srv.URL+"/v1/tools/builder/1.0.0/linux-amd64/blob", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestErrorPayloadShape(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet,
		srv.URL+"/v1/tools/ghost/1.0.0/linux-amd64/blob", "", nil)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Contains(t, payload, "error")
	assert.NotEmpty(t, payload["error"]["code"])
	assert.NotEmpty(t, payload["error"]["message"])
	assert.False(t, strings.Contains(string(raw), "stack"), "no stack traces in error payloads")
}
