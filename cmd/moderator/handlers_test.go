package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veritas-labs/veritas/automod/auth"
	"github.com/veritas-labs/veritas/automod/classifier"
	"github.com/veritas-labs/veritas/automod/engine"
	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*Server, *engine.TestFixture) {
	fx, err := engine.NewTestFixture()
	require.NoError(t, err)
	return newServer(fx.Engine, slog.Default()), fx
}

func doRequest(srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) GenericError {
	var ge GenericError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ge))
	return ge
}

func TestHealthCheck(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t)

	rec := doRequest(srv, http.MethodGet, "/_health", "", "")
	assert.Equal(http.StatusOK, rec.Code)
	var st GenericStatus
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal("ok", st.Status)
	assert.Equal("moderator", st.Daemon)
}

func TestModerateHandler(t *testing.T) {
	assert := assert.New(t)
	srv, fx := testServer(t)
	conf := 0.95
	fx.Classifier.Set(&classifier.Verdict{Allowed: true, Reason: "benign", Confidence: &conf}, nil)

	rec := doRequest(srv, http.MethodPost, "/v1/moderate", fx.Token("svc-scout", auth.ScopePerform),
		`{"content": "a post about gardening", "url": "https://example.com/garden", "title": "Gardening", "subscription_id": "sub-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var dec engine.Decision
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &dec))
	assert.True(dec.Allowed)
	assert.Equal(models.OutcomeAllow, dec.Outcome)
	assert.Equal(models.DecidedByModel, dec.DecidedBy)
	assert.NotZero(dec.RecordID)
	assert.Len(dec.ContentHash, 64)
	assert.Nil(dec.ReviewID)
}

func TestModerateHandlerErrors(t *testing.T) {
	assert := assert.New(t)
	srv, fx := testServer(t)
	body := `{"content": "hello", "url": "https://example.com/"}`

	// no credential
	rec := doRequest(srv, http.MethodPost, "/v1/moderate", "", body)
	assert.Equal(http.StatusUnauthorized, rec.Code)
	ge := decodeError(t, rec)
	assert.Equal("authorization", ge.Error)
	assert.False(ge.Retryable)

	// expired
	rec = doRequest(srv, http.MethodPost, "/v1/moderate", fx.ExpiredToken("svc-scout", auth.ScopePerform), body)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	// wrong scope
	rec = doRequest(srv, http.MethodPost, "/v1/moderate", fx.Token("svc-scout", auth.ScopeReview), body)
	assert.Equal(http.StatusForbidden, rec.Code)
	assert.Equal("forbidden", decodeError(t, rec).Error)

	// missing url
	rec = doRequest(srv, http.MethodPost, "/v1/moderate", fx.Token("svc-scout", auth.ScopePerform), `{"content": "hello"}`)
	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.Equal("validation", decodeError(t, rec).Error)

	// malformed json
	rec = doRequest(srv, http.MethodPost, "/v1/moderate", fx.Token("svc-scout", auth.ScopePerform), `{"content": `)
	assert.Equal(http.StatusBadRequest, rec.Code)

	// nothing was recorded for any of the failures
	var n int64
	assert.NoError(fx.Engine.DB.Model(&models.ModerationRecord{}).Count(&n).Error)
	assert.Equal(int64(0), n)
}

func TestRuleHandlers(t *testing.T) {
	assert := assert.New(t)
	srv, fx := testServer(t)
	admin := func() string { return fx.Token("alice", auth.ScopeAdmin) }

	rec := doRequest(srv, http.MethodPost, "/v1/rules", admin(),
		`{"name": "spam domain", "pattern": "Spam.Example.COM", "pattern_type": "domain", "action": "block", "priority": 5}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var r models.Rule
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &r))
	assert.NotZero(r.ID)
	assert.True(r.Enabled)
	assert.Equal("spam.example.com", r.Pattern)

	// unknown pattern type is rejected by the request validator
	rec = doRequest(srv, http.MethodPost, "/v1/rules", admin(),
		`{"name": "bad", "pattern": "x", "pattern_type": "glob", "action": "block"}`)
	assert.Equal(http.StatusBadRequest, rec.Code)

	// malformed regex is rejected at write time
	rec = doRequest(srv, http.MethodPost, "/v1/rules", admin(),
		`{"name": "bad regex", "pattern": "([a-z", "pattern_type": "regex", "action": "block"}`)
	assert.Equal(http.StatusBadRequest, rec.Code)

	// review scope can't administer rules
	rec = doRequest(srv, http.MethodGet, "/v1/rules", fx.Token("bob", auth.ScopeReview), "")
	assert.Equal(http.StatusForbidden, rec.Code)

	path := fmt.Sprintf("/v1/rules/%d", r.ID)
	rec = doRequest(srv, http.MethodPost, path+"/disable", admin(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &r))
	assert.False(r.Enabled)
	assert.Equal(0, fx.Engine.Rules.Current().Len())

	rec = doRequest(srv, http.MethodPut, path, admin(),
		`{"name": "spam domain", "pattern": "spam.example.com", "pattern_type": "domain", "action": "review", "priority": 1, "enabled": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(models.OutcomeReview, r.Action)
	assert.Equal(1, fx.Engine.Rules.Current().Len())

	rec = doRequest(srv, http.MethodGet, "/v1/rules", admin(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rules []models.Rule `json:"rules"`
	}
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(list.Rules, 1)

	rec = doRequest(srv, http.MethodGet, "/v1/rules/9999", admin(), "")
	assert.Equal(http.StatusNotFound, rec.Code)
	rec = doRequest(srv, http.MethodGet, "/v1/rules/abc", admin(), "")
	assert.Equal(http.StatusBadRequest, rec.Code)
}

func TestReviewHandlers(t *testing.T) {
	assert := assert.New(t)
	srv, fx := testServer(t)
	fx.Classifier.Set(nil, errors.New("upstream down"))

	rec := doRequest(srv, http.MethodPost, "/v1/moderate", fx.Token("svc-scout", auth.ScopePerform),
		`{"content": "ambiguous content", "url": "https://example.com/x"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dec engine.Decision
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &dec))
	assert.False(dec.Allowed)
	assert.Equal(models.OutcomeReview, dec.Outcome)
	require.NotNil(t, dec.ReviewID)

	reviewer := func() string { return fx.Token("carol", auth.ScopeReview) }

	rec = doRequest(srv, http.MethodGet, "/v1/reviews?status=pending", reviewer(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list struct {
		Reviews []models.ReviewItem `json:"reviews"`
		Cursor  string              `json:"cursor"`
	}
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Reviews, 1)
	assert.Equal(*dec.ReviewID, list.Reviews[0].ID)
	assert.Equal(fmt.Sprint(*dec.ReviewID), list.Cursor)

	rec = doRequest(srv, http.MethodGet, "/v1/reviews?status=bogus", reviewer(), "")
	assert.Equal(http.StatusBadRequest, rec.Code)

	path := fmt.Sprintf("/v1/reviews/%d", *dec.ReviewID)
	rec = doRequest(srv, http.MethodPost, path+"/assign", reviewer(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var item models.ReviewItem
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(models.ReviewInProgress, item.Status)
	require.NotNil(t, item.AssignedTo)
	assert.Equal("carol", *item.AssignedTo)

	// stale version
	rec = doRequest(srv, http.MethodPost, path+"/resolve", reviewer(), `{"outcome": "block", "note": "spam", "expected_version": 1}`)
	assert.Equal(http.StatusConflict, rec.Code)
	assert.Equal("conflict", decodeError(t, rec).Error)

	// review is not a resolution
	rec = doRequest(srv, http.MethodPost, path+"/resolve", reviewer(), `{"outcome": "review"}`)
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, path+"/resolve", reviewer(), fmt.Sprintf(`{"outcome": "block", "note": "spam", "expected_version": %d}`, item.Version))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(models.ReviewResolved, item.Status)

	// resolved as block, so the fingerprint is now cached
	rec = doRequest(srv, http.MethodGet, "/v1/cache/"+dec.ContentHash, reviewer(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ent models.CacheEntry
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &ent))
	assert.Equal(dec.ContentHash, ent.ContentHash)
	assert.Equal(int64(1), ent.BlockedCount)

	rec = doRequest(srv, http.MethodGet, "/v1/records?content_hash="+dec.ContentHash, reviewer(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var records struct {
		Records []models.ModerationRecord `json:"records"`
	}
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(records.Records, 1)

	rec = doRequest(srv, http.MethodGet, "/v1/records", reviewer(), "")
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/v1/stats?period=total", reviewer(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(rec.Body.String(), `"review":1`)
}

func TestErrorHandlerMapping(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t)

	tests := []struct {
		err       error
		code      int
		kind      string
		retryable bool
	}{
		{moderr.Authorization("missing credential", nil), http.StatusUnauthorized, "authorization", false},
		{moderr.Forbidden("missing scope"), http.StatusForbidden, "forbidden", false},
		{moderr.Validation("bad"), http.StatusBadRequest, "validation", false},
		{moderr.NotFound("gone"), http.StatusNotFound, "not_found", false},
		{moderr.Conflict("stale"), http.StatusConflict, "conflict", false},
		{moderr.New(moderr.KindTimeout, "slow"), http.StatusServiceUnavailable, "timeout", true},
		{moderr.Persistence("write failed", errors.New("disk")), http.StatusInternalServerError, "persistence", true},
		{fmt.Errorf("wrapped: %w", moderr.Conflict("stale")), http.StatusConflict, "conflict", false},
		{errors.New("boom"), http.StatusInternalServerError, "internal", false},
		{echo.NewHTTPError(http.StatusUnsupportedMediaType, "nope"), http.StatusUnsupportedMediaType, "unsupported_media_type", false},
	}

	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := srv.echo.NewContext(req, rec)
		srv.errorHandler(tc.err, c)
		assert.Equal(tc.code, rec.Code, tc.err.Error())
		ge := decodeError(t, rec)
		assert.Equal(tc.kind, ge.Error)
		assert.Equal(tc.retryable, ge.Retryable)
	}

	// internal details aren't leaked
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.errorHandler(errors.New("secret dsn"), srv.echo.NewContext(req, rec))
	assert.NotContains(rec.Body.String(), "secret")
}
