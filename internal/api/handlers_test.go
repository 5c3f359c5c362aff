package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mslater/campus-market/internal/config"
	"github.com/mslater/campus-market/internal/database"
	"github.com/mslater/campus-market/internal/hub"
	"github.com/mslater/campus-market/internal/stats"
	"github.com/mslater/campus-market/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestApp(t *testing.T, repo database.MarketRepository) *MarketApp {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Maybe()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)
	return NewMarketApp(logger, hub.NewHub(logger, su), repo, &config.Config{
		ServerAddr: "localhost:0",
		SigningKey: []byte("test-signing-key"),
	})
}

// findCookie is a helper function to find a cookie by name in the
// response recorder. It returns the cookie if found, or nil if not found.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("encode request body: %v", err)
	}
	return buf
}

func TestRegisterHandler(t *testing.T) {
	t.Run("successfully creates an account", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("CreateAccount", mock.MatchedBy(func(params database.CreateAccountParams) bool {
			return params.Id != "" &&
				params.Username == "newuser" &&
				params.EmailAddress == "newuser@example.com" &&
				verifyPassword(params.PasswordHash, "password")
		})).Return(database.Account{
			Id:           "a1",
			Username:     "newuser",
			EmailAddress: "newuser@example.com",
		}, nil).Once()
		mockRepo.On("InsertRow", "profiles", database.Row{
			"id":       "a1",
			"username": "newuser",
		}).Return(database.Row{"id": "a1", "username": "newuser"}, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", jsonBody(t, RegisterRequest{
			Email:    "newuser@example.com",
			Username: "newuser",
			Password: "password",
		}))
		app.register(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code, "expected status code to be 201")

		var resp SessionResponse
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "a1", resp.User.Id)
		assert.NotEmpty(t, resp.Token, "expected a session token in the response")

		userId, err := app.extractUserIdFromToken(resp.Token)
		assert.NoError(t, err, "expected issued token to verify")
		assert.Equal(t, "a1", userId)

		cookie := findCookie(rr, tokenCookieKey)
		assert.NotNil(t, cookie, "expected session cookie to be set")
	})

	t.Run("fails with invalid json body", func(t *testing.T) {
		app := newTestApp(t, &database.MockMarketRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString("invalid json"))
		app.register(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("fails with missing fields", func(t *testing.T) {
		app := newTestApp(t, &database.MockMarketRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", jsonBody(t, RegisterRequest{
			Email: "nopassword@example.com",
		}))
		app.register(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("fails with db error", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("CreateAccount", mock.Anything).Return(database.Account{}, errors.New("db error")).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", jsonBody(t, RegisterRequest{
			Email:    "newuser@example.com",
			Username: "newuser",
			Password: "password",
		}))
		app.register(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestLoginHandler(t *testing.T) {
	pwdHash, err := hashPassword("password")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	account := database.Account{
		Id:           "a1",
		Username:     "user",
		EmailAddress: "user@example.com",
		PasswordHash: pwdHash,
	}

	t.Run("successful login", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccountByEmail", account.EmailAddress).Return(account, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", jsonBody(t, LoginRequest{
			Email:    account.EmailAddress,
			Password: "password",
		}))
		app.login(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var resp SessionResponse
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, account.Id, resp.User.Id)
		assert.NotEmpty(t, resp.Token)
		assert.NotNil(t, findCookie(rr, tokenCookieKey), "expected session cookie to be set")
	})

	t.Run("fails with wrong password", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccountByEmail", account.EmailAddress).Return(account, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", jsonBody(t, LoginRequest{
			Email:    account.EmailAddress,
			Password: "wrong",
		}))
		app.login(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("fails with unknown email", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccountByEmail", "nobody@example.com").Return(database.Account{}, sql.ErrNoRows).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", jsonBody(t, LoginRequest{
			Email:    "nobody@example.com",
			Password: "password",
		}))
		app.login(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestAuthMiddleware(t *testing.T) {
	app := newTestApp(t, &database.MockMarketRepository{})

	handler := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		userId, ok := UserId(r.Context())
		assert.True(t, ok, "expected user id in request context")
		assert.Equal(t, "a1", userId)
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid bearer token", func(t *testing.T) {
		token, err := app.createJwtForSession("a1", "user", defaultJwtExpiration)
		assert.NoError(t, err)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestQueryHandler(t *testing.T) {
	t.Run("public table", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("QueryRows", "likes", map[string]any{"post_id": float64(7)}).
			Return([]database.Row{{"id": 1, "post_id": 7, "user_id": "u2"}}, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/query", jsonBody(t, QueryRequest{
			Table:  "likes",
			Filter: map[string]any{"post_id": 7},
		}))
		app.query(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var rows []database.Row
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&rows))
		assert.Len(t, rows, 1)
	})

	t.Run("private table requires auth", func(t *testing.T) {
		app := newTestApp(t, &database.MockMarketRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/query", jsonBody(t, QueryRequest{
			Table:  "messages",
			Filter: map[string]any{"receiver_id": "u1"},
		}))
		app.query(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("private table rejects foreign filter", func(t *testing.T) {
		app := newTestApp(t, &database.MockMarketRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/query", jsonBody(t, QueryRequest{
			Table:  "messages",
			Filter: map[string]any{"receiver_id": "u2"},
		}))
		app.query(rr, req.WithContext(WithUserId(req.Context(), "u1")))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("private table with own filter", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("QueryRows", "messages", map[string]any{"receiver_id": "u1"}).
			Return([]database.Row{}, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/query", jsonBody(t, QueryRequest{
			Table:  "messages",
			Filter: map[string]any{"receiver_id": "u1"},
		}))
		app.query(rr, req.WithContext(WithUserId(req.Context(), "u1")))

		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestInsertHandler(t *testing.T) {
	t.Run("stamps the actor column", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("InsertRow", "likes", mock.MatchedBy(func(row database.Row) bool {
			// the acting user is taken from the session, not the body
			return row["user_id"] == "u1" && row["post_id"] == float64(7)
		})).Return(database.Row{"id": 1, "post_id": 7, "user_id": "u1"}, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/insert", jsonBody(t, InsertRequest{
			Table: "likes",
			Row:   database.Row{"post_id": 7, "user_id": "someone-else"},
		}))
		app.insert(rr, req.WithContext(WithUserId(req.Context(), "u1")))

		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("assigns listings an external id", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("InsertRow", "listings", mock.MatchedBy(func(row database.Row) bool {
			externalId, _ := row["external_id"].(string)
			return row["seller_id"] == "u1" && externalId != ""
		})).Return(database.Row{"id": 1}, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/insert", jsonBody(t, InsertRequest{
			Table: "listings",
			Row:   database.Row{"title": "bike", "price_cents": 12000},
		}))
		app.insert(rr, req.WithContext(WithUserId(req.Context(), "u1")))

		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("rejects unknown table", func(t *testing.T) {
		app := newTestApp(t, &database.MockMarketRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/insert", jsonBody(t, InsertRequest{
			Table: "accounts",
			Row:   database.Row{"id": "x"},
		}))
		app.insert(rr, req.WithContext(WithUserId(req.Context(), "u1")))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("requires authentication", func(t *testing.T) {
		app := newTestApp(t, &database.MockMarketRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/insert", jsonBody(t, InsertRequest{
			Table: "likes",
			Row:   database.Row{"post_id": 7},
		}))
		app.insert(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestUpdateHandler(t *testing.T) {
	t.Run("scopes message updates to the receiver", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)

		wantFilter := map[string]any{"id": float64(5), "receiver_id": "u1"}
		mockRepo.On("QueryRows", "messages", wantFilter).
			Return([]database.Row{{"id": 5, "read": false}}, nil).Once()
		mockRepo.On("UpdateRows", "messages", wantFilter, database.Row{"read": true}).
			Return([]database.Row{{"id": 5, "read": true}}, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/update", jsonBody(t, UpdateRequest{
			Table:  "messages",
			Filter: map[string]any{"id": 5},
			Patch:  database.Row{"read": true},
		}))
		app.update(rr, req.WithContext(WithUserId(req.Context(), "u1")))

		assert.Equal(t, http.StatusOK, rr.Code)

		var rows []database.Row
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&rows))
		assert.Len(t, rows, 1)
	})

	t.Run("requires authentication", func(t *testing.T) {
		app := newTestApp(t, &database.MockMarketRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/update", jsonBody(t, UpdateRequest{
			Table: "messages",
			Patch: database.Row{"read": true},
		}))
		app.update(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestDeleteHandler(t *testing.T) {
	t.Run("scopes deletes to the actor", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("DeleteRows", "likes", map[string]any{"post_id": float64(7), "user_id": "u1"}).
			Return([]database.Row{{"id": 1, "post_id": 7, "user_id": "u1"}}, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/delete", jsonBody(t, DeleteRequest{
			Table:  "likes",
			Filter: map[string]any{"post_id": 7},
		}))
		app.delete(rr, req.WithContext(WithUserId(req.Context(), "u1")))

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("rejects profile deletes", func(t *testing.T) {
		app := newTestApp(t, &database.MockMarketRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/delete", jsonBody(t, DeleteRequest{
			Table: "profiles",
		}))
		app.delete(rr, req.WithContext(WithUserId(req.Context(), "u1")))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestSessionHandler(t *testing.T) {
	t.Run("returns the current account", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccountById", "a1").Return(database.Account{
			Id:           "a1",
			Username:     "user",
			EmailAddress: "user@example.com",
		}, nil).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		app.session(rr, req.WithContext(WithUserId(req.Context(), "a1")))

		assert.Equal(t, http.StatusOK, rr.Code)

		var user SessionUser
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&user))
		assert.Equal(t, "a1", user.Id)
	})

	t.Run("unknown account", func(t *testing.T) {
		mockRepo := &database.MockMarketRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccountById", "gone").Return(database.Account{}, sql.ErrNoRows).Once()

		app := newTestApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		app.session(rr, req.WithContext(WithUserId(req.Context(), "gone")))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestLogoutHandler(t *testing.T) {
	app := newTestApp(t, &database.MockMarketRepository{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil)
	app.logout(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)

	cookie := findCookie(rr, tokenCookieKey)
	assert.NotNil(t, cookie, "expected cookie to be overwritten")
	assert.Empty(t, cookie.Value, "expected cookie value to be cleared")
}
