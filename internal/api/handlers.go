package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mslater/campus-market/internal/database"
	"github.com/mslater/campus-market/internal/hub"
	"github.com/teris-io/shortid"
)

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SessionUser struct {
	Id           string `json:"id"`
	Username     string `json:"username"`
	EmailAddress string `json:"email_address,omitempty"`
}

type SessionResponse struct {
	User  SessionUser `json:"user"`
	Token string      `json:"token"`
}

type QueryRequest struct {
	Table  string         `json:"table"`
	Filter map[string]any `json:"filter,omitempty"`
}

type InsertRequest struct {
	Table string       `json:"table"`
	Row   database.Row `json:"row"`
}

type UpdateRequest struct {
	Table  string         `json:"table"`
	Filter map[string]any `json:"filter,omitempty"`
	Patch  database.Row   `json:"patch"`
}

type DeleteRequest struct {
	Table  string         `json:"table"`
	Filter map[string]any `json:"filter,omitempty"`
}

// actorInsertCols maps each writable table to the column stamped with
// the acting user's id on insert. The server sets it, never the client.
var actorInsertCols = map[string]string{
	"likes":     "user_id",
	"comments":  "user_id",
	"bookmarks": "user_id",
	"messages":  "sender_id",
	"posts":     "author_id",
	"listings":  "seller_id",
	"profiles":  "id",
}

// actorUpdateCols scopes updates to rows the acting user may modify.
// Messages are the exception: only the receiver marks a message read.
var actorUpdateCols = map[string]string{
	"likes":     "user_id",
	"comments":  "user_id",
	"bookmarks": "user_id",
	"messages":  "receiver_id",
	"posts":     "author_id",
	"listings":  "seller_id",
	"profiles":  "id",
}

var actorDeleteCols = map[string]string{
	"likes":     "user_id",
	"comments":  "user_id",
	"bookmarks": "user_id",
	"messages":  "sender_id",
	"posts":     "author_id",
	"listings":  "seller_id",
}

// privateQueryCols lists, per table, the columns a query filter must pin
// to the requesting user. Tables not listed are publicly readable.
var privateQueryCols = map[string][]string{
	"messages":  {"sender_id", "receiver_id"},
	"bookmarks": {"user_id"},
}

func (s *MarketApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *MarketApp) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	accountId, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.CreateAccount(database.CreateAccountParams{
		Id:           accountId,
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// every account gets a profile row, visible to other users
	profile, err := s.db.InsertRow("profiles", database.Row{
		"id":       account.Id,
		"username": account.Username,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	s.hub.Publish(hub.Event{Table: "profiles", Type: hub.EventInsert, New: profile})

	token, err := s.createJwtForSession(account.Id, account.Username, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusCreated, SessionResponse{
		User: SessionUser{
			Id:           account.Id,
			Username:     account.Username,
			EmailAddress: account.EmailAddress,
		},
		Token: token,
	})
}

func (s *MarketApp) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountByEmail(req.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(account.PasswordHash, req.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.createJwtForSession(account.Id, account.Username, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, SessionResponse{
		User: SessionUser{
			Id:           account.Id,
			Username:     account.Username,
			EmailAddress: account.EmailAddress,
		},
		Token: token,
	})
}

func (s *MarketApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, SessionUser{
		Id:           account.Id,
		Username:     account.Username,
		EmailAddress: account.EmailAddress,
	})
}

func (s *MarketApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *MarketApp) query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if cols, private := privateQueryCols[req.Table]; private {
		userId, ok := UserId(r.Context())
		if !ok {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		if !filterPinsActor(req.Filter, cols, userId) {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	rows, err := s.db.QueryRows(req.Table, req.Filter)
	if err != nil {
		s.log.Printf("query %q: %v", req.Table, err)
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, rows)
}

func (s *MarketApp) insert(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	actorCol, ok := actorInsertCols[req.Table]
	if !ok {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Row == nil {
		req.Row = database.Row{}
	}
	req.Row[actorCol] = userId

	if req.Table == "listings" {
		externalId, err := shortid.Generate()
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		req.Row["external_id"] = externalId
	}

	stored, err := s.db.InsertRow(req.Table, req.Row)
	if err != nil {
		s.log.Printf("insert into %q: %v", req.Table, err)
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.hub.Publish(hub.Event{Table: req.Table, Type: hub.EventInsert, New: stored})

	s.writeJson(w, http.StatusCreated, stored)
}

func (s *MarketApp) update(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	actorCol, ok := actorUpdateCols[req.Table]
	if !ok {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Filter == nil {
		req.Filter = map[string]any{}
	}
	req.Filter[actorCol] = userId

	// capture before-images so change events carry the old row
	oldRows, err := s.db.QueryRows(req.Table, req.Filter)
	if err != nil {
		s.log.Printf("update %q: read before-images: %v", req.Table, err)
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rows, err := s.db.UpdateRows(req.Table, req.Filter, req.Patch)
	if err != nil {
		s.log.Printf("update %q: %v", req.Table, err)
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	oldById := make(map[string]database.Row, len(oldRows))
	for _, row := range oldRows {
		oldById[fmt.Sprint(row["id"])] = row
	}
	for _, row := range rows {
		s.hub.Publish(hub.Event{
			Table: req.Table,
			Type:  hub.EventUpdate,
			Old:   oldById[fmt.Sprint(row["id"])],
			New:   row,
		})
	}

	s.writeJson(w, http.StatusOK, rows)
}

func (s *MarketApp) delete(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	actorCol, ok := actorDeleteCols[req.Table]
	if !ok {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Filter == nil {
		req.Filter = map[string]any{}
	}
	req.Filter[actorCol] = userId

	rows, err := s.db.DeleteRows(req.Table, req.Filter)
	if err != nil {
		s.log.Printf("delete from %q: %v", req.Table, err)
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	for _, row := range rows {
		s.hub.Publish(hub.Event{Table: req.Table, Type: hub.EventDelete, Old: row})
	}

	s.writeJson(w, http.StatusOK, rows)
}

// filterPinsActor reports whether the filter restricts one of the given
// columns to the acting user's id.
func filterPinsActor(filter map[string]any, cols []string, userId string) bool {
	for _, col := range cols {
		if v, ok := filter[col].(string); ok && v == userId {
			return true
		}
	}
	return false
}

func (s *MarketApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := hub.NewClient(userId, conn, s.hub, s.log)

	s.hub.RegisterChan <- client
	go client.Write()
	go client.Read()
}
