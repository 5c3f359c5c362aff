package database

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func Test_buildWhere(t *testing.T) {
	where, args, err := buildWhere("likes", map[string]any{"post_id": 7, "user_id": "u1"}, 1)
	assert.NoError(t, err)
	assert.Equal(t, " WHERE post_id = $1 AND user_id = $2", where)
	assert.Equal(t, []any{7, "u1"}, args)
}

func Test_buildWhere_inClause(t *testing.T) {
	where, args, err := buildWhere("likes", map[string]any{"post_id": []int{1, 2, 3}}, 1)
	assert.NoError(t, err)
	assert.Equal(t, " WHERE post_id = ANY($1)", where)
	assert.Equal(t, []any{pq.Array([]int{1, 2, 3})}, args)
}

func Test_buildWhere_argOffset(t *testing.T) {
	where, _, err := buildWhere("messages", map[string]any{"receiver_id": "u1"}, 3)
	assert.NoError(t, err)
	assert.Equal(t, " WHERE receiver_id = $3", where)
}

func Test_buildWhere_emptyFilter(t *testing.T) {
	where, args, err := buildWhere("posts", nil, 1)
	assert.NoError(t, err)
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func Test_buildWhere_rejectsUnknownTable(t *testing.T) {
	_, _, err := buildWhere("accounts", map[string]any{"id": 1}, 1)
	assert.EqualError(t, err, `table "accounts" not allowed`)
}

func Test_buildWhere_rejectsUnknownColumn(t *testing.T) {
	_, _, err := buildWhere("likes", map[string]any{"password_hash": "x"}, 1)
	assert.EqualError(t, err, `column "password_hash" not allowed on "likes"`)
}

func Test_checkColumns(t *testing.T) {
	cols, err := checkColumns("messages", Row{
		"receiver_id": "u2",
		"content":     "hi",
		"sender_id":   "u1",
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"content", "receiver_id", "sender_id"}, cols)

	_, err = checkColumns("messages", Row{"thread_id": 1})
	assert.Error(t, err)
}
