package database

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// allowedTables whitelists every table and column reachable through the
// generic row operations. Anything outside this map is rejected before
// any SQL is built.
var allowedTables = map[string]map[string]bool{
	"profiles": {
		"id": true, "username": true, "avatar_url": true, "bio": true,
		"campus": true, "created_at": true,
	},
	"listings": {
		"id": true, "external_id": true, "seller_id": true, "title": true,
		"description": true, "price_cents": true, "category": true,
		"status": true, "created_at": true, "updated_at": true,
	},
	"posts": {
		"id": true, "author_id": true, "listing_id": true, "content": true,
		"created_at": true,
	},
	"likes": {
		"id": true, "post_id": true, "user_id": true, "created_at": true,
	},
	"comments": {
		"id": true, "post_id": true, "user_id": true, "content": true,
		"created_at": true,
	},
	"bookmarks": {
		"id": true, "post_id": true, "user_id": true, "created_at": true,
	},
	"messages": {
		"id": true, "sender_id": true, "receiver_id": true, "content": true,
		"read": true, "created_at": true,
	},
}

type PgMarketRepository struct {
	conn *sql.DB
}

func NewPgMarketRepository(dsn string) (*PgMarketRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgMarketRepository{conn: db}, nil
}

func (db *PgMarketRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgMarketRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgMarketRepository) QueryRows(table string, filter map[string]any) ([]Row, error) {
	where, args, err := buildWhere(table, filter, 1)
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM " + table + where + " ORDER BY id"
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

func (db *PgMarketRepository) InsertRow(table string, row Row) (Row, error) {
	cols, err := checkColumns(table, row)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("insert into %q: no columns", table)
	}

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
	)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stored, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, sql.ErrNoRows
	}

	return stored[0], nil
}

func (db *PgMarketRepository) UpdateRows(table string, filter map[string]any, patch Row) ([]Row, error) {
	cols, err := checkColumns(table, patch)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("update %q: no columns", table)
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filter))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
		args = append(args, patch[col])
	}

	where, whereArgs, err := buildWhere(table, filter, len(cols)+1)
	if err != nil {
		return nil, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s%s RETURNING *", table, strings.Join(sets, ", "), where)
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

func (db *PgMarketRepository) DeleteRows(table string, filter map[string]any) ([]Row, error) {
	if len(filter) == 0 {
		return nil, fmt.Errorf("delete from %q: filter required", table)
	}

	where, args, err := buildWhere(table, filter, 1)
	if err != nil {
		return nil, err
	}

	query := "DELETE FROM " + table + where + " RETURNING *"
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

// buildWhere renders a filter into a WHERE clause with numbered
// placeholders starting at argOffset. Slice values become ANY() matches.
// Columns are sorted so the generated SQL is deterministic.
func buildWhere(table string, filter map[string]any, argOffset int) (string, []any, error) {
	columns, ok := allowedTables[table]
	if !ok {
		return "", nil, fmt.Errorf("table %q not allowed", table)
	}

	if len(filter) == 0 {
		return "", nil, nil
	}

	cols := make([]string, 0, len(filter))
	for col := range filter {
		if !columns[col] {
			return "", nil, fmt.Errorf("column %q not allowed on %q", col, table)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		switch v := filter[col].(type) {
		case []int:
			conds[i] = fmt.Sprintf("%s = ANY($%d)", col, argOffset+i)
			args[i] = pq.Array(v)
		case []string:
			conds[i] = fmt.Sprintf("%s = ANY($%d)", col, argOffset+i)
			args[i] = pq.Array(v)
		case []any:
			conds[i] = fmt.Sprintf("%s = ANY($%d)", col, argOffset+i)
			args[i] = pq.Array(v)
		default:
			conds[i] = fmt.Sprintf("%s = $%d", col, argOffset+i)
			args[i] = v
		}
	}

	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// checkColumns validates a row's columns against the whitelist and
// returns them sorted.
func checkColumns(table string, row Row) ([]string, error) {
	columns, ok := allowedTables[table]
	if !ok {
		return nil, fmt.Errorf("table %q not allowed", table)
	}

	cols := make([]string, 0, len(row))
	for col := range row {
		if !columns[col] {
			return nil, fmt.Errorf("column %q not allowed on %q", col, table)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	return cols, nil
}

// scanRows reads every row into a generic column map. Byte slices are
// converted to strings so the result encodes cleanly as JSON.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			case time.Time:
				row[col] = v.UTC().Format(time.RFC3339)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}

	return out, rows.Err()
}
