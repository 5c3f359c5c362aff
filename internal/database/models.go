package database

import "time"

// Row is a generic record image, keyed by column name. Values are plain
// Go types suitable for JSON encoding.
type Row map[string]any

type Account struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CreateAccountParams struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
}
