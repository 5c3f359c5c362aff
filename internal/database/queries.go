package database

import (
	"time"
)

func (db *PgMarketRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (id, username, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, username, email",
		params.Id,
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
	)

	return a, err
}

func (db *PgMarketRepository) GetAccountByEmail(email string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var account Account
	err := row.Scan(
		&account.Id,
		&account.Username,
		&account.EmailAddress,
		&account.PasswordHash,
	)

	return account, err
}

func (db *PgMarketRepository) GetAccountById(accountId string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var account Account
	err := row.Scan(
		&account.Id,
		&account.Username,
		&account.EmailAddress,
	)

	return account, err
}
