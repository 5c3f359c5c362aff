package database

// MarketRepository is the persistence surface for the dev backend. The
// generic row operations back the query and mutation endpoints; the
// account operations back auth, where rows never leave the server.
type MarketRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (Account, error)
	GetAccountByEmail(email string) (Account, error)
	GetAccountById(accountId string) (Account, error)
	QueryRows(table string, filter map[string]any) ([]Row, error)
	InsertRow(table string, row Row) (Row, error)
	UpdateRows(table string, filter map[string]any, patch Row) ([]Row, error)
	DeleteRows(table string, filter map[string]any) ([]Row, error)
}
